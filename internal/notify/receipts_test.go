package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendReceipt(t *testing.T) {
	var received Receipt
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/notifications/receipt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	sent, err := client.SendReceipt(context.Background(), Receipt{
		TransactionID: 42,
		Email:         "driver@example.com",
		StationID:     "st-1",
		EnergyKWh:     10,
		Cost:          25,
		RefundAmount:  25,
		Currency:      "eur",
	})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, int64(42), received.TransactionID)
	assert.Equal(t, "driver@example.com", received.Email)
}

func TestSendReceiptServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	sent, err := client.SendReceipt(context.Background(), Receipt{TransactionID: 1, Email: "a@b.c"})
	assert.Error(t, err)
	assert.False(t, sent)
}

func TestSendReceiptDisabledClient(t *testing.T) {
	client := NewClient("", zap.NewNop())
	sent, err := client.SendReceipt(context.Background(), Receipt{TransactionID: 1, Email: "a@b.c"})
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestSendReceiptNoEmail(t *testing.T) {
	client := NewClient("http://mailer.internal", zap.NewNop())
	sent, err := client.SendReceipt(context.Background(), Receipt{TransactionID: 1})
	require.NoError(t, err)
	assert.False(t, sent)
}
