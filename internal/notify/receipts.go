package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Receipt carries what the customer sees after settlement.
type Receipt struct {
	TransactionID int64      `json:"transaction_id"`
	Email         string     `json:"email"`
	StationID     string     `json:"station_id"`
	EnergyKWh     float64    `json:"energy_kwh"`
	Cost          float64    `json:"cost"`
	RefundAmount  float64    `json:"refund_amount"`
	Currency      string     `json:"currency"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// Client posts receipts to the mailer service. An empty base URL disables the
// client; sends then report not-sent without error, matching the engine's
// best-effort contract.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient builds the notifier client.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// SendReceipt delivers the receipt. The bool reports whether it was sent.
func (c *Client) SendReceipt(ctx context.Context, receipt Receipt) (bool, error) {
	if c.baseURL == "" {
		c.logger.Debug("notifier disabled, skipping receipt", zap.Int64("transaction_id", receipt.TransactionID))
		return false, nil
	}
	if receipt.Email == "" {
		c.logger.Debug("no customer email, skipping receipt", zap.Int64("transaction_id", receipt.TransactionID))
		return false, nil
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/notifications/receipt", bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("notify: receipt endpoint returned status %d", resp.StatusCode)
	}
	return true, nil
}
