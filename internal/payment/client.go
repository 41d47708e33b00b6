package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Intent is the gateway's handle for an authorized prepayment.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// Refund is the gateway's record of a partial or full refund.
type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrGatewayDisabled indicates no gateway is configured; prepayments cannot be
// taken without one.
var ErrGatewayDisabled = errors.New("payment: gateway not configured")

// MinorUnits converts a major-unit amount to the integral minor units the
// gateway wire format requires.
func MinorUnits(major float64) int64 {
	return int64(math.Round(major * 100))
}

// Client is a thin wrapper over a Stripe-compatible REST API: form-encoded
// requests, bearer key, JSON responses.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient builds the gateway client.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// CreatePaymentIntent authorizes a prepayment for the given amount in minor units.
func (c *Client) CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string) (*Intent, error) {
	if c.baseURL == "" {
		return nil, ErrGatewayDisabled
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("automatic_payment_methods[enabled]", "true")

	var intent Intent
	if err := c.post(ctx, "/v1/payment_intents", form, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateRefund refunds part of the original prepayment against its intent.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, amountMinor int64) (*Refund, error) {
	if c.baseURL == "" {
		return nil, ErrGatewayDisabled
	}
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	form.Set("amount", strconv.FormatInt(amountMinor, 10))

	var refund Refund
	if err := c.post(ctx, "/v1/refunds", form, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("payment gateway request failed", zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("payment gateway rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("payment: %s returned status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("payment: decode response: %w", err)
	}
	return nil
}
