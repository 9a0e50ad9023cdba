// internal/service/gateway/client.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xerrors "billing-service/internal/pkg/errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChargeIntent asks the gateway to attempt a charge. The gateway never
// confirms synchronously; the outcome always arrives later on the webhook
// path as a charge.completed event carrying Reference as tx metadata.
type ChargeIntent struct {
	Reference      string          `json:"reference"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Narrative      string          `json:"narrative"`
}

// ChargeRequester is the outbound collaborator contract; the scheduler and the
// lifecycle manager emit intents through it, wrapped in the retry executor.
type ChargeRequester interface {
	RequestCharge(ctx context.Context, intent ChargeIntent) error
}

// Client posts charge intents to the payment gateway.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, secret string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// RequestCharge fires the intent and returns once the gateway accepted it.
// Acceptance is not confirmation: money movement is reported via webhook.
func (c *Client) RequestCharge(ctx context.Context, intent ChargeIntent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal charge intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w: %v", xerrors.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Info("charge intent accepted",
			zap.String("reference", intent.Reference),
			zap.String("subscription_id", intent.SubscriptionID),
			zap.String("amount", intent.Amount.String()),
		)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("gateway rejected charge intent (status %d): %w", resp.StatusCode, xerrors.ErrValidation)
	default:
		return fmt.Errorf("gateway error (status %d): %w", resp.StatusCode, xerrors.ErrTransient)
	}
}
