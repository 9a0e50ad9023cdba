// internal/domain/webhook/event.go
package webhook

import (
	"encoding/json"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/shopspring/decimal"
)

// EventKind is the closed set of gateway event types this engine understands.
// Everything else maps to EventUnknown and is acknowledged without side
// effects, so unrecognized gateway types never cause redelivery storms.
type EventKind string

const (
	EventChargeCompleted       EventKind = "charge.completed"
	EventSubscriptionCancelled EventKind = "subscription.cancelled"
	EventUnknown               EventKind = "unknown"
)

const StatusSuccessful = "successful"

// Envelope is the signed JSON body the gateway posts to the webhook endpoint.
type Envelope struct {
	Event string `json:"event"`
	Data  Data   `json:"data"`
}

type Data struct {
	ID       string          `json:"id"`
	TxRef    string          `json:"tx_ref"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Customer Customer        `json:"customer"`
	Meta     Meta            `json:"meta"`
}

type Customer struct {
	Email string `json:"email"`
}

// Meta carries the correlation keys the gateway echoes back from checkout.
type Meta struct {
	UserID         string                `json:"userId"`
	PlanID         string                `json:"planId"`
	SubscriptionID string                `json:"subscriptionId"`
	BillingPeriod  billing.BillingPeriod `json:"billingPeriod"`
}

// Parse decodes a raw webhook body. Malformed JSON fails with
// xerrors.ErrMalformedPayload; missing fields do not (the reconciler treats
// those leniently).
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrMalformedPayload, err.Error())
	}
	return &env, nil
}

// Kind classifies the envelope's event type.
func (e *Envelope) Kind() EventKind {
	switch e.Event {
	case string(EventChargeCompleted):
		return EventChargeCompleted
	case string(EventSubscriptionCancelled):
		return EventSubscriptionCancelled
	default:
		return EventUnknown
	}
}

// ChargeSucceeded reports whether this is a charge event the gateway marked
// successful.
func (e *Envelope) ChargeSucceeded() bool {
	return e.Kind() == EventChargeCompleted && e.Data.Status == StatusSuccessful
}
