package entitlement

import (
	"fmt"
	"time"
)

// EventStatus is the processing state of a ledger entry
type EventStatus string

const (
	StatusReceived   EventStatus = "received"
	StatusProcessing EventStatus = "processing"
	StatusDone       EventStatus = "done"
	StatusFailed     EventStatus = "failed"
)

// Effect names the account change an event produced
type Effect string

const (
	EffectSingle               Effect = "single"
	EffectCreditBundle         Effect = "credit_bundle"
	EffectSubscription         Effect = "subscription"
	EffectRenewal              Effect = "renewal"
	EffectRenewalDuplicate     Effect = "renewal_duplicate"
	EffectPaymentFailed        Effect = "payment_failed"
	EffectSubscriptionCanceled Effect = "subscription_canceled"
	EffectIgnored              Effect = "ignored"
	EffectUnknown              Effect = "unknown"
)

// maxErrorLen bounds the error message stored on a failed ledger entry
const maxErrorLen = 500

// BillingEvent is one ledger row, keyed by the provider event id
type BillingEvent struct {
	EventID     string      `json:"event_id"`
	EventType   string      `json:"event_type"`
	Status      EventStatus `json:"status"`
	ReceivedAt  time.Time   `json:"received_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	Attempts    int         `json:"attempts"`

	CustomerID string `json:"customer_id,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
	Effect     Effect `json:"effect,omitempty"`
	Plan       string `json:"plan,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Clone returns a copy of the event
func (e *BillingEvent) Clone() *BillingEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

// CanTransition reports whether the state machine allows moving from s to next.
// done is terminal; failed re-enters at processing on redelivery.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case "", StatusReceived:
		return next == StatusProcessing || next == StatusReceived
	case StatusProcessing:
		return next == StatusProcessing || next == StatusDone || next == StatusFailed
	case StatusFailed:
		return next == StatusProcessing
	default:
		return false
	}
}

// EffectSummary is the result metadata recorded when an event completes
type EffectSummary struct {
	Effect     Effect
	AccountID  string
	CustomerID string
	Plan       string
	Amount     int64
	Currency   string
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

func transitionError(from, to EventStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
