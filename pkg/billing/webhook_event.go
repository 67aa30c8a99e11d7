package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// EffectEvent describes an entitlement change that was persisted for a webhook event.
// It is passed to the EffectCallback after the account write succeeded.
type EffectEvent struct {
	// EventID is the provider event id
	EventID string

	// EventType is the provider-specific event type, e.g. "invoice.paid"
	EventType string

	// Provider is the billing provider name ("stripe")
	Provider string

	// AccountID is the internal account that changed
	AccountID string

	// Effect is the change applied
	Effect entitlement.Effect

	// PreviousTier is the subscription tier before the change (empty when none)
	PreviousTier string

	// NewTier is the subscription tier after the change
	NewTier string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Account is a copy of the account as persisted
	Account *entitlement.Account
}

// EffectCallback is called after an entitlement change is persisted.
// The change is already stored, so a callback error is logged and never fails the event.
type EffectCallback func(ctx context.Context, event EffectEvent) error
