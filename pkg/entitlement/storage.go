package entitlement

import (
	"context"
	"time"
)

// AccountStore is the account persistence the processor reads and mutates.
// Implementations never create accounts from UpdateAccount.
type AccountStore interface {
	// GetAccount returns the account with the internal id, or ErrAccountNotFound
	GetAccount(ctx context.Context, id string) (*Account, error)

	// FindByCustomerID returns the account carrying the billing customer id, or ErrAccountNotFound
	FindByCustomerID(ctx context.Context, customerID string) (*Account, error)

	// FindByEmail returns every account whose email matches case-insensitively.
	// An empty slice (not an error) means no match.
	FindByEmail(ctx context.Context, email string) ([]*Account, error)

	// UpdateAccount overwrites the billing fields of an existing account if the stored
	// Version still equals acct.Version, and bumps acct.Version on success.
	// Returns ErrAccountNotFound if the account does not exist and ErrAccountConflict
	// if it was updated since it was read.
	UpdateAccount(ctx context.Context, acct *Account) error
}

// LedgerStore persists billing events by event id
type LedgerStore interface {
	// GetEvent returns the ledger row, or ErrEventNotFound
	GetEvent(ctx context.Context, eventID string) (*BillingEvent, error)

	// PutEvent creates or replaces the ledger row for ev.EventID
	PutEvent(ctx context.Context, ev *BillingEvent) error
}

// ClaimResult is the outcome of an atomic ledger claim
type ClaimResult string

const (
	// ClaimAcquired means this delivery owns processing of the event
	ClaimAcquired ClaimResult = "acquired"
	// ClaimDone means the event already completed
	ClaimDone ClaimResult = "done"
	// ClaimInFlight means another delivery holds a fresh claim
	ClaimInFlight ClaimResult = "in_flight"
)

// EventClaimer is implemented by ledger stores that support a compare-and-swap claim.
// ClaimEvent writes ev with status processing only if the stored row is not done and
// is not processing with a ClaimedAt newer than staleBefore.
type EventClaimer interface {
	ClaimEvent(ctx context.Context, ev *BillingEvent, staleBefore time.Time) (ClaimResult, error)
}

// Storage combines the account and ledger stores
type Storage interface {
	AccountStore
	LedgerStore
}
