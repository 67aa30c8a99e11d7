package entitlement

import "errors"

var (
	// ErrAccountNotFound is returned when no account matches a lookup
	ErrAccountNotFound = errors.New("account not found")

	// ErrEventNotFound is returned when the ledger has no row for an event id
	ErrEventNotFound = errors.New("billing event not found")

	// ErrUnattributable is returned when an event cannot be tied to an account or a known price.
	// Retrying never resolves it, so callers acknowledge the event instead of failing it.
	ErrUnattributable = errors.New("event is not attributable")

	// ErrInvalidCatalog is returned when the price/tier catalog is inconsistent
	ErrInvalidCatalog = errors.New("invalid price catalog")

	// ErrInvalidTransition is returned for a ledger status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid ledger status transition")

	// ErrAccountConflict is returned by UpdateAccount when the stored account changed since it was read
	ErrAccountConflict = errors.New("account was modified concurrently")

	// ErrInvalidAccount is returned when an account cannot be persisted
	ErrInvalidAccount = errors.New("invalid account")
)
