package billing

import (
	"net/http"
)

// Provider is the interface a billing backend implements to feed entitlement changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, deduplication, and account updates internally.
	WebhookHandler() http.Handler
}
