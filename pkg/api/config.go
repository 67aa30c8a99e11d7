package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Config holds configuration for the entitlement API handler
type Config struct {
	// Accounts is the account store the handler reads (required)
	Accounts entitlement.AccountStore

	// Ledger enables GetEvent when set
	Ledger entitlement.LedgerStore

	// GetUserID extracts the account id from the HTTP request (required)
	GetUserID func(*http.Request) string

	// GetEventID extracts the event id for GetEvent
	// Default: the "event_id" path value
	GetEventID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Accounts == nil {
		return fmt.Errorf("accounts store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetEventID == nil {
		config.GetEventID = FromPathValue("event_id")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromPathValue returns an extractor reading a wildcard of the matched net/http route pattern
func FromPathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}
