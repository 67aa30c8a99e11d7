// Package http provides HTTP middleware that gates export endpoints on account entitlements
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Accounts is the account store the gate reads (required)
	Accounts entitlement.AccountStore

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// BlockedStatusCode is returned when no entitlement allows an export
	// Default: 402 (Payment Required)
	BlockedStatusCode int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnBlocked is called when the account may not export
	// If nil, returns BlockedStatusCode JSON with the reason
	OnBlocked func(w http.ResponseWriter, r *http.Request, acct *entitlement.Account, reason string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlements:userID"

	// ExportSourceKey is the context key for the entitlement that pays for the export
	ExportSourceKey ContextKey = "entitlements:exportSource"
)

// ExportSourceHeader carries the paying entitlement on allowed requests
const ExportSourceHeader = "X-Export-Source"

// Middleware creates an HTTP middleware that only lets requests through when the
// caller's account can export. It never mutates the account.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Accounts == nil {
		panic("entitlements/http: Config.Accounts is required")
	}
	if config.GetUserID == nil {
		panic("entitlements/http: Config.GetUserID is required")
	}
	if config.BlockedStatusCode == 0 {
		config.BlockedStatusCode = http.StatusPaymentRequired
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
				}
				return
			}

			acct, err := config.Accounts.GetAccount(r.Context(), userID)
			if err != nil && !errors.Is(err, entitlement.ErrAccountNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Internal Server Error"})
				}
				return
			}

			source, reason := entitlement.ExportSourceNone, entitlement.ReasonNoEntitlement
			if acct != nil {
				source, reason = acct.CanExport(config.Now())
			}
			if source == entitlement.ExportSourceNone {
				if config.OnBlocked != nil {
					config.OnBlocked(w, r, acct, reason)
				} else {
					writeJSON(w, config.BlockedStatusCode, map[string]interface{}{
						"error":         "Export not allowed",
						"reason":        reason,
						"needs_payment": acct != nil && acct.NeedsPayment,
					})
				}
				return
			}

			w.Header().Set(ExportSourceHeader, string(source))
			ctx := context.WithValue(r.Context(), ExportSourceKey, source)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates the middleware in HandlerFunc form
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // Response already committed
}

// ExportSourceFromContext returns the entitlement that allowed the request
func ExportSourceFromContext(ctx context.Context) entitlement.ExportSource {
	source, _ := ctx.Value(ExportSourceKey).(entitlement.ExportSource)
	return source
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
