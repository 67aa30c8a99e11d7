// Package gin provides Gin middleware that gates export endpoints on account entitlements
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// ExportSourceKey is the Gin context key holding the entitlement that allowed the request
const ExportSourceKey = "export_source"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Accounts is the account store the gate reads (required)
	Accounts entitlement.AccountStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// BlockedStatusCode is the HTTP status code to return when export is not allowed
	// Default: 402 (Payment Required)
	BlockedStatusCode int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnBlocked is called when the account may not export
	// If nil, uses default response: BlockedStatusCode JSON with the reason
	OnBlocked func(c *gongin.Context, acct *entitlement.Account, reason string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets requests through when the
// caller's account can export
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Accounts == nil {
		panic("entitlements/gin: Config.Accounts is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/gin: Config.GetUserID is required")
	}

	if cfg.BlockedStatusCode == 0 {
		cfg.BlockedStatusCode = http.StatusPaymentRequired
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		acct, err := cfg.Accounts.GetAccount(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, entitlement.ErrAccountNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		source, reason := entitlement.ExportSourceNone, entitlement.ReasonNoEntitlement
		if acct != nil {
			source, reason = acct.CanExport(cfg.Now())
		}
		if source == entitlement.ExportSourceNone {
			if cfg.OnBlocked != nil {
				cfg.OnBlocked(c, acct, reason)
			} else {
				defaultBlocked(c, acct, reason, cfg.BlockedStatusCode)
			}
			c.Abort()
			return
		}

		c.Header("X-Export-Source", string(source))
		c.Set(ExportSourceKey, source)
		c.Next()
	}
}

// Default handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultBlocked(c *gongin.Context, acct *entitlement.Account, reason string, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":         "Export not allowed",
		"reason":        reason,
		"needs_payment": acct != nil && acct.NeedsPayment,
	})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Common extractors

// FromContext extracts user ID from Gin context (set by auth middleware)
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader extracts user ID from request header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam extracts user ID from URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
