// Package echo provides Echo middleware that gates export endpoints on account entitlements
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// ExportSourceKey is the Echo context key holding the entitlement that allowed the request
const ExportSourceKey = "export_source"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnBlocked func(c echo.Context, acct *entitlement.Account, reason string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets requests through when the
// caller's account can export
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Accounts == nil {
		panic("entitlements/echo: Config.Accounts is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/echo: Config.GetUserID is required")
	}

	if cfg.BlockedStatusCode == 0 {
		cfg.BlockedStatusCode = http.StatusPaymentRequired
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			acct, err := cfg.Accounts.GetAccount(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, entitlement.ErrAccountNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c)
			}

			source, reason := entitlement.ExportSourceNone, entitlement.ReasonNoEntitlement
			if acct != nil {
				source, reason = acct.CanExport(cfg.Now())
			}
			if source == entitlement.ExportSourceNone {
				if cfg.OnBlocked != nil {
					return cfg.OnBlocked(c, acct, reason)
				}
				return defaultBlocked(c, acct, reason, cfg.BlockedStatusCode)
			}

			c.Response().Header().Set("X-Export-Source", string(source))
			c.Set(ExportSourceKey, source)
			return next(c)
		}
	}
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultBlocked(c echo.Context, acct *entitlement.Account, reason string, statusCode int) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":         "Export not allowed",
		"reason":        reason,
		"needs_payment": acct != nil && acct.NeedsPayment,
	})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// FromContext extracts user ID from Echo context (set by auth middleware)
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader extracts user ID from request header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam extracts user ID from URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
