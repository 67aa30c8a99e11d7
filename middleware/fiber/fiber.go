// Package fiber provides Fiber middleware that gates export endpoints on account entitlements
package fiber

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// ExportSourceKey is the Fiber locals key holding the entitlement that allowed the request
const ExportSourceKey = "export_source"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnBlocked func(c *fiber.Ctx, acct *entitlement.Account, reason string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets requests through when the
// caller's account can export
func Middleware(cfg Config) fiber.Handler {
	if cfg.Accounts == nil {
		panic("entitlements/fiber: Config.Accounts is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlements/fiber: Config.GetUserID is required")
	}

	if cfg.BlockedStatusCode == 0 {
		cfg.BlockedStatusCode = fiber.StatusPaymentRequired
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		acct, err := cfg.Accounts.GetAccount(c.UserContext(), userID)
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

		c.Set("X-Export-Source", string(source))
		c.Locals(ExportSourceKey, source)
		return c.Next()
	}
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultBlocked(c *fiber.Ctx, acct *entitlement.Account, reason string, statusCode int) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"error":         "Export not allowed",
		"reason":        reason,
		"needs_payment": acct != nil && acct.NeedsPayment,
	})
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// FromLocals extracts user ID from Fiber locals (set by auth middleware)
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader extracts user ID from request header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam extracts user ID from URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
