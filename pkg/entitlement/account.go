package entitlement

import (
	"time"
)

// SubscriptionStatus is the subscription state carried on an account
type SubscriptionStatus string

const (
	// SubscriptionNone means the account has no subscription
	SubscriptionNone SubscriptionStatus = "none"
	// SubscriptionActive means the latest subscription payment succeeded
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionPastDue means a subscription payment failed and exports are soft-locked
	SubscriptionPastDue SubscriptionStatus = "past_due"
)

// BlockedSubscriptionPastDue is the export_blocked_reason set when a payment fails
const BlockedSubscriptionPastDue = "subscription_past_due"

// ExportSource tells which entitlement allows an export
type ExportSource string

const (
	ExportSourceNone         ExportSource = ""
	ExportSourceOneTime      ExportSource = "one_time"
	ExportSourceCredits      ExportSource = "credits"
	ExportSourceSubscription ExportSource = "subscription"
)

// ReasonNoEntitlement is returned by CanExport when nothing allows an export
const ReasonNoEntitlement = "no_entitlement"

// Account holds the billing-related fields of an application account.
// Accounts are owned by the application; this package only reads and updates them.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`

	BillingCustomerID string `json:"billing_customer_id,omitempty"`

	OneTimeExportCount int        `json:"one_time_export_count"`
	CreditBalance      int        `json:"credit_balance"`
	CreditExpiry       *time.Time `json:"credit_expiry,omitempty"`

	SubscriptionTier   string             `json:"subscription_tier,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	SubscriptionID     string             `json:"subscription_id,omitempty"`

	MonthlyQuota        int        `json:"monthly_quota"`
	MonthlyQuotaUsed    int        `json:"monthly_quota_used"`
	MonthlyQuotaResetAt *time.Time `json:"monthly_quota_reset_at,omitempty"`

	// QuotaGuard holds period+tier keys whose monthly quota was already granted
	QuotaGuard map[string]bool `json:"quota_guard_map,omitempty"`

	NeedsPayment        bool   `json:"needs_payment"`
	ExportBlockedReason string `json:"export_blocked_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`

	// Version is bumped by every successful UpdateAccount and guards against lost updates
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the account
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.CreditExpiry != nil {
		t := *a.CreditExpiry
		c.CreditExpiry = &t
	}
	if a.MonthlyQuotaResetAt != nil {
		t := *a.MonthlyQuotaResetAt
		c.MonthlyQuotaResetAt = &t
	}
	if a.QuotaGuard != nil {
		c.QuotaGuard = make(map[string]bool, len(a.QuotaGuard))
		for k, v := range a.QuotaGuard {
			c.QuotaGuard[k] = v
		}
	}
	return &c
}

// Status returns the subscription status, treating an empty value as none
func (a *Account) Status() SubscriptionStatus {
	if a.SubscriptionStatus == "" {
		return SubscriptionNone
	}
	return a.SubscriptionStatus
}

// CreditsUsable reports whether the credit balance can be spent at now
func (a *Account) CreditsUsable(now time.Time) bool {
	if a.CreditBalance <= 0 {
		return false
	}
	return a.CreditExpiry == nil || a.CreditExpiry.After(now)
}

// QuotaRemaining returns the monthly quota left, or 0 when the subscription is not active
func (a *Account) QuotaRemaining() int {
	if a.Status() != SubscriptionActive {
		return 0
	}
	if remaining := a.MonthlyQuota - a.MonthlyQuotaUsed; remaining > 0 {
		return remaining
	}
	return 0
}

// CanExport reports which entitlement would pay for the next export.
// An empty source comes with the reason the export is refused.
func (a *Account) CanExport(now time.Time) (ExportSource, string) {
	if a.ExportBlockedReason != "" {
		return ExportSourceNone, a.ExportBlockedReason
	}
	if a.OneTimeExportCount > 0 {
		return ExportSourceOneTime, ""
	}
	if a.CreditsUsable(now) {
		return ExportSourceCredits, ""
	}
	if a.QuotaRemaining() > 0 {
		return ExportSourceSubscription, ""
	}
	return ExportSourceNone, ReasonNoEntitlement
}
