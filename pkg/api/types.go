package api

import "time"

// StatusResponse represents the billing entitlements of one account
type StatusResponse struct {
	AccountID    string             `json:"account_id"`
	Subscription SubscriptionStatus `json:"subscription"`
	Credits      CreditStatus       `json:"credits"`

	OneTimeExports int `json:"one_time_exports"`

	NeedsPayment        bool   `json:"needs_payment"`
	ExportBlockedReason string `json:"export_blocked_reason,omitempty"`

	Export ExportDecision `json:"export"`
}

// SubscriptionStatus is the subscription part of StatusResponse
type SubscriptionStatus struct {
	Tier           string     `json:"tier,omitempty"`
	Status         string     `json:"status"` // "none", "active", "past_due"
	SubscriptionID string     `json:"subscription_id,omitempty"`
	MonthlyQuota   int        `json:"monthly_quota"`
	Used           int        `json:"used"`
	Remaining      int        `json:"remaining"`
	ResetAt        *time.Time `json:"reset_at,omitempty"`
}

// CreditStatus is the credit bundle part of StatusResponse
type CreditStatus struct {
	Balance   int        `json:"balance"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Usable    bool       `json:"usable"`
}

// ExportDecision tells whether the next export is allowed and what pays for it
type ExportDecision struct {
	Allowed bool   `json:"allowed"`
	Source  string `json:"source,omitempty"` // "one_time", "credits", "subscription"
	Reason  string `json:"reason,omitempty"`
}

// EventResponse is one ledger row
type EventResponse struct {
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Status      string     `json:"status"`
	Effect      string     `json:"effect,omitempty"`
	AccountID   string     `json:"account_id,omitempty"`
	CustomerID  string     `json:"customer_id,omitempty"`
	Plan        string     `json:"plan,omitempty"`
	Amount      int64      `json:"amount,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
