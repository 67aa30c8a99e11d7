// Package firestore provides a Firestore implementation of the entitlement.Storage interface.
// Account updates and ledger claims run in Firestore transactions.
package firestore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Storage implements entitlement.Storage and entitlement.EventClaimer using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	accountsCollection string
	eventsCollection   string
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the Firestore collection for accounts
	// Default: "billing_accounts"
	AccountsCollection string

	// EventsCollection is the Firestore collection for the billing event ledger
	// Default: "billing_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "billing_accounts"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}

	return &Storage{
		client:             client,
		accountsCollection: config.AccountsCollection,
		eventsCollection:   config.EventsCollection,
	}, nil
}

// InsertAccount creates or replaces an account
func (s *Storage) InsertAccount(ctx context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	if _, err := s.accountDoc(acct.ID).Set(ctx, accountToMap(acct)); err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount implements entitlement.AccountStore
func (s *Storage) GetAccount(ctx context.Context, id string) (*entitlement.Account, error) {
	snap, err := s.accountDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrAccountNotFound
	}
	return accountFromMap(snap.Ref.ID, snap.Data()), nil
}

// FindByCustomerID implements entitlement.AccountStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Account, error) {
	docs, err := s.client.Collection(s.accountsCollection).
		Where("billingCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by customer: %w", err)
	}
	if len(docs) == 0 {
		return nil, entitlement.ErrAccountNotFound
	}
	return accountFromMap(docs[0].Ref.ID, docs[0].Data()), nil
}

// FindByEmail implements entitlement.AccountStore
func (s *Storage) FindByEmail(ctx context.Context, email string) ([]*entitlement.Account, error) {
	out := []*entitlement.Account{}
	if email == "" {
		return out, nil
	}

	docs, err := s.client.Collection(s.accountsCollection).
		Where("emailLower", "==", strings.ToLower(email)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by email: %w", err)
	}
	for _, doc := range docs {
		out = append(out, accountFromMap(doc.Ref.ID, doc.Data()))
	}
	return out, nil
}

// UpdateAccount implements entitlement.AccountStore
func (s *Storage) UpdateAccount(ctx context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	doc := s.accountDoc(acct.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrAccountNotFound
			}
			return fmt.Errorf("failed to get account: %w", err)
		}
		if !snap.Exists() {
			return entitlement.ErrAccountNotFound
		}
		if int64(getInt(snap.Data(), "version")) != acct.Version {
			return entitlement.ErrAccountConflict
		}
		next := *acct
		next.Version = acct.Version + 1
		return tx.Set(doc, accountToMap(&next))
	})
	if err != nil {
		return err
	}
	acct.Version++
	return nil
}

// GetEvent implements entitlement.LedgerStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.BillingEvent, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrEventNotFound
	}
	return eventFromMap(snap.Ref.ID, snap.Data()), nil
}

// PutEvent implements entitlement.LedgerStore
func (s *Storage) PutEvent(ctx context.Context, ev *entitlement.BillingEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid billing event")
	}

	if _, err := s.eventDoc(ev.EventID).Set(ctx, eventToMap(ev)); err != nil {
		return fmt.Errorf("failed to put billing event: %w", err)
	}
	return nil
}

// ClaimEvent implements entitlement.EventClaimer
func (s *Storage) ClaimEvent(
	ctx context.Context, ev *entitlement.BillingEvent, staleBefore time.Time,
) (entitlement.ClaimResult, error) {
	if ev == nil || ev.EventID == "" {
		return "", fmt.Errorf("invalid billing event")
	}

	doc := s.eventDoc(ev.EventID)
	var result entitlement.ClaimResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		result = ""

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			cur := eventFromMap(snap.Ref.ID, snap.Data())
			switch {
			case cur.Status == entitlement.StatusDone:
				result = entitlement.ClaimDone
				return nil
			case cur.Status == entitlement.StatusProcessing && cur.ClaimedAt != nil && cur.ClaimedAt.After(staleBefore):
				result = entitlement.ClaimInFlight
				return nil
			}
		}

		result = entitlement.ClaimAcquired
		return tx.Set(doc, eventToMap(ev))
	})
	if err != nil {
		return "", fmt.Errorf("failed to claim billing event: %w", err)
	}
	return result, nil
}

func (s *Storage) accountDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(id)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

func accountToMap(a *entitlement.Account) map[string]interface{} {
	guard := make(map[string]interface{}, len(a.QuotaGuard))
	for k, v := range a.QuotaGuard {
		guard[k] = v
	}

	data := map[string]interface{}{
		"email":               a.Email,
		"emailLower":          strings.ToLower(a.Email),
		"billingCustomerId":   a.BillingCustomerID,
		"oneTimeExportCount":  a.OneTimeExportCount,
		"creditBalance":       a.CreditBalance,
		"subscriptionTier":    a.SubscriptionTier,
		"subscriptionStatus":  string(a.SubscriptionStatus),
		"subscriptionId":      a.SubscriptionID,
		"monthlyQuota":        a.MonthlyQuota,
		"monthlyQuotaUsed":    a.MonthlyQuotaUsed,
		"quotaGuardMap":       guard,
		"needsPayment":        a.NeedsPayment,
		"exportBlockedReason": a.ExportBlockedReason,
		"updatedAt":           a.UpdatedAt,
		"version":             a.Version,
	}
	if a.CreditExpiry != nil {
		data["creditExpiry"] = *a.CreditExpiry
	}
	if a.MonthlyQuotaResetAt != nil {
		data["monthlyQuotaResetAt"] = *a.MonthlyQuotaResetAt
	}
	return data
}

func accountFromMap(id string, data map[string]interface{}) *entitlement.Account {
	a := &entitlement.Account{
		ID:                  id,
		Email:               getString(data, "email"),
		BillingCustomerID:   getString(data, "billingCustomerId"),
		OneTimeExportCount:  getInt(data, "oneTimeExportCount"),
		CreditBalance:       getInt(data, "creditBalance"),
		CreditExpiry:        getTimePtr(data, "creditExpiry"),
		SubscriptionTier:    getString(data, "subscriptionTier"),
		SubscriptionStatus:  entitlement.SubscriptionStatus(getString(data, "subscriptionStatus")),
		SubscriptionID:      getString(data, "subscriptionId"),
		MonthlyQuota:        getInt(data, "monthlyQuota"),
		MonthlyQuotaUsed:    getInt(data, "monthlyQuotaUsed"),
		MonthlyQuotaResetAt: getTimePtr(data, "monthlyQuotaResetAt"),
		NeedsPayment:        getBool(data, "needsPayment"),
		ExportBlockedReason: getString(data, "exportBlockedReason"),
		UpdatedAt:           getTime(data, "updatedAt"),
		Version:             int64(getInt(data, "version")),
	}
	if guard, ok := data["quotaGuardMap"].(map[string]interface{}); ok && len(guard) > 0 {
		a.QuotaGuard = make(map[string]bool, len(guard))
		for k, v := range guard {
			if b, ok := v.(bool); ok {
				a.QuotaGuard[k] = b
			}
		}
	}
	return a
}

func eventToMap(ev *entitlement.BillingEvent) map[string]interface{} {
	data := map[string]interface{}{
		"eventType":  ev.EventType,
		"status":     string(ev.Status),
		"receivedAt": ev.ReceivedAt,
		"attempts":   ev.Attempts,
		"customerId": ev.CustomerID,
		"accountId":  ev.AccountID,
		"amount":     ev.Amount,
		"currency":   ev.Currency,
		"effect":     string(ev.Effect),
		"plan":       ev.Plan,
		"error":      ev.Error,
	}
	if ev.ProcessedAt != nil {
		data["processedAt"] = *ev.ProcessedAt
	}
	if ev.ClaimedAt != nil {
		data["claimedAt"] = *ev.ClaimedAt
	}
	return data
}

func eventFromMap(id string, data map[string]interface{}) *entitlement.BillingEvent {
	return &entitlement.BillingEvent{
		EventID:     id,
		EventType:   getString(data, "eventType"),
		Status:      entitlement.EventStatus(getString(data, "status")),
		ReceivedAt:  getTime(data, "receivedAt"),
		ProcessedAt: getTimePtr(data, "processedAt"),
		ClaimedAt:   getTimePtr(data, "claimedAt"),
		Attempts:    getInt(data, "attempts"),
		CustomerID:  getString(data, "customerId"),
		AccountID:   getString(data, "accountId"),
		Amount:      int64(getInt(data, "amount")),
		Currency:    getString(data, "currency"),
		Effect:      entitlement.Effect(getString(data, "effect")),
		Plan:        getString(data, "plan"),
		Error:       getString(data, "error"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}
