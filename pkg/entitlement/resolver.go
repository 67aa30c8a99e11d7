package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Trigger is the kind of billing occurrence a Change describes
type Trigger string

const (
	TriggerCheckout          Trigger = "checkout"
	TriggerInvoicePaid       Trigger = "invoice_paid"
	TriggerPaymentFailed     Trigger = "payment_failed"
	TriggerSubscriptionEnded Trigger = "subscription_ended"
)

// creditValidity is how long purchased credits stay usable, in months
const creditValidity = 24

const (
	unattributableNoAccount     = "no_account"
	unattributableUnknownPrice  = "unknown_price"
	unattributableMissingPeriod = "missing_period"
)

// Change is a provider-neutral description of what a billing event reports
type Change struct {
	Trigger Trigger
	Hints   UserHints

	PriceID        string
	PriceLookupKey string
	Quantity       int64

	// SubscriptionMode is set when a checkout created a subscription
	SubscriptionMode bool
	SubscriptionID   string

	// PeriodEnd is the end of the billing period paid by an invoice, or by the
	// first invoice of a subscription checkout
	PeriodEnd time.Time

	Amount   int64
	Currency string
}

// Result describes the effect applied for a Change
type Result struct {
	Effect  Effect
	Account *Account
	Plan    string
	Match   MatchSource

	// PreviousTier is the subscription tier before the change
	PreviousTier string
}

// Summary converts the result into ledger metadata
func (r Result) Summary(c Change) EffectSummary {
	s := EffectSummary{
		Effect:     r.Effect,
		CustomerID: c.Hints.CustomerID,
		Plan:       r.Plan,
		Amount:     c.Amount,
		Currency:   c.Currency,
	}
	if r.Account != nil {
		s.AccountID = r.Account.ID
		if s.CustomerID == "" {
			s.CustomerID = r.Account.BillingCustomerID
		}
	}
	return s
}

// ResolverConfig configures a Resolver
type ResolverConfig struct {
	Catalog  *Catalog
	Accounts AccountStore

	// Users overrides the default resolver built over Accounts
	Users *UserResolver

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Resolver turns billing changes into account mutations.
// Every attributed change results in at most one UpdateAccount call.
type Resolver struct {
	catalog  *Catalog
	accounts AccountStore
	users    *UserResolver
	guard    QuotaGuard
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewResolver creates a Resolver
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrInvalidCatalog)
	}
	if config.Accounts == nil {
		return nil, errors.New("account store is required")
	}
	r := &Resolver{
		catalog:  config.Catalog,
		accounts: config.Accounts,
		users:    config.Users,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.users == nil {
		r.users = NewUserResolver(config.Accounts, nil, r.logger)
	}
	return r, nil
}

// Catalog returns the price catalog in use
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Apply applies the change. Errors wrapping ErrUnattributable are permanent;
// any other error is a processing failure worth a redelivery.
func (r *Resolver) Apply(ctx context.Context, c Change) (Result, error) {
	var (
		res Result
		err error
	)
	switch c.Trigger {
	case TriggerCheckout:
		res, err = r.applyCheckout(ctx, c)
	case TriggerInvoicePaid:
		res, err = r.applyRenewal(ctx, c)
	case TriggerPaymentFailed:
		res, err = r.applyPaymentFailed(ctx, c)
	case TriggerSubscriptionEnded:
		res, err = r.applySubscriptionEnded(ctx, c)
	default:
		return Result{Effect: EffectIgnored}, nil
	}
	if err != nil {
		return res, err
	}
	r.metrics.RecordEffect(res.Effect)
	return res, nil
}

func (r *Resolver) applyCheckout(ctx context.Context, c Change) (Result, error) {
	eff, ok := r.catalog.Lookup(c.PriceID, c.PriceLookupKey)
	if !ok {
		return r.unattributable(unattributableUnknownPrice, "price %q is not mapped", c.PriceID)
	}
	if c.SubscriptionMode && eff.Kind != KindSubscription {
		return r.unattributable(unattributableUnknownPrice, "price %q is not a subscription price", c.PriceID)
	}

	acct, match, err := r.resolveUser(ctx, c)
	if err != nil {
		return Result{Effect: EffectUnknown}, err
	}

	now := r.now().UTC()
	res := Result{Account: acct, Match: match, PreviousTier: acct.SubscriptionTier}
	switch eff.Kind {
	case KindSingle:
		acct.OneTimeExportCount++
		acct.NeedsPayment = false
		res.Effect = EffectSingle
		res.Plan = string(KindSingle)
	case KindCreditBundle:
		qty := c.Quantity
		if qty < 1 {
			qty = 1
		}
		acct.CreditBalance += eff.Credits * int(qty)
		expiry := now.AddDate(0, creditValidity, 0)
		if acct.CreditExpiry == nil || acct.CreditExpiry.Before(expiry) {
			acct.CreditExpiry = &expiry
		}
		acct.NeedsPayment = false
		res.Effect = EffectCreditBundle
		res.Plan = string(KindCreditBundle)
	case KindSubscription:
		res.Plan = eff.Tier
		res.Effect = EffectSubscription
		if c.PeriodEnd.IsZero() {
			r.grantSubscription(acct, eff.Tier, c.SubscriptionID, now)
			break
		}
		key := GuardKey(PeriodKey(c.PeriodEnd), eff.Tier)
		if r.guard.Granted(acct, key) {
			// the invoice for this period arrived first and already granted the quota
			r.activateSubscription(acct, eff.Tier, c.SubscriptionID)
			res.Effect = EffectRenewalDuplicate
			break
		}
		r.grantSubscription(acct, eff.Tier, c.SubscriptionID, now)
		r.guard.Mark(acct, key)
	}

	return r.save(ctx, c, res, now)
}

func (r *Resolver) applyRenewal(ctx context.Context, c Change) (Result, error) {
	eff, ok := r.catalog.Lookup(c.PriceID, c.PriceLookupKey)
	if !ok {
		return r.unattributable(unattributableUnknownPrice, "invoice price %q is not mapped", c.PriceID)
	}
	if eff.Kind != KindSubscription {
		return Result{Effect: EffectIgnored}, nil
	}
	if c.PeriodEnd.IsZero() {
		return r.unattributable(unattributableMissingPeriod, "invoice has no billing period end")
	}

	acct, match, err := r.resolveUser(ctx, c)
	if err != nil {
		return Result{Effect: EffectUnknown}, err
	}

	key := GuardKey(PeriodKey(c.PeriodEnd), eff.Tier)
	if r.guard.Granted(acct, key) {
		r.logger.Info("monthly quota already granted for period",
			Field{"account_id", acct.ID}, Field{"guard_key", key})
		return Result{Effect: EffectRenewalDuplicate, Account: acct, Plan: eff.Tier, Match: match,
			PreviousTier: acct.SubscriptionTier}, nil
	}

	now := r.now().UTC()
	res := Result{Effect: EffectRenewal, Account: acct, Plan: eff.Tier, Match: match, PreviousTier: acct.SubscriptionTier}
	r.grantSubscription(acct, eff.Tier, c.SubscriptionID, now)
	r.guard.Mark(acct, key)
	return r.save(ctx, c, res, now)
}

func (r *Resolver) applyPaymentFailed(ctx context.Context, c Change) (Result, error) {
	acct, match, err := r.resolveUser(ctx, c)
	if err != nil {
		return Result{Effect: EffectUnknown}, err
	}
	acct.SubscriptionStatus = SubscriptionPastDue
	acct.NeedsPayment = true
	acct.ExportBlockedReason = BlockedSubscriptionPastDue
	res := Result{Effect: EffectPaymentFailed, Account: acct, Plan: acct.SubscriptionTier, Match: match,
		PreviousTier: acct.SubscriptionTier}
	return r.save(ctx, c, res, r.now().UTC())
}

func (r *Resolver) applySubscriptionEnded(ctx context.Context, c Change) (Result, error) {
	acct, match, err := r.resolveUser(ctx, c)
	if err != nil {
		return Result{Effect: EffectUnknown}, err
	}
	// a deleted subscription that was already replaced must not cancel the new one
	if c.SubscriptionID != "" && acct.SubscriptionID != "" && acct.SubscriptionID != c.SubscriptionID {
		return Result{Effect: EffectIgnored, Account: acct, Match: match}, nil
	}
	plan := acct.SubscriptionTier
	acct.SubscriptionStatus = SubscriptionNone
	acct.SubscriptionTier = ""
	acct.SubscriptionID = ""
	if acct.ExportBlockedReason == BlockedSubscriptionPastDue {
		acct.ExportBlockedReason = ""
	}
	res := Result{Effect: EffectSubscriptionCanceled, Account: acct, Plan: plan, Match: match, PreviousTier: plan}
	return r.save(ctx, c, res, r.now().UTC())
}

func (r *Resolver) grantSubscription(acct *Account, tier, subscriptionID string, now time.Time) {
	quota, _ := r.catalog.Allotment(tier)
	reset := now.AddDate(0, 1, 0)
	r.activateSubscription(acct, tier, subscriptionID)
	acct.MonthlyQuota = quota
	acct.MonthlyQuotaUsed = 0
	acct.MonthlyQuotaResetAt = &reset
}

// activateSubscription sets the subscription state without touching the quota
func (r *Resolver) activateSubscription(acct *Account, tier, subscriptionID string) {
	acct.SubscriptionTier = tier
	acct.SubscriptionStatus = SubscriptionActive
	if subscriptionID != "" {
		acct.SubscriptionID = subscriptionID
	}
	acct.NeedsPayment = false
	acct.ExportBlockedReason = ""
}

// resolveUser returns a private copy of the matched account
func (r *Resolver) resolveUser(ctx context.Context, c Change) (*Account, MatchSource, error) {
	acct, match, err := r.users.Resolve(ctx, c.Hints)
	if errors.Is(err, ErrAccountNotFound) {
		_, err = r.unattributable(unattributableNoAccount, "no account matches customer %q", c.Hints.CustomerID)
		return nil, "", err
	}
	if err != nil {
		return nil, "", err
	}
	return acct.Clone(), match, nil
}

func (r *Resolver) save(ctx context.Context, c Change, res Result, now time.Time) (Result, error) {
	acct := res.Account
	if acct.BillingCustomerID == "" && c.Hints.CustomerID != "" {
		acct.BillingCustomerID = c.Hints.CustomerID
	}
	acct.UpdatedAt = now
	if err := r.accounts.UpdateAccount(ctx, acct); err != nil {
		return Result{Effect: res.Effect}, fmt.Errorf("failed to update account %s: %w", acct.ID, err)
	}
	r.logger.Info("entitlement applied",
		Field{"account_id", acct.ID},
		Field{"effect", string(res.Effect)},
		Field{"plan", res.Plan},
		Field{"matched_by", string(res.Match)})
	return res, nil
}

func (r *Resolver) unattributable(reason, format string, args ...any) (Result, error) {
	r.metrics.RecordUnattributable(reason)
	return Result{Effect: EffectUnknown}, fmt.Errorf("%w: %s", ErrUnattributable, fmt.Sprintf(format, args...))
}
