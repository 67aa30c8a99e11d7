package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// UserHints are the identifiers a billing event carries about its payer
type UserHints struct {
	AccountID  string
	CustomerID string
	Email      string
}

func (h UserHints) empty() bool {
	return h.AccountID == "" && h.CustomerID == "" && h.Email == ""
}

// merge fills fields missing from h with the ones in other
func (h UserHints) merge(other UserHints) UserHints {
	h.AccountID, _ = lo.Coalesce(h.AccountID, other.AccountID)
	h.CustomerID, _ = lo.Coalesce(h.CustomerID, other.CustomerID)
	h.Email, _ = lo.Coalesce(h.Email, other.Email)
	return h
}

// HintExpander fetches extra identifiers for a billing customer, usually the
// account id stored in customer metadata and the customer email.
type HintExpander interface {
	ExpandHints(ctx context.Context, customerID string) (UserHints, error)
}

// MatchSource tells which hint located the account
type MatchSource string

const (
	MatchAccountID  MatchSource = "account_id"
	MatchCustomerID MatchSource = "customer_id"
	MatchEmail      MatchSource = "email"
)

// UserResolver maps billing-event hints to an existing account
type UserResolver struct {
	store    AccountStore
	expander HintExpander
	logger   Logger
}

// NewUserResolver creates a resolver. expander may be nil.
func NewUserResolver(store AccountStore, expander HintExpander, logger Logger) *UserResolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &UserResolver{store: store, expander: expander, logger: logger}
}

// Resolve returns the first account matched by id, then stored customer id, then
// an email matching exactly one account. ErrAccountNotFound means no match.
func (r *UserResolver) Resolve(ctx context.Context, hints UserHints) (*Account, MatchSource, error) {
	acct, src, err := r.lookup(ctx, hints)
	if !errors.Is(err, ErrAccountNotFound) || r.expander == nil || hints.CustomerID == "" {
		return acct, src, err
	}

	extra, err := r.expander.ExpandHints(ctx, hints.CustomerID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to expand customer %s: %w", hints.CustomerID, err)
	}
	merged := hints.merge(extra)
	if merged == hints {
		return nil, "", ErrAccountNotFound
	}
	r.logger.Debug("retrying user resolution with customer details",
		Field{"customer_id", hints.CustomerID})
	return r.lookup(ctx, merged)
}

func (r *UserResolver) lookup(ctx context.Context, hints UserHints) (*Account, MatchSource, error) {
	if hints.empty() {
		return nil, "", ErrAccountNotFound
	}

	if id := strings.TrimSpace(hints.AccountID); id != "" {
		acct, err := r.store.GetAccount(ctx, id)
		if err == nil {
			return acct, MatchAccountID, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, "", fmt.Errorf("failed to get account %s: %w", id, err)
		}
		r.logger.Warn("account id from billing metadata not found", Field{"account_id", id})
	}

	if cid := strings.TrimSpace(hints.CustomerID); cid != "" {
		acct, err := r.store.FindByCustomerID(ctx, cid)
		if err == nil {
			return acct, MatchCustomerID, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, "", fmt.Errorf("failed to find account by customer %s: %w", cid, err)
		}
	}

	if email := strings.TrimSpace(hints.Email); email != "" {
		accts, err := r.store.FindByEmail(ctx, email)
		if err != nil {
			return nil, "", fmt.Errorf("failed to find account by email: %w", err)
		}
		switch len(accts) {
		case 0:
		case 1:
			return accts[0], MatchEmail, nil
		default:
			r.logger.Warn("billing email matches several accounts", Field{"matches", len(accts)})
		}
	}

	return nil, "", ErrAccountNotFound
}
