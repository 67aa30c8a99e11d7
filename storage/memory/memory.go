// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Storage implements entitlement.Storage and entitlement.EventClaimer using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	accounts map[string]*entitlement.Account
	events   map[string]*entitlement.BillingEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*entitlement.Account),
		events:   make(map[string]*entitlement.BillingEvent),
	}
}

// InsertAccount creates or replaces an account. Accounts are owned by the
// application, so this is the only way they enter the store.
func (s *Storage) InsertAccount(_ context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[acct.ID] = acct.Clone()
	return nil
}

// GetAccount implements entitlement.AccountStore
func (s *Storage) GetAccount(_ context.Context, id string) (*entitlement.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, entitlement.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// FindByCustomerID implements entitlement.AccountStore
func (s *Storage) FindByCustomerID(_ context.Context, customerID string) (*entitlement.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acct := range s.sortedAccounts() {
		if acct.BillingCustomerID == customerID {
			return acct.Clone(), nil
		}
	}
	return nil, entitlement.ErrAccountNotFound
}

// FindByEmail implements entitlement.AccountStore
func (s *Storage) FindByEmail(_ context.Context, email string) ([]*entitlement.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.Account
	for _, acct := range s.sortedAccounts() {
		if acct.Email != "" && strings.EqualFold(acct.Email, email) {
			out = append(out, acct.Clone())
		}
	}
	return out, nil
}

// UpdateAccount implements entitlement.AccountStore
func (s *Storage) UpdateAccount(_ context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[acct.ID]
	if !ok {
		return entitlement.ErrAccountNotFound
	}
	if cur.Version != acct.Version {
		return entitlement.ErrAccountConflict
	}
	acct.Version++
	s.accounts[acct.ID] = acct.Clone()
	return nil
}

// GetEvent implements entitlement.LedgerStore
func (s *Storage) GetEvent(_ context.Context, eventID string) (*entitlement.BillingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, entitlement.ErrEventNotFound
	}
	return ev.Clone(), nil
}

// PutEvent implements entitlement.LedgerStore
func (s *Storage) PutEvent(_ context.Context, ev *entitlement.BillingEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid billing event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.EventID] = ev.Clone()
	return nil
}

// ClaimEvent implements entitlement.EventClaimer
func (s *Storage) ClaimEvent(_ context.Context, ev *entitlement.BillingEvent, staleBefore time.Time) (entitlement.ClaimResult, error) {
	if ev == nil || ev.EventID == "" {
		return "", fmt.Errorf("invalid billing event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.events[ev.EventID]; ok {
		switch {
		case cur.Status == entitlement.StatusDone:
			return entitlement.ClaimDone, nil
		case cur.Status == entitlement.StatusProcessing && cur.ClaimedAt != nil && cur.ClaimedAt.After(staleBefore):
			return entitlement.ClaimInFlight, nil
		}
	}
	s.events[ev.EventID] = ev.Clone()
	return entitlement.ClaimAcquired, nil
}

// Events returns a snapshot of the ledger ordered by received time
func (s *Storage) Events() []*entitlement.BillingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entitlement.BillingEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// sortedAccounts returns accounts ordered by id so lookups are deterministic.
// Caller must hold the lock.
func (s *Storage) sortedAccounts() []*entitlement.Account {
	out := make([]*entitlement.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
