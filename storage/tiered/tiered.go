// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast ledger
// cache (Hot) in front of the durable account and ledger store (Cold).
//
// Only completed ledger rows are cached. done is terminal, so a cached done row can
// answer replays without touching Cold; every other state is read from Cold.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// ColdStore is the source of truth for accounts and the ledger
type ColdStore interface {
	entitlement.Storage
	entitlement.EventClaimer
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot caches completed ledger rows (e.g., Redis, Memory)
	Hot entitlement.LedgerStore

	// Cold is the persistence storage (e.g., Postgres, Firestore) and the source of truth
	Cold ColdStore

	// AsyncHotSync fills Hot from a background worker instead of on the request path
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails.
	AsyncErrorHandler func(error)
}

// Storage implements entitlement.Storage and entitlement.EventClaimer.
// Strategies per operation:
// - Pass-through: accounts and claims (Cold only)
// - Read-through: GetEvent (Hot for done rows, then Cold)
// - Write-through: PutEvent (Cold, then Hot when the row is done)
type Storage struct {
	hot  entitlement.LedgerStore
	cold ColdStore
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background cache fill loop
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// fillHot caches a completed row, either inline or through the worker
func (s *Storage) fillHot(ctx context.Context, ev *entitlement.BillingEvent) {
	if ev.Status != entitlement.StatusDone {
		return
	}

	if !s.conf.AsyncHotSync {
		if err := s.hot.PutEvent(ctx, ev); err != nil {
			s.reportError(fmt.Errorf("tiered storage: hot write failed: %w", err))
		}
		return
	}

	row := ev.Clone()
	select {
	case s.syncQueue <- func() error {
		// Context background ensures completion even if request cancels
		return s.hot.PutEvent(context.Background(), row)
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping hot write"))
	}
}

// --- Strategy: Pass-through (Cold) ---

// GetAccount implements entitlement.AccountStore
func (s *Storage) GetAccount(ctx context.Context, id string) (*entitlement.Account, error) {
	return s.cold.GetAccount(ctx, id)
}

// FindByCustomerID implements entitlement.AccountStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Account, error) {
	return s.cold.FindByCustomerID(ctx, customerID)
}

// FindByEmail implements entitlement.AccountStore
func (s *Storage) FindByEmail(ctx context.Context, email string) ([]*entitlement.Account, error) {
	return s.cold.FindByEmail(ctx, email)
}

// UpdateAccount implements entitlement.AccountStore
func (s *Storage) UpdateAccount(ctx context.Context, acct *entitlement.Account) error {
	return s.cold.UpdateAccount(ctx, acct)
}

// ClaimEvent implements entitlement.EventClaimer. Claims must be decided by a single store.
func (s *Storage) ClaimEvent(
	ctx context.Context, ev *entitlement.BillingEvent, staleBefore time.Time,
) (entitlement.ClaimResult, error) {
	return s.cold.ClaimEvent(ctx, ev, staleBefore)
}

// --- Strategy: Read-Through (Hot done rows → Cold → Populate Hot) ---

// GetEvent implements entitlement.LedgerStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.BillingEvent, error) {
	ev, err := s.hot.GetEvent(ctx, eventID)
	if err == nil && ev.Status == entitlement.StatusDone {
		return ev, nil
	}

	ev, err = s.cold.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	s.fillHot(ctx, ev)
	return ev, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// PutEvent implements entitlement.LedgerStore
func (s *Storage) PutEvent(ctx context.Context, ev *entitlement.BillingEvent) error {
	if err := s.cold.PutEvent(ctx, ev); err != nil {
		return err
	}

	s.fillHot(ctx, ev)
	return nil
}
