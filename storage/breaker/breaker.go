// Package breaker wraps an entitlement store with a circuit breaker so a failing
// backend is shed quickly instead of stalling every webhook delivery.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// State is the current state of the circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned without calling the backend while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Backend is the store being protected
type Backend interface {
	entitlement.Storage
	entitlement.EventClaimer
}

// Config configures the breaker
type Config struct {
	// FailureThreshold is the number of consecutive backend failures that opens the circuit.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before one trial call is let through.
	// Default: 30s
	ResetTimeout time.Duration

	// OnStateChange is called on every transition
	OnStateChange func(State)
}

// Breaker tracks consecutive failures of a backend
type Breaker struct {
	mu sync.RWMutex

	state               State
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	onStateChange       func(State)

	now func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		onStateChange:    config.OnStateChange,
		now:              time.Now,
	}
}

// State returns the current state. An open circuit reads as half open once ResetTimeout has passed.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the circuit is open.
// Not-found and version conflict errors are answers, not backend failures, and do not count.
func (b *Breaker) Execute(fn func() error) error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && !isAnswer(err) {
		b.failure()
		return err
	}

	b.success()
	return err
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.changeState(StateClosed)
	}
	b.consecutiveFailures = 0
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	switch {
	case state == StateHalfOpen:
		b.changeState(StateOpen)
	case state == StateClosed && b.consecutiveFailures >= b.failureThreshold:
		b.changeState(StateOpen)
	}
}

func (b *Breaker) changeState(newState State) {
	if b.state == newState {
		return
	}
	b.state = newState
	if b.onStateChange != nil {
		b.onStateChange(newState)
	}
}

func isAnswer(err error) bool {
	return errors.Is(err, entitlement.ErrAccountNotFound) ||
		errors.Is(err, entitlement.ErrEventNotFound) ||
		errors.Is(err, entitlement.ErrAccountConflict)
}

// Storage is a Backend guarded by a Breaker
type Storage struct {
	backend Backend
	breaker *Breaker
}

// New wraps backend
func New(backend Backend, config Config) *Storage {
	return &Storage{backend: backend, breaker: NewBreaker(config)}
}

// Breaker exposes the underlying breaker
func (s *Storage) Breaker() *Breaker {
	return s.breaker
}

func (s *Storage) GetAccount(ctx context.Context, id string) (*entitlement.Account, error) {
	var acct *entitlement.Account
	err := s.breaker.Execute(func() error {
		var e error
		acct, e = s.backend.GetAccount(ctx, id)
		return e
	})
	return acct, err
}

func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Account, error) {
	var acct *entitlement.Account
	err := s.breaker.Execute(func() error {
		var e error
		acct, e = s.backend.FindByCustomerID(ctx, customerID)
		return e
	})
	return acct, err
}

func (s *Storage) FindByEmail(ctx context.Context, email string) ([]*entitlement.Account, error) {
	var accts []*entitlement.Account
	err := s.breaker.Execute(func() error {
		var e error
		accts, e = s.backend.FindByEmail(ctx, email)
		return e
	})
	return accts, err
}

func (s *Storage) UpdateAccount(ctx context.Context, acct *entitlement.Account) error {
	return s.breaker.Execute(func() error {
		return s.backend.UpdateAccount(ctx, acct)
	})
}

func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.BillingEvent, error) {
	var ev *entitlement.BillingEvent
	err := s.breaker.Execute(func() error {
		var e error
		ev, e = s.backend.GetEvent(ctx, eventID)
		return e
	})
	return ev, err
}

func (s *Storage) PutEvent(ctx context.Context, ev *entitlement.BillingEvent) error {
	return s.breaker.Execute(func() error {
		return s.backend.PutEvent(ctx, ev)
	})
}

func (s *Storage) ClaimEvent(ctx context.Context, ev *entitlement.BillingEvent, staleBefore time.Time) (entitlement.ClaimResult, error) {
	var res entitlement.ClaimResult
	err := s.breaker.Execute(func() error {
		var e error
		res, e = s.backend.ClaimEvent(ctx, ev, staleBefore)
		return e
	})
	return res, err
}
