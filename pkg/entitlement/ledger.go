package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecordOutcome tells the caller what happened to a ledger write.
// Ledger writes never block acknowledging a webhook, so failures surface here
// instead of as errors.
type RecordOutcome int

const (
	// Recorded means the status change was persisted
	Recorded RecordOutcome = iota
	// RecordFailedButContinue means persistence failed and processing goes on.
	// A failed done write leaves a window for a duplicate effect on redelivery.
	RecordFailedButContinue
	// RecordRejected means the state machine forbids the change and nothing was written
	RecordRejected
)

func (o RecordOutcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case RecordFailedButContinue:
		return "record_failed_but_continue"
	case RecordRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// LedgerConfig holds optional ledger dependencies
type LedgerConfig struct {
	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Ledger is the idempotency and audit log of billing events
type Ledger struct {
	store   LedgerStore
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewLedger creates a ledger over store
func NewLedger(store LedgerStore, config LedgerConfig) *Ledger {
	l := &Ledger{
		store:   store,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	if l.logger == nil {
		l.logger = &NoopLogger{}
	}
	if l.metrics == nil {
		l.metrics = &NoopMetrics{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// IsAlreadyDone reports whether the event has completed before.
// A read error is returned so the caller can log it; the caller treats it as not done.
func (l *Ledger) IsAlreadyDone(ctx context.Context, eventID string) (bool, error) {
	ev, err := l.store.GetEvent(ctx, eventID)
	if errors.Is(err, ErrEventNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read ledger: %w", err)
	}
	return ev.Status == StatusDone, nil
}

// MarkProcessing creates the row on first sight or moves a redelivered event back to processing.
// ev must carry EventID and EventType; it is updated to the stored state.
// On first sight received and processing share one write: the row is stored as
// processing with ReceivedAt set.
func (l *Ledger) MarkProcessing(ctx context.Context, ev *BillingEvent) RecordOutcome {
	now := l.now().UTC()

	existing, err := l.store.GetEvent(ctx, ev.EventID)
	switch {
	case errors.Is(err, ErrEventNotFound):
		ev.Status = StatusReceived
		ev.ReceivedAt = now
		ev.Attempts = 0
	case err != nil:
		l.logger.Warn("ledger read failed before marking processing",
			Field{"event_id", ev.EventID}, Field{"error", err})
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = now
		}
	default:
		eventType := ev.EventType
		*ev = *existing.Clone()
		if eventType != "" {
			ev.EventType = eventType
		}
	}

	if !ev.Status.CanTransition(StatusProcessing) {
		return l.reject("processing", ev, StatusProcessing)
	}

	ev.Status = StatusProcessing
	ev.Attempts++
	ev.ClaimedAt = &now
	return l.write(ctx, "processing", ev)
}

// MarkDone finalizes the event with its effect summary. done is terminal.
func (l *Ledger) MarkDone(ctx context.Context, ev *BillingEvent, summary EffectSummary) RecordOutcome {
	if !ev.Status.CanTransition(StatusDone) {
		return l.reject("done", ev, StatusDone)
	}
	now := l.now().UTC()
	ev.Status = StatusDone
	ev.ProcessedAt = &now
	ev.Error = ""
	applySummary(ev, summary)
	return l.write(ctx, "done", ev)
}

// MarkFailed records a processing failure. The provider redelivers and the
// event re-enters at processing.
func (l *Ledger) MarkFailed(ctx context.Context, ev *BillingEvent, cause error) RecordOutcome {
	if !ev.Status.CanTransition(StatusFailed) {
		return l.reject("failed", ev, StatusFailed)
	}
	now := l.now().UTC()
	ev.Status = StatusFailed
	ev.ProcessedAt = &now
	ev.Error = truncateError(cause)
	return l.write(ctx, "failed", ev)
}

// SupportsClaim reports whether the store can claim events atomically
func (l *Ledger) SupportsClaim() bool {
	_, ok := l.store.(EventClaimer)
	return ok
}

// Claim atomically moves the event to processing unless it is done or a claim
// younger than inFlightTimeout exists. Only valid when SupportsClaim is true.
func (l *Ledger) Claim(ctx context.Context, ev *BillingEvent, inFlightTimeout time.Duration) (ClaimResult, error) {
	claimer, ok := l.store.(EventClaimer)
	if !ok {
		return "", fmt.Errorf("ledger store %T does not support claims", l.store)
	}

	now := l.now().UTC()
	eventType := ev.EventType
	existing, err := l.store.GetEvent(ctx, ev.EventID)
	switch {
	case errors.Is(err, ErrEventNotFound):
		ev.ReceivedAt = now
		ev.Attempts = 0
	case err != nil:
		return "", fmt.Errorf("failed to read ledger: %w", err)
	default:
		*ev = *existing.Clone()
		if eventType != "" {
			ev.EventType = eventType
		}
	}

	claim := ev.Clone()
	claim.Status = StatusProcessing
	claim.Attempts++
	claim.ClaimedAt = &now

	result, err := claimer.ClaimEvent(ctx, claim, now.Add(-inFlightTimeout))
	if err != nil {
		l.metrics.RecordLedgerWrite("claim", RecordFailedButContinue.String())
		return "", fmt.Errorf("failed to claim event: %w", err)
	}
	l.metrics.RecordLedgerWrite("claim", string(result))
	if result == ClaimAcquired {
		*ev = *claim
	}
	return result, nil
}

func (l *Ledger) write(ctx context.Context, op string, ev *BillingEvent) RecordOutcome {
	if err := l.store.PutEvent(ctx, ev.Clone()); err != nil {
		l.logger.Error("ledger write failed",
			Field{"event_id", ev.EventID},
			Field{"status", string(ev.Status)},
			Field{"error", err})
		l.metrics.RecordLedgerWrite(op, RecordFailedButContinue.String())
		return RecordFailedButContinue
	}
	l.logger.Debug("ledger updated",
		Field{"event_id", ev.EventID},
		Field{"status", string(ev.Status)},
		Field{"attempts", ev.Attempts})
	l.metrics.RecordLedgerWrite(op, Recorded.String())
	return Recorded
}

func (l *Ledger) reject(op string, ev *BillingEvent, to EventStatus) RecordOutcome {
	l.logger.Warn("ledger transition rejected",
		Field{"event_id", ev.EventID},
		Field{"error", transitionError(ev.Status, to)})
	l.metrics.RecordLedgerWrite(op, RecordRejected.String())
	return RecordRejected
}

func applySummary(ev *BillingEvent, s EffectSummary) {
	ev.Effect = s.Effect
	if s.AccountID != "" {
		ev.AccountID = s.AccountID
	}
	if s.CustomerID != "" {
		ev.CustomerID = s.CustomerID
	}
	if s.Plan != "" {
		ev.Plan = s.Plan
	}
	if s.Amount != 0 {
		ev.Amount = s.Amount
	}
	if s.Currency != "" {
		ev.Currency = s.Currency
	}
}
