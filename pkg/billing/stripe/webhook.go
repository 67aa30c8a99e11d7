package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entitlements/pkg/billing"
	"github.com/mihaimyh/entitlements/pkg/billing/internal"
	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Response statuses reported to the provider with a 200
const (
	statusProcessed      = "processed"
	statusDuplicate      = "duplicate"
	statusIgnored        = "ignored"
	statusUnattributable = "unattributable"
)

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
	EventID  string `json:"event_id,omitempty"`
	Effect   string `json:"effect,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// outcome is the acknowledged result of one delivery
type outcome struct {
	status string
	effect entitlement.Effect
}

// handleWebhook processes incoming Stripe webhook events.
// 200 acknowledges processed, duplicate, ignored and unattributable events;
// 400 rejects unauthenticated or malformed payloads; 503 means secrets are
// missing; 500 asks the provider to redeliver.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !p.Configured() {
		p.metrics.RecordWebhookError(providerName, "config_missing")
		p.logger.Error("stripe webhook rejected: signing secret or API key missing")
		p.writeError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	// the signature covers these exact bytes
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			p.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("stripe webhook signature rejected", entitlement.Field{Key: "error", Value: err})
		p.writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	if event.ID == "" || event.Type == "" {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.writeError(w, http.StatusBadRequest, "event id and type are required")
		return
	}

	eventType := normalizeEventType(string(event.Type))
	out, err := p.processEvent(r.Context(), &event, eventType)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		if errors.Is(err, billing.ErrEventInFlight) {
			p.writeError(w, http.StatusConflict, "event is being processed")
			return
		}
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.writeError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, out.status)
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{
		Received: true,
		Status:   out.status,
		EventID:  event.ID,
		Effect:   string(out.effect),
	})
}

// processEvent runs one delivery through the ledger and the resolver.
// The done-check always happens before any account mutation.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event, eventType string) (outcome, error) {
	ev := &entitlement.BillingEvent{EventID: event.ID, EventType: eventType}
	fields := []entitlement.Field{{Key: "event_id", Value: event.ID}, {Key: "event_type", Value: eventType}}

	duplicate, err := p.begin(ctx, ev)
	if err != nil {
		p.logger.Warn("billing event not started", append(fields, entitlement.Field{Key: "error", Value: err})...)
		return outcome{}, err
	}
	if duplicate {
		p.logger.Info("duplicate billing event acknowledged", fields...)
		return outcome{status: statusDuplicate}, nil
	}

	change, err := p.buildChange(ctx, eventType, event)
	switch {
	case errors.Is(err, errIgnoredEvent):
		p.ledger.MarkDone(ctx, ev, entitlement.EffectSummary{Effect: entitlement.EffectIgnored})
		return outcome{status: statusIgnored, effect: entitlement.EffectIgnored}, nil
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		// a signed payload that does not validate will not validate on redelivery either
		p.logger.Warn("billing event payload rejected", append(fields, entitlement.Field{Key: "error", Value: err})...)
		p.ledger.MarkDone(ctx, ev, entitlement.EffectSummary{Effect: entitlement.EffectUnknown})
		return outcome{status: statusUnattributable, effect: entitlement.EffectUnknown}, nil
	case err != nil:
		return outcome{}, p.fail(ctx, ev, err, fields)
	}

	res, err := p.resolver.Apply(ctx, change)
	switch {
	case errors.Is(err, entitlement.ErrUnattributable):
		p.logger.Warn("billing event is unattributable", append(fields, entitlement.Field{Key: "error", Value: err})...)
		summary := res.Summary(change)
		summary.Effect = entitlement.EffectUnknown
		p.ledger.MarkDone(ctx, ev, summary)
		return outcome{status: statusUnattributable, effect: entitlement.EffectUnknown}, nil
	case err != nil:
		return outcome{}, p.fail(ctx, ev, err, fields)
	}

	if p.ledger.MarkDone(ctx, ev, res.Summary(change)) == entitlement.RecordFailedButContinue {
		p.logger.Error("billing event applied but not recorded as done; a redelivery may apply it again",
			append(fields, entitlement.Field{Key: "effect", Value: string(res.Effect)})...)
	}

	if res.Effect == entitlement.EffectIgnored {
		return outcome{status: statusIgnored, effect: res.Effect}, nil
	}
	p.afterEffect(ctx, event, eventType, res)
	return outcome{status: statusProcessed, effect: res.Effect}, nil
}

// begin performs the idempotency check and moves the event to processing.
// It reports true when the event already completed.
func (p *Provider) begin(ctx context.Context, ev *entitlement.BillingEvent) (bool, error) {
	if p.config.StrictIdempotency && p.ledger.SupportsClaim() {
		claim, err := p.ledger.Claim(ctx, ev, p.config.InFlightTimeout)
		if err != nil {
			return false, err
		}
		switch claim {
		case entitlement.ClaimDone:
			return true, nil
		case entitlement.ClaimInFlight:
			return false, billing.ErrEventInFlight
		}
		return false, nil
	}

	// check-then-act: two simultaneous deliveries can both pass this check
	done, err := p.ledger.IsAlreadyDone(ctx, ev.EventID)
	if err != nil {
		p.logger.Warn("ledger read failed, processing event as new",
			entitlement.Field{Key: "event_id", Value: ev.EventID}, entitlement.Field{Key: "error", Value: err})
	}
	if done {
		return true, nil
	}
	if p.ledger.MarkProcessing(ctx, ev) == entitlement.RecordRejected {
		// completed between the check and the write
		return true, nil
	}
	return false, nil
}

func (p *Provider) fail(ctx context.Context, ev *entitlement.BillingEvent, cause error, fields []entitlement.Field) error {
	p.logger.Error("billing event processing failed", append(fields, entitlement.Field{Key: "error", Value: cause})...)
	p.ledger.MarkFailed(ctx, ev, cause)
	return cause
}

func (p *Provider) afterEffect(ctx context.Context, event *stripe.Event, eventType string, res entitlement.Result) {
	if res.Account == nil || res.Effect == entitlement.EffectRenewalDuplicate {
		return
	}
	if res.PreviousTier != res.Account.SubscriptionTier {
		p.metrics.RecordTierChange(providerName, res.PreviousTier, res.Account.SubscriptionTier)
	}
	if p.onEffect == nil {
		return
	}

	err := p.onEffect(ctx, billing.EffectEvent{
		EventID:        event.ID,
		EventType:      eventType,
		Provider:       providerName,
		AccountID:      res.Account.ID,
		Effect:         res.Effect,
		PreviousTier:   res.PreviousTier,
		NewTier:        res.Account.SubscriptionTier,
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		Account:        res.Account.Clone(),
	})
	if err != nil {
		p.logger.Warn("effect callback failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "account_id", Value: res.Account.ID},
			entitlement.Field{Key: "error", Value: err})
	}
}

func (p *Provider) writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, errorResponse{Error: msg})
}

func normalizeEventType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
