package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/entitlements/pkg/billing"
)

// Verifier authenticates raw webhook payloads against the endpoint signing secret
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier. A zero tolerance uses the SDK default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Configured reports whether a signing secret is set
func (v *Verifier) Configured() bool {
	return v.secret != ""
}

// Verify checks the Stripe-Signature header over the exact payload bytes and
// returns the parsed event. The payload must be the unmodified request body.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if !v.Configured() {
		return stripe.Event{}, billing.ErrProviderNotConfigured
	}
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", billing.ErrInvalidWebhookSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}
