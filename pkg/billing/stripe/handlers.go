package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/entitlements/pkg/billing"
	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

const (
	eventCheckoutCompleted       = "checkout.session.completed"
	eventCheckoutAsyncSucceeded  = "checkout.session.async_payment_succeeded"
	eventInvoicePaid             = "invoice.paid"
	eventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	eventInvoicePaymentFailed    = "invoice.payment_failed"
	eventSubscriptionDeleted     = "customer.subscription.deleted"
)

// errIgnoredEvent marks events that need no account change
var errIgnoredEvent = errors.New("event ignored")

// buildChange turns a verified event into a provider-neutral change.
// Unhandled event types return errIgnoredEvent so they are acknowledged and
// the provider stops retrying them.
func (p *Provider) buildChange(ctx context.Context, eventType string, event *stripe.Event) (entitlement.Change, error) {
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch eventType {
	case eventCheckoutCompleted, eventCheckoutAsyncSucceeded:
		return p.checkoutChange(ctx, raw)
	case eventInvoicePaid, eventInvoicePaymentSucceeded:
		return p.invoicePaidChange(ctx, raw)
	case eventInvoicePaymentFailed:
		return p.paymentFailedChange(raw)
	case eventSubscriptionDeleted:
		return p.subscriptionEndedChange(raw)
	default:
		return entitlement.Change{}, errIgnoredEvent
	}
}

// checkoutChange handles completed checkout sessions. Webhook payloads never
// carry line items, so the session is expanded through the API.
func (p *Provider) checkoutChange(ctx context.Context, raw json.RawMessage) (entitlement.Change, error) {
	var session checkoutSessionDTO
	if err := decodeObject(raw, &session); err != nil {
		return entitlement.Change{}, err
	}
	// unpaid async sessions are granted by checkout.session.async_payment_succeeded
	if session.Mode == "setup" || !session.paid() {
		return entitlement.Change{}, errIgnoredEvent
	}

	item, ok := session.firstPricedItem()
	if !ok {
		expanded, err := p.api.CheckoutSession(ctx, session.ID)
		if err != nil {
			return entitlement.Change{}, err
		}
		session.LineItems = expanded.LineItems
		if expanded.Customer != nil {
			session.Customer = expanded.Customer
		}
		if item, ok = session.firstPricedItem(); !ok {
			return entitlement.Change{}, fmt.Errorf("%w: checkout session %s has no priced line items",
				billing.ErrInvalidWebhookPayload, session.ID)
		}
	}

	lookupKey, err := p.lookupKey(ctx, item.Price.ID, item.Price.LookupKey)
	if err != nil {
		return entitlement.Change{}, err
	}

	change := entitlement.Change{
		Trigger:          entitlement.TriggerCheckout,
		Hints:            session.hints(),
		PriceID:          item.Price.ID,
		PriceLookupKey:   lookupKey,
		Quantity:         item.Quantity,
		SubscriptionMode: session.Mode == "subscription",
		SubscriptionID:   session.Subscription.id(),
		Amount:           session.AmountTotal,
		Currency:         session.Currency,
	}
	if change.SubscriptionMode {
		if change.PeriodEnd, err = p.firstPeriodEnd(ctx, session.Invoice.id()); err != nil {
			return entitlement.Change{}, err
		}
	}
	return change, nil
}

// firstPeriodEnd returns the period end of a subscription's first invoice, so a
// checkout and the invoice.paid for the same period share one quota guard key.
// Zero when the session carries no invoice.
func (p *Provider) firstPeriodEnd(ctx context.Context, invoiceID string) (time.Time, error) {
	if invoiceID == "" {
		return time.Time{}, nil
	}
	inv, err := p.api.Invoice(ctx, invoiceID)
	if err != nil {
		return time.Time{}, err
	}
	line, _ := inv.subscriptionLine()
	return inv.periodEnd(line), nil
}

// invoicePaidChange handles paid invoices. The billing period end comes from the
// invoice line so every delivery for one period computes the same guard key.
func (p *Provider) invoicePaidChange(ctx context.Context, raw json.RawMessage) (entitlement.Change, error) {
	var inv invoiceDTO
	if err := decodeObject(raw, &inv); err != nil {
		return entitlement.Change{}, err
	}

	line, ok := inv.subscriptionLine()
	if !ok {
		expanded, err := p.api.Invoice(ctx, inv.ID)
		if err != nil {
			return entitlement.Change{}, err
		}
		inv.Lines = expanded.Lines
		if line, ok = inv.subscriptionLine(); !ok {
			return entitlement.Change{}, fmt.Errorf("%w: invoice %s has no priced lines",
				billing.ErrInvalidWebhookPayload, inv.ID)
		}
	}

	lookupKey, err := p.lookupKey(ctx, line.priceID(), line.lookupKey())
	if err != nil {
		return entitlement.Change{}, err
	}

	return entitlement.Change{
		Trigger:        entitlement.TriggerInvoicePaid,
		Hints:          inv.hints(),
		PriceID:        line.priceID(),
		PriceLookupKey: lookupKey,
		Quantity:       line.Quantity,
		SubscriptionID: inv.subscriptionID(),
		PeriodEnd:      inv.periodEnd(line),
		Amount:         inv.AmountPaid,
		Currency:       inv.Currency,
	}, nil
}

// paymentFailedChange soft-locks the account of a failed subscription invoice.
// Failed one-off invoices do not touch entitlements.
func (p *Provider) paymentFailedChange(raw json.RawMessage) (entitlement.Change, error) {
	var inv invoiceDTO
	if err := decodeObject(raw, &inv); err != nil {
		return entitlement.Change{}, err
	}
	if inv.subscriptionID() == "" {
		return entitlement.Change{}, errIgnoredEvent
	}

	return entitlement.Change{
		Trigger:        entitlement.TriggerPaymentFailed,
		Hints:          inv.hints(),
		SubscriptionID: inv.subscriptionID(),
		Amount:         inv.AmountDue,
		Currency:       inv.Currency,
	}, nil
}

func (p *Provider) subscriptionEndedChange(raw json.RawMessage) (entitlement.Change, error) {
	var sub subscriptionDTO
	if err := decodeObject(raw, &sub); err != nil {
		return entitlement.Change{}, err
	}

	change := entitlement.Change{
		Trigger:        entitlement.TriggerSubscriptionEnded,
		Hints:          sub.hints(),
		SubscriptionID: sub.ID,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil {
				change.PriceID = item.Price.ID
				break
			}
		}
	}
	return change, nil
}

// lookupKey returns the price lookup key when the price id itself is not mapped
func (p *Provider) lookupKey(ctx context.Context, priceID, known string) (string, error) {
	if known != "" || priceID == "" || p.catalog.Has(priceID) {
		return known, nil
	}
	key, err := p.api.PriceLookupKey(ctx, priceID)
	if err != nil {
		return "", fmt.Errorf("failed to look up price %s: %w", priceID, err)
	}
	return key, nil
}
