package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlements/pkg/billing"
	"github.com/mihaimyh/entitlements/pkg/entitlement"
	"github.com/mihaimyh/entitlements/storage/memory"
)

func singleSession(id string) *checkoutSessionDTO {
	return &checkoutSessionDTO{
		ID:            id,
		Mode:          "payment",
		PaymentStatus: "paid",
		LineItems: &lineItemListDTO{Data: []lineItemDTO{
			{Price: &priceDTO{ID: testPriceSingle}, Quantity: 1},
		}},
	}
}

func TestWebhook_SinglePurchaseEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.api.sessions["cs_1"] = singleSession("cs_1")

	payload := eventPayload(t, "evt_1", "checkout.session.completed",
		checkoutObject("cs_1", "payment", map[string]string{"userId": testUserID}))

	rr, resp := env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, resp.Received)
	assert.Equal(t, statusProcessed, resp.Status)
	assert.Equal(t, string(entitlement.EffectSingle), resp.Effect)

	acct := env.account(t, testUserID)
	assert.Equal(t, 1, acct.OneTimeExportCount)
	assert.False(t, acct.NeedsPayment)
	assert.Equal(t, testCustomerID, acct.BillingCustomerID)

	row := env.ledgerRow(t, "evt_1")
	assert.Equal(t, entitlement.StatusDone, row.Status)
	assert.Equal(t, entitlement.EffectSingle, row.Effect)
	assert.Equal(t, testUserID, row.AccountID)
	assert.Equal(t, int64(990), row.Amount)

	// redelivery changes nothing
	rr, resp = env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusDuplicate, resp.Status)
	assert.Equal(t, 1, env.account(t, testUserID).OneTimeExportCount)
	assert.Equal(t, row, env.ledgerRow(t, "evt_1"))
}

func TestWebhook_ReplayAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.api.sessions["cs_bundle"] = &checkoutSessionDTO{
		ID: "cs_bundle", Mode: "payment", PaymentStatus: "paid",
		LineItems: &lineItemListDTO{Data: []lineItemDTO{{Price: &priceDTO{ID: testPriceBundle}, Quantity: 1}}},
	}
	payload := eventPayload(t, "evt_bundle", "checkout.session.completed",
		checkoutObject("cs_bundle", "payment", map[string]string{"user_id": testUserID}))

	for i := 0; i < 5; i++ {
		rr, _ := env.deliver(t, payload)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	acct := env.account(t, testUserID)
	assert.Equal(t, 10, acct.CreditBalance)
	require.NotNil(t, acct.CreditExpiry)
	assert.Equal(t, entitlement.StatusDone, env.ledgerRow(t, "evt_bundle").Status)
	assert.Equal(t, 1, env.ledgerRow(t, "evt_bundle").Attempts)
}

func TestWebhook_SignatureRejection(t *testing.T) {
	env := newTestEnv(t)
	env.api.sessions["cs_1"] = singleSession("cs_1")
	payload := eventPayload(t, "evt_sig", "checkout.session.completed",
		checkoutObject("cs_1", "payment", map[string]string{"userId": testUserID}))

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{
			name: "wrong secret",
			req:  func() *http.Request { return signedRequest(payload, "whsec_other") },
		},
		{
			name: "missing header",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
			},
		},
		{
			name: "body altered after signing",
			req: func() *http.Request {
				signed := signedRequest(payload, testStripeWebhookSecret)
				altered := strings.Replace(string(payload), testUserID, "U2", 1)
				req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(altered))
				req.Header.Set("Stripe-Signature", signed.Header.Get("Stripe-Signature"))
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, tt.req())
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}

	assert.Empty(t, env.store.Events(), "no ledger row for rejected payloads")
	assert.Equal(t, 0, env.account(t, testUserID).OneTimeExportCount)
	assert.Equal(t, 0, env.api.calls)
}

func TestWebhook_ConfigMissing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no webhook secret", mutate: func(c *Config) { c.WebhookSecret = "" }},
		{name: "no api key", mutate: func(c *Config) { c.APIKey = "  " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mutate)
			payload := eventPayload(t, "evt_cfg", "checkout.session.completed",
				checkoutObject("cs_1", "payment", map[string]string{"userId": testUserID}))

			rr, _ := env.deliver(t, payload)
			assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
			assert.Empty(t, env.store.Events())
		})
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte(`{"id":"evt_big","type":"checkout.session.completed","pad":"` +
		strings.Repeat("x", maxWebhookBodyBytes) + `"}`)

	rr, _ := env.deliver(t, payload)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, env.store.Events())
}

func TestWebhook_EnvelopeRequiresIDAndType(t *testing.T) {
	env := newTestEnv(t)

	for _, payload := range [][]byte{
		eventPayload(t, "", "checkout.session.completed", map[string]interface{}{"id": "cs_1"}),
		eventPayload(t, "evt_no_type", "", map[string]interface{}{"id": "cs_1"}),
	} {
		rr, _ := env.deliver(t, payload)
		assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	}
	assert.Empty(t, env.store.Events(), "rejected envelopes never reach the ledger")
	assert.Equal(t, 0, env.account(t, testUserID).OneTimeExportCount)
}

func TestWebhook_UnknownEventTypeIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	payload := eventPayload(t, "evt_unknown", "customer.updated", map[string]interface{}{"id": testCustomerID})

	rr, resp := env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusIgnored, resp.Status)

	row := env.ledgerRow(t, "evt_unknown")
	assert.Equal(t, entitlement.StatusDone, row.Status)
	assert.Equal(t, entitlement.EffectIgnored, row.Effect)
}

func TestWebhook_UnmappedPriceIsUnattributable(t *testing.T) {
	env := newTestEnv(t)
	env.api.sessions["cs_x"] = &checkoutSessionDTO{
		ID: "cs_x", Mode: "payment", PaymentStatus: "paid",
		LineItems: &lineItemListDTO{Data: []lineItemDTO{{Price: &priceDTO{ID: "price_unknown"}, Quantity: 1}}},
	}
	before := env.account(t, testUserID)

	payload := eventPayload(t, "evt_x", "checkout.session.completed",
		checkoutObject("cs_x", "payment", map[string]string{"userId": testUserID}))
	rr, resp := env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusUnattributable, resp.Status)

	row := env.ledgerRow(t, "evt_x")
	assert.Equal(t, entitlement.StatusDone, row.Status)
	assert.Equal(t, entitlement.EffectUnknown, row.Effect)
	assert.Equal(t, before, env.account(t, testUserID))
}

func TestWebhook_PriceResolvedByLookupKey(t *testing.T) {
	env := newTestEnv(t)
	env.api.sessions["cs_lk"] = &checkoutSessionDTO{
		ID: "cs_lk", Mode: "payment", PaymentStatus: "paid",
		LineItems: &lineItemListDTO{Data: []lineItemDTO{{Price: &priceDTO{ID: "price_new_bundle"}, Quantity: 1}}},
	}
	env.api.lookupKeys["price_new_bundle"] = "bundle_lookup"

	payload := eventPayload(t, "evt_lk", "checkout.session.completed",
		checkoutObject("cs_lk", "payment", map[string]string{"userId": testUserID}))
	rr, resp := env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(entitlement.EffectCreditBundle), resp.Effect)
	assert.Equal(t, 5, env.account(t, testUserID).CreditBalance)
}

func TestWebhook_UnpaidCheckoutIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	obj := checkoutObject("cs_async", "payment", map[string]string{"userId": testUserID})
	obj["payment_status"] = "unpaid"

	rr, resp := env.deliver(t, eventPayload(t, "evt_async", "checkout.session.completed", obj))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusIgnored, resp.Status)
	assert.Equal(t, 0, env.api.calls)
}

func TestWebhook_InvalidObjectIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	// mode is required on checkout sessions
	payload := eventPayload(t, "evt_bad", "checkout.session.completed", map[string]interface{}{"id": "cs_bad"})

	rr, resp := env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusUnattributable, resp.Status)
	assert.Equal(t, entitlement.EffectUnknown, env.ledgerRow(t, "evt_bad").Effect)
}

func TestWebhook_QuotaGrantedOncePerPeriod(t *testing.T) {
	env := newTestEnv(t)
	periodEnd := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	md := map[string]string{"userId": testUserID}

	rr, resp := env.deliver(t, eventPayload(t, "evt_inv_1", "invoice.paid",
		invoiceObject("in_1", testPricePro, periodEnd, md)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(entitlement.EffectRenewal), resp.Effect)

	acct := env.account(t, testUserID)
	assert.Equal(t, testTierPro, acct.SubscriptionTier)
	assert.Equal(t, entitlement.SubscriptionActive, acct.SubscriptionStatus)
	assert.Equal(t, 20, acct.MonthlyQuota)
	assert.Equal(t, "sub_123", acct.SubscriptionID)
	assert.True(t, acct.QuotaGuard["2024-07_pro"])

	// the application spends some quota
	acct.MonthlyQuotaUsed = 7
	require.NoError(t, env.store.UpdateAccount(context.Background(), acct))
	resetAt := *acct.MonthlyQuotaResetAt

	// invoice.payment_succeeded for the same invoice arrives as a different event
	rr, resp = env.deliver(t, eventPayload(t, "evt_inv_2", "invoice.payment_succeeded",
		invoiceObject("in_1", testPricePro, periodEnd, md)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(entitlement.EffectRenewalDuplicate), resp.Effect)

	acct = env.account(t, testUserID)
	assert.Equal(t, 7, acct.MonthlyQuotaUsed)
	assert.Equal(t, resetAt, *acct.MonthlyQuotaResetAt)
	assert.Equal(t, entitlement.StatusDone, env.ledgerRow(t, "evt_inv_2").Status)

	// the next period grants again
	rr, resp = env.deliver(t, eventPayload(t, "evt_inv_3", "invoice.paid",
		invoiceObject("in_2", testPricePro, periodEnd.AddDate(0, 1, 0), md)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(entitlement.EffectRenewal), resp.Effect)
	assert.Equal(t, 0, env.account(t, testUserID).MonthlyQuotaUsed)
}

func TestWebhook_SubscriptionCheckoutAfterFirstInvoice(t *testing.T) {
	env := newTestEnv(t)
	periodEnd := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	md := map[string]string{"userId": testUserID}

	first := invoiceObject("in_first", testPricePro, periodEnd, md)
	rr, resp := env.deliver(t, eventPayload(t, "evt_inv_first", "invoice.paid", first))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(entitlement.EffectRenewal), resp.Effect)

	acct := env.account(t, testUserID)
	acct.MonthlyQuotaUsed = 7
	require.NoError(t, env.store.UpdateAccount(context.Background(), acct))

	// the checkout resolves its period through the subscription's first invoice
	invoice, err := decodeTestInvoice(first)
	require.NoError(t, err)
	env.api.invoices["in_first"] = invoice
	env.api.sessions["cs_sub"] = &checkoutSessionDTO{
		ID: "cs_sub", Mode: "subscription", PaymentStatus: "paid",
		LineItems: &lineItemListDTO{Data: []lineItemDTO{{Price: &priceDTO{ID: testPricePro}, Quantity: 1}}},
	}
	session := checkoutObject("cs_sub", "subscription", md)
	session["subscription"] = "sub_123"
	session["invoice"] = "in_first"

	rr, resp = env.deliver(t, eventPayload(t, "evt_cs_sub", "checkout.session.completed", session))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, string(entitlement.EffectRenewalDuplicate), resp.Effect)

	acct = env.account(t, testUserID)
	assert.Equal(t, 7, acct.MonthlyQuotaUsed)
	assert.Equal(t, entitlement.SubscriptionActive, acct.SubscriptionStatus)
	assert.Equal(t, entitlement.EffectRenewalDuplicate, env.ledgerRow(t, "evt_cs_sub").Effect)
}

func TestWebhook_EmailFallback(t *testing.T) {
	env := newTestEnv(t)
	obj := invoiceObject("in_mail", testPricePro, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), nil)
	obj["customer"] = "cus_unknown"
	obj["customer_email"] = "JANE@example.com"

	rr, resp := env.deliver(t, eventPayload(t, "evt_mail", "invoice.paid", obj))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusProcessed, resp.Status)

	acct := env.account(t, testUserID)
	assert.Equal(t, testTierPro, acct.SubscriptionTier)
	assert.Equal(t, "cus_unknown", acct.BillingCustomerID)
}

func TestWebhook_CustomerMetadataFallback(t *testing.T) {
	env := newTestEnv(t)
	env.api.customers["cus_meta"] = &customerDTO{ID: "cus_meta", Metadata: map[string]string{"user_id": testUserID}}
	obj := invoiceObject("in_meta", testPricePro, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), nil)
	obj["customer"] = "cus_meta"
	obj["customer_email"] = "nobody@example.com"

	rr, resp := env.deliver(t, eventPayload(t, "evt_meta", "invoice.paid", obj))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusProcessed, resp.Status)
	assert.Equal(t, "cus_meta", env.account(t, testUserID).BillingCustomerID)
}

func TestWebhook_NoAccountIsUnattributable(t *testing.T) {
	env := newTestEnv(t)
	obj := invoiceObject("in_orphan", testPricePro, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), nil)
	obj["customer"] = "cus_orphan"
	obj["customer_email"] = "stranger@example.com"

	rr, resp := env.deliver(t, eventPayload(t, "evt_orphan", "invoice.paid", obj))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusUnattributable, resp.Status)

	_, err := env.store.FindByCustomerID(context.Background(), "cus_orphan")
	assert.True(t, errors.Is(err, entitlement.ErrAccountNotFound), "unmatched events never create accounts")
}

func TestWebhook_PaymentFailedSoftLocks(t *testing.T) {
	env := newTestEnv(t)
	acct := env.account(t, testUserID)
	acct.CreditBalance = 4
	acct.MonthlyQuota = 20
	acct.SubscriptionStatus = entitlement.SubscriptionActive
	require.NoError(t, env.store.UpdateAccount(context.Background(), acct))

	obj := invoiceObject("in_fail", testPricePro, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		map[string]string{"userId": testUserID})
	rr, resp := env.deliver(t, eventPayload(t, "evt_fail", "invoice.payment_failed", obj))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(entitlement.EffectPaymentFailed), resp.Effect)

	acct = env.account(t, testUserID)
	assert.Equal(t, entitlement.SubscriptionPastDue, acct.SubscriptionStatus)
	assert.True(t, acct.NeedsPayment)
	assert.Equal(t, entitlement.BlockedSubscriptionPastDue, acct.ExportBlockedReason)
	assert.Equal(t, 4, acct.CreditBalance)
	assert.Equal(t, 20, acct.MonthlyQuota)
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t)
	acct := env.account(t, testUserID)
	acct.BillingCustomerID = testCustomerID
	acct.SubscriptionID = "sub_123"
	acct.SubscriptionTier = testTierPro
	acct.SubscriptionStatus = entitlement.SubscriptionActive
	acct.OneTimeExportCount = 2
	require.NoError(t, env.store.UpdateAccount(context.Background(), acct))

	obj := map[string]interface{}{
		"id":       "sub_123",
		"object":   "subscription",
		"status":   "canceled",
		"customer": testCustomerID,
	}
	rr, resp := env.deliver(t, eventPayload(t, "evt_del", "customer.subscription.deleted", obj))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(entitlement.EffectSubscriptionCanceled), resp.Effect)

	acct = env.account(t, testUserID)
	assert.Equal(t, entitlement.SubscriptionNone, acct.SubscriptionStatus)
	assert.Empty(t, acct.SubscriptionTier)
	assert.Equal(t, 2, acct.OneTimeExportCount)
}

func TestWebhook_LedgerWriteFailureDoesNotBlockAck(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Storage = unwritableLedger{c.Storage.(*memory.Storage)}
	})
	env.api.sessions["cs_1"] = singleSession("cs_1")
	payload := eventPayload(t, "evt_1", "checkout.session.completed",
		checkoutObject("cs_1", "payment", map[string]string{"userId": testUserID}))

	rr, resp := env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, statusProcessed, resp.Status)
	assert.Equal(t, 1, env.account(t, testUserID).OneTimeExportCount)

	_, err := env.store.GetEvent(context.Background(), "evt_1")
	assert.ErrorIs(t, err, entitlement.ErrEventNotFound)

	// without a done row a redelivery applies the charge again
	rr, resp = env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusProcessed, resp.Status)
	assert.Equal(t, 2, env.account(t, testUserID).OneTimeExportCount)
}

func TestWebhook_ProcessingErrorIsRedelivered(t *testing.T) {
	env := newTestEnv(t)
	env.api.sessions["cs_1"] = singleSession("cs_1")
	env.api.setErr(errors.New("stripe unavailable"))

	payload := eventPayload(t, "evt_retry", "checkout.session.completed",
		checkoutObject("cs_1", "payment", map[string]string{"userId": testUserID}))

	rr, _ := env.deliver(t, payload)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	row := env.ledgerRow(t, "evt_retry")
	assert.Equal(t, entitlement.StatusFailed, row.Status)
	assert.Contains(t, row.Error, "stripe unavailable")
	assert.Equal(t, 0, env.account(t, testUserID).OneTimeExportCount)

	env.api.setErr(nil)
	rr, _ = env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	row = env.ledgerRow(t, "evt_retry")
	assert.Equal(t, entitlement.StatusDone, row.Status)
	assert.Equal(t, 2, row.Attempts)
	assert.Empty(t, row.Error)
	assert.Equal(t, 1, env.account(t, testUserID).OneTimeExportCount)
}

func TestWebhook_StrictModeRejectsInFlightDelivery(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.StrictIdempotency = true })
	env.api.sessions["cs_1"] = singleSession("cs_1")

	claimedAt := time.Now().UTC()
	require.NoError(t, env.store.PutEvent(context.Background(), &entitlement.BillingEvent{
		EventID:    "evt_busy",
		EventType:  "checkout.session.completed",
		Status:     entitlement.StatusProcessing,
		ReceivedAt: claimedAt,
		ClaimedAt:  &claimedAt,
		Attempts:   1,
	}))

	payload := eventPayload(t, "evt_busy", "checkout.session.completed",
		checkoutObject("cs_1", "payment", map[string]string{"userId": testUserID}))
	rr, _ := env.deliver(t, payload)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, 0, env.account(t, testUserID).OneTimeExportCount)

	// a stale claim is taken over
	stale := claimedAt.Add(-time.Hour)
	require.NoError(t, env.store.PutEvent(context.Background(), &entitlement.BillingEvent{
		EventID:   "evt_busy",
		EventType: "checkout.session.completed",
		Status:    entitlement.StatusProcessing,
		ClaimedAt: &stale,
		Attempts:  1,
	}))
	rr, resp := env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusProcessed, resp.Status)
	assert.Equal(t, 1, env.account(t, testUserID).OneTimeExportCount)

	rr, resp = env.deliver(t, payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, statusDuplicate, resp.Status)
}

func TestWebhook_EffectCallback(t *testing.T) {
	var events []billing.EffectEvent
	env := newTestEnv(t, func(c *Config) {
		c.OnEffect = func(_ context.Context, ev billing.EffectEvent) error {
			events = append(events, ev)
			return errors.New("downstream failed")
		}
	})
	periodEnd := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	md := map[string]string{"userId": testUserID}

	rr, _ := env.deliver(t, eventPayload(t, "evt_cb", "invoice.paid", invoiceObject("in_cb", testPricePro, periodEnd, md)))
	require.Equal(t, http.StatusOK, rr.Code, "callback errors never fail the event")
	rr, _ = env.deliver(t, eventPayload(t, "evt_cb_dup", "invoice.paid", invoiceObject("in_cb", testPricePro, periodEnd, md)))
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, events, 1)
	assert.Equal(t, "evt_cb", events[0].EventID)
	assert.Equal(t, "stripe", events[0].Provider)
	assert.Equal(t, testUserID, events[0].AccountID)
	assert.Equal(t, "", events[0].PreviousTier)
	assert.Equal(t, testTierPro, events[0].NewTier)
	assert.Equal(t, entitlement.EffectRenewal, events[0].Effect)
}
