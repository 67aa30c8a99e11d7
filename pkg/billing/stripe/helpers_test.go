package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/entitlements/pkg/billing"
	"github.com/mihaimyh/entitlements/pkg/entitlement"
	"github.com/mihaimyh/entitlements/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "U1"
	testCustomerID          = "cus_test_123"
	testPriceSingle         = "PRICE_SINGLE"
	testPriceBundle         = "price_bundle_10"
	testPricePro            = "price_pro_monthly"
	testTierPro             = "pro"
)

// fakeAPI is an in-memory stand-in for the Stripe API
type fakeAPI struct {
	mu         sync.Mutex
	sessions   map[string]*checkoutSessionDTO
	invoices   map[string]*invoiceDTO
	customers  map[string]*customerDTO
	lookupKeys map[string]string
	err        error
	calls      int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		sessions:   make(map[string]*checkoutSessionDTO),
		invoices:   make(map[string]*invoiceDTO),
		customers:  make(map[string]*customerDTO),
		lookupKeys: make(map[string]string),
	}
}

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAPI) CheckoutSession(_ context.Context, id string) (*checkoutSessionDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[id]
	if !ok {
		return &checkoutSessionDTO{ID: id}, nil
	}
	return s, nil
}

func (f *fakeAPI) Invoice(_ context.Context, id string) (*invoiceDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return &invoiceDTO{ID: id}, nil
	}
	return inv, nil
}

func (f *fakeAPI) Customer(_ context.Context, id string) (*customerDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.customers[id]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return c, nil
}

func (f *fakeAPI) PriceLookupKey(_ context.Context, priceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.lookupKeys[priceID], nil
}

func testCatalog(t *testing.T) *entitlement.Catalog {
	t.Helper()
	c, err := entitlement.NewCatalog(map[string]entitlement.PriceEffect{
		testPriceSingle: {Kind: entitlement.KindSingle},
		testPriceBundle: {Kind: entitlement.KindCreditBundle, Credits: 10},
		testPricePro:    {Kind: entitlement.KindSubscription, Tier: testTierPro},
		"bundle_lookup": {Kind: entitlement.KindCreditBundle, Credits: 5},
	}, map[string]entitlement.TierConfig{
		testTierPro: {MonthlyQuota: 20},
	})
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	return c
}

// unwritableLedger accepts account writes but fails every ledger write
type unwritableLedger struct {
	*memory.Storage
}

func (unwritableLedger) PutEvent(context.Context, *entitlement.BillingEvent) error {
	return errors.New("ledger unavailable")
}

type testEnv struct {
	provider *Provider
	handler  http.Handler
	store    *memory.Storage
	api      *fakeAPI
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	if err := store.InsertAccount(context.Background(), &entitlement.Account{
		ID:    testUserID,
		Email: "jane@example.com",
	}); err != nil {
		t.Fatalf("Failed to insert account: %v", err)
	}

	api := newFakeAPI()
	config := Config{
		Config: billing.Config{
			Storage:       store,
			Catalog:       testCatalog(t),
			WebhookSecret: testStripeWebhookSecret,
			APIKey:        testStripeAPIKey,
		},
		RateLimitRequests: 1000,
		api:               api,
	}
	for _, m := range mutate {
		m(&config)
	}

	provider, err := NewProvider(config)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return &testEnv{provider: provider, handler: provider.WebhookHandler(), store: store, api: api}
}

// eventPayload builds a Stripe event envelope around object
func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("Failed to marshal object: %v", err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC).Unix(),
		"livemode":    false,
		"api_version": stripe.APIVersion,
		"data":        map[string]json.RawMessage{"object": obj},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return payload
}

func signedRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func (e *testEnv) deliver(t *testing.T, payload []byte) (*httptest.ResponseRecorder, webhookResponse) {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, signedRequest(payload, testStripeWebhookSecret))

	var resp webhookResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, resp
}

func (e *testEnv) account(t *testing.T, id string) *entitlement.Account {
	t.Helper()
	acct, err := e.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get account %s: %v", id, err)
	}
	return acct
}

func (e *testEnv) ledgerRow(t *testing.T, eventID string) *entitlement.BillingEvent {
	t.Helper()
	ev, err := e.store.GetEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Failed to get ledger row %s: %v", eventID, err)
	}
	return ev
}

func checkoutObject(id, mode string, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"object":         "checkout.session",
		"mode":           mode,
		"payment_status": "paid",
		"customer":       testCustomerID,
		"metadata":       metadata,
		"amount_total":   990,
		"currency":       "eur",
	}
}

func invoiceObject(id, priceID string, periodEnd time.Time, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"object":         "invoice",
		"customer":       testCustomerID,
		"customer_email": "jane@example.com",
		"amount_paid":    1900,
		"amount_due":     1900,
		"currency":       "eur",
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{
				"subscription": "sub_123",
				"metadata":     metadata,
			},
		},
		"lines": map[string]interface{}{
			"data": []map[string]interface{}{{
				"price":    map[string]interface{}{"id": priceID},
				"quantity": 1,
				"period": map[string]interface{}{
					"start": periodEnd.AddDate(0, -1, 0).Unix(),
					"end":   periodEnd.Unix(),
				},
			}},
		},
	}
}

// decodeTestInvoice turns a webhook invoice object into the DTO the API returns
func decodeTestInvoice(object map[string]interface{}) (*invoiceDTO, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	var inv invoiceDTO
	if err := decodeObject(raw, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
