package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/entitlements/pkg/billing"
	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// stripeAPI fetches the resource detail a webhook payload omits
type stripeAPI interface {
	// CheckoutSession returns the session with line items and customer expanded
	CheckoutSession(ctx context.Context, id string) (*checkoutSessionDTO, error)

	// Invoice returns the invoice with its lines
	Invoice(ctx context.Context, id string) (*invoiceDTO, error)

	// Customer returns the customer, or billing.ErrCustomerNotFound
	Customer(ctx context.Context, id string) (*customerDTO, error)

	// PriceLookupKey returns the lookup key of a price ("" when it has none or does not exist)
	PriceLookupKey(ctx context.Context, priceID string) (string, error)
}

// errPriceNotFound is returned by retrievePrice for a price the account does not have
var errPriceNotFound = errors.New("price not found")

// priceRef is a price id and its lookup key
type priceRef struct {
	ID        string
	LookupKey string
}

// Client implements stripeAPI on the Stripe SDK. It performs no retries: a failed
// call fails the delivery and the provider redelivers.
type Client struct {
	stripe     *stripe.Client
	cache      entitlement.Cache
	group      singleflight.Group
	listPrices func(ctx context.Context) ([]priceRef, error)

	// retrievePrice answers for archived prices the active listing leaves out
	retrievePrice func(ctx context.Context, id string) (priceRef, error)

	metrics    billing.Metrics
	entMetrics entitlement.Metrics
}

// ClientConfig configures a Client
type ClientConfig struct {
	APIKey     string
	HTTPClient *http.Client
	Cache      entitlement.Cache
	Metrics    billing.Metrics

	// EntitlementMetrics receives price cache hits and misses
	EntitlementMetrics entitlement.Metrics
}

// NewClient creates a Stripe API client
func NewClient(config ClientConfig) *Client {
	var opts []stripe.ClientOption
	if config.HTTPClient != nil {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: config.HTTPClient,
		})))
	}

	c := &Client{
		stripe:     stripe.NewClient(config.APIKey, opts...),
		cache:      config.Cache,
		metrics:    config.Metrics,
		entMetrics: config.EntitlementMetrics,
	}
	if c.cache == nil {
		c.cache = entitlement.NoopCache{}
	}
	if c.metrics == nil {
		c.metrics = &billing.NoopMetrics{}
	}
	if c.entMetrics == nil {
		c.entMetrics = &entitlement.NoopMetrics{}
	}
	c.listPrices = c.listActivePrices
	c.retrievePrice = c.retrievePriceByID
	return c
}

// CheckoutSession implements stripeAPI
func (c *Client) CheckoutSession(ctx context.Context, id string) (*checkoutSessionDTO, error) {
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("line_items")
	params.AddExpand("customer")

	var session *stripe.CheckoutSession
	err := c.call(ctx, "/checkout/sessions/{id}", func(ctx context.Context) (err error) {
		session, err = c.stripe.V1CheckoutSessions.Retrieve(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	var dto checkoutSessionDTO
	if err := decodeResource(session, session.LastResponse, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// Invoice implements stripeAPI
func (c *Client) Invoice(ctx context.Context, id string) (*invoiceDTO, error) {
	params := &stripe.InvoiceRetrieveParams{}
	params.AddExpand("customer")

	var inv *stripe.Invoice
	err := c.call(ctx, "/invoices/{id}", func(ctx context.Context) (err error) {
		inv, err = c.stripe.V1Invoices.Retrieve(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	var dto invoiceDTO
	if err := decodeResource(inv, inv.LastResponse, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// Customer implements stripeAPI
func (c *Client) Customer(ctx context.Context, id string) (*customerDTO, error) {
	var cust *stripe.Customer
	err := c.call(ctx, "/customers/{id}", func(ctx context.Context) (err error) {
		cust, err = c.stripe.V1Customers.Retrieve(ctx, id, nil)
		return err
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, billing.ErrCustomerNotFound
		}
		return nil, err
	}

	var dto customerDTO
	if err := decodeResource(cust, cust.LastResponse, &dto); err != nil {
		return nil, err
	}
	if dto.Deleted {
		return nil, billing.ErrCustomerNotFound
	}
	return &dto, nil
}

// PriceLookupKey implements stripeAPI. Active prices are listed once per cache TTL;
// concurrent misses share one listing.
func (c *Client) PriceLookupKey(ctx context.Context, priceID string) (string, error) {
	if key, ok := c.cache.Get(priceID); ok {
		c.entMetrics.RecordPriceCache(true)
		return key, nil
	}
	c.entMetrics.RecordPriceCache(false)

	v, err, _ := c.group.Do("active_prices", func() (interface{}, error) {
		prices, err := c.listPrices(ctx)
		if err != nil {
			return nil, err
		}
		keys := make(map[string]string, len(prices))
		for _, p := range prices {
			keys[p.ID] = p.LookupKey
			c.cache.Set(p.ID, p.LookupKey)
		}
		return keys, nil
	})
	if err != nil {
		return "", err
	}
	if key, ok := v.(map[string]string)[priceID]; ok {
		return key, nil
	}

	// archived prices still bill grandfathered subscriptions
	ref, err := c.retrievePrice(ctx, priceID)
	if errors.Is(err, errPriceNotFound) {
		c.cache.Set(priceID, "")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	c.cache.Set(priceID, ref.LookupKey)
	return ref.LookupKey, nil
}

func (c *Client) retrievePriceByID(ctx context.Context, id string) (priceRef, error) {
	var price *stripe.Price
	err := c.call(ctx, "/prices/{id}", func(ctx context.Context) (err error) {
		price, err = c.stripe.V1Prices.Retrieve(ctx, id, nil)
		return err
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return priceRef{}, errPriceNotFound
		}
		return priceRef{}, err
	}
	return priceRef{ID: price.ID, LookupKey: price.LookupKey}, nil
}

func (c *Client) listActivePrices(ctx context.Context) ([]priceRef, error) {
	params := &stripe.PriceListParams{Active: stripe.Bool(true)}

	var prices []priceRef
	err := c.call(ctx, "/prices", func(ctx context.Context) error {
		for p, err := range c.stripe.V1Prices.List(ctx, params) {
			if err != nil {
				return err
			}
			prices = append(prices, priceRef{ID: p.ID, LookupKey: p.LookupKey})
		}
		return nil
	})
	return prices, err
}

func (c *Client) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	c.metrics.RecordAPICall(providerName, endpoint, "success")
	return nil
}

// customerHints turns a customer record into resolver hints
func customerHints(ctx context.Context, api stripeAPI, customerID string) (entitlement.UserHints, error) {
	cust, err := api.Customer(ctx, customerID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		return entitlement.UserHints{}, nil
	}
	if err != nil {
		return entitlement.UserHints{}, err
	}
	return entitlement.UserHints{
		AccountID:  metadataAccountID(cust.Metadata),
		CustomerID: cust.ID,
		Email:      cust.Email,
	}, nil
}

// hintExpander adapts any stripeAPI to entitlement.HintExpander
type hintExpander struct{ api stripeAPI }

func (h hintExpander) ExpandHints(ctx context.Context, customerID string) (entitlement.UserHints, error) {
	return customerHints(ctx, h.api, customerID)
}

// decodeResource decodes the raw API response into a DTO, falling back to
// re-encoding the SDK struct when no raw response is attached.
func decodeResource(resource interface{}, resp *stripe.APIResponse, dst interface{}) error {
	if resp != nil && len(resp.RawJSON) > 0 {
		return decodeObject(resp.RawJSON, dst)
	}
	raw, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return decodeObject(raw, dst)
}
