package stripe

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/entitlements/pkg/billing"
	"github.com/mihaimyh/entitlements/pkg/billing/internal"
	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultPriceCacheTTL     = 5 * time.Minute
	defaultInFlightTimeout   = 2 * time.Minute
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Storage, Catalog, secrets, etc.)

	// SignatureTolerance is the maximum age of a signed payload (default: 5m)
	SignatureTolerance time.Duration

	// RateLimitRequests is the number of webhook requests allowed per IP per minute (default: 100)
	RateLimitRequests int

	// api replaces the Stripe client, used by tests
	api stripeAPI
}

// Provider implements billing.Provider for Stripe webhooks
type Provider struct {
	config      Config
	verifier    *Verifier
	apiKey      string
	api         stripeAPI
	ledger      *entitlement.Ledger
	resolver    *entitlement.Resolver
	catalog     *entitlement.Catalog
	rateLimiter *internal.RateLimiter
	onEffect    billing.EffectCallback
	logger      entitlement.Logger
	metrics     billing.Metrics
}

// NewProvider creates a new Stripe billing provider.
// Missing secrets do not fail construction: the webhook answers 503 until they are set.
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if config.Catalog == nil {
		return nil, entitlement.ErrInvalidCatalog
	}

	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	entMetrics := config.EntitlementMetrics
	if entMetrics == nil {
		entMetrics = &entitlement.NoopMetrics{}
	}
	if config.InFlightTimeout <= 0 {
		config.InFlightTimeout = defaultInFlightTimeout
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}

	apiKey := strings.TrimSpace(config.APIKey)
	api := config.api
	if api == nil {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		ttl := config.PriceCacheTTL
		if ttl <= 0 {
			ttl = defaultPriceCacheTTL
		}
		api = NewClient(ClientConfig{
			APIKey:             apiKey,
			HTTPClient:         httpClient,
			Cache:              entitlement.NewTTLCache(ttl),
			Metrics:            metrics,
			EntitlementMetrics: entMetrics,
		})
	}

	users := entitlement.NewUserResolver(config.Storage, hintExpander{api: api}, logger)
	resolver, err := entitlement.NewResolver(entitlement.ResolverConfig{
		Catalog:  config.Catalog,
		Accounts: config.Storage,
		Users:    users,
		Logger:   logger,
		Metrics:  entMetrics,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{
		config:   config,
		verifier: NewVerifier(config.WebhookSecret, config.SignatureTolerance),
		apiKey:   apiKey,
		api:      api,
		ledger: entitlement.NewLedger(config.Storage, entitlement.LedgerConfig{
			Logger:  logger,
			Metrics: entMetrics,
		}),
		resolver:    resolver,
		catalog:     config.Catalog,
		rateLimiter: internal.NewRateLimiter(config.RateLimitRequests, defaultRateLimitWindow),
		onEffect:    config.OnEffect,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Configured reports whether both the signing secret and the API key are set
func (p *Provider) Configured() bool {
	return p.verifier.Configured() && p.apiKey != ""
}

var _ billing.Provider = (*Provider)(nil)
