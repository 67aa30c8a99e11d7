package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Storage holds the accounts and the billing event ledger
	Storage entitlement.Storage

	// Catalog maps provider price identifiers to entitlement effects.
	// For example: {"price_single": {Kind: "single"}, "price_pro": {Kind: "subscription", Tier: "pro"}}
	Catalog *entitlement.Catalog

	// WebhookSecret is the signing secret used to verify incoming webhook payloads.
	// An empty secret makes the webhook answer 503 until it is configured.
	WebhookSecret string

	// APIKey is used for outbound API calls that expand webhook payloads.
	// An empty key makes the webhook answer 503 until it is configured.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// PriceCacheTTL bounds how long active price lookup keys are cached (default: 5m).
	// The cache only saves latency.
	PriceCacheTTL time.Duration

	// StrictIdempotency claims each event with a compare-and-swap ledger write when
	// the storage supports it, closing the window where two concurrent deliveries
	// of one event both apply it. Deliveries that lose the claim get 409.
	StrictIdempotency bool

	// InFlightTimeout is how long a processing claim blocks other deliveries
	// before it is considered abandoned (default: 2m). Only used with StrictIdempotency.
	InFlightTimeout time.Duration

	// OnEffect is an optional callback invoked after an entitlement change is persisted
	OnEffect EffectCallback

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger entitlement.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// EntitlementMetrics is an optional collector for effects and ledger writes.
	// The Prometheus implementation satisfies both interfaces.
	EntitlementMetrics entitlement.Metrics
}
