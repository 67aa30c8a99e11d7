// Package config loads process configuration for the entitlements service.
//
// Values come from an optional YAML file, overridden by ENTITLEMENTS_* environment
// variables (nested keys joined with underscores, e.g. ENTITLEMENTS_STRIPE_WEBHOOK_SECRET).
// A .env file, when present, is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ENTITLEMENTS"

// Config is the full service configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stripe  StripeConfig  `mapstructure:"stripe"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	WebhookPath     string        `mapstructure:"webhook_path" validate:"required,startswith=/"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// StripeConfig configures the webhook processor.
// WebhookSecret and APIKey may be empty; the webhook then answers 503.
type StripeConfig struct {
	WebhookSecret      string        `mapstructure:"webhook_secret"`
	APIKey             string        `mapstructure:"api_key"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance" validate:"gte=0"`
	PriceCacheTTL      time.Duration `mapstructure:"price_cache_ttl" validate:"gte=0"`
	StrictIdempotency  bool          `mapstructure:"strict_idempotency"`
	InFlightTimeout    time.Duration `mapstructure:"in_flight_timeout" validate:"gte=0"`
	RateLimitRequests  int           `mapstructure:"rate_limit_requests" validate:"gte=0"`
}

// StorageConfig selects and configures the account and ledger backend
type StorageConfig struct {
	Driver    string          `mapstructure:"driver" validate:"required,oneof=memory redis postgres firestore"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Firestore FirestoreConfig `mapstructure:"firestore"`

	// LedgerCache puts an in-process cache of completed ledger rows in front of the backend
	LedgerCache bool `mapstructure:"ledger_cache"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig configures storage/breaker
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=0"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" validate:"gte=0"`
}

// RedisConfig configures storage/redis
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig configures storage/postgres
type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// FirestoreConfig configures storage/firestore
type FirestoreConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	AccountsCollection string `mapstructure:"accounts_collection"`
	EventsCollection   string `mapstructure:"events_collection"`
}

// LoggingConfig configures zerolog
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

// CatalogConfig maps prices to entitlement effects
type CatalogConfig struct {
	Prices map[string]entitlement.PriceEffect `mapstructure:"prices" validate:"required,min=1"`
	Tiers  map[string]entitlement.TierConfig  `mapstructure:"tiers"`
}

// Options controls where Load looks for configuration
type Options struct {
	// ConfigFile is an explicit YAML path. When empty, config.yaml is searched
	// in ., ./config and /etc/entitlements and is optional.
	ConfigFile string

	// EnvFiles are loaded into the process environment before reading.
	// Missing files are skipped. Default: .env
	EnvFiles []string
}

// Load reads, defaults and validates the configuration
func Load(opts Options) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// godotenv never overrides variables already set in the environment
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/entitlements")
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.webhook_path", "/webhooks/stripe")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.signature_tolerance", 5*time.Minute)
	v.SetDefault("stripe.price_cache_ttl", 5*time.Minute)
	v.SetDefault("stripe.strict_idempotency", false)
	v.SetDefault("stripe.in_flight_timeout", 2*time.Minute)
	v.SetDefault("stripe.rate_limit_requests", 100)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.ledger_cache", false)
	v.SetDefault("storage.circuit_breaker.enabled", false)
	v.SetDefault("storage.circuit_breaker.failure_threshold", 5)
	v.SetDefault("storage.circuit_breaker.reset_timeout", 30*time.Second)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "entitlements:")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.migrate", false)
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.firestore.accounts_collection", "billing_accounts")
	v.SetDefault("storage.firestore.events_collection", "billing_events")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "entitlements")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks struct constraints and backend-specific requirements
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Storage.Driver {
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("invalid config: storage.redis.addr is required")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("invalid config: storage.postgres.dsn is required")
		}
	case "firestore":
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("invalid config: storage.firestore.project_id is required")
		}
	}

	if _, err := c.BuildCatalog(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BuildCatalog turns the catalog section into a validated entitlement.Catalog
func (c Config) BuildCatalog() (*entitlement.Catalog, error) {
	return entitlement.NewCatalog(c.Catalog.Prices, c.Catalog.Tiers)
}
