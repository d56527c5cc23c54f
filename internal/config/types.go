package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err == nil {
		d.Duration = parsed
		return nil
	}
	if secs, convErr := time.ParseDuration(raw + "s"); convErr == nil {
		d.Duration = secs
		return nil
	}
	return fmt.Errorf("invalid duration value %q: %w", raw, err)
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Flutterwave    FlutterwaveConfig    `yaml:"flutterwave"`
	Chain          ChainConfig          `yaml:"chain"`
	Storage        StorageConfig        `yaml:"storage"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	Checkout       CheckoutConfig       `yaml:"checkout"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	RequestTimeout     Duration `yaml:"request_timeout"` // Per-route handler deadline
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	IdentityHeader     string   `yaml:"identity_header"`       // Header carrying the gateway-resolved user id
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Bearer key for /metrics; empty leaves it open
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// StripeConfig holds card-rail credentials. An empty SecretKey disables the
// rail; requests that need it fail with not_configured.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	Mode          string `yaml:"mode"` // test or live
}

// FlutterwaveConfig holds regional gateway credentials.
type FlutterwaveConfig struct {
	SecretKey   string   `yaml:"secret_key"`
	WebhookHash string   `yaml:"webhook_hash"` // Shared secret echoed in the verif-hash header
	BaseURL     string   `yaml:"base_url"`
	RedirectURL string   `yaml:"redirect_url"` // Hosted checkout return URL
	Timeout     Duration `yaml:"timeout"`
}

// ChainConfig maps declared network ids to RPC endpoints for receipt lookups.
type ChainConfig struct {
	Networks       map[string]string `yaml:"networks"` // e.g. "mainnet-beta" -> https://api.mainnet-beta.solana.com
	DefaultNetwork string            `yaml:"default_network"`
	Commitment     string            `yaml:"commitment"` // confirmed or finalized
	Timeout        Duration          `yaml:"timeout"`
	RetryAttempts  int               `yaml:"retry_attempts"` // Receipt lookups per verification; 0 uses the default
}

// StorageConfig selects the persistence backend for carts, products, orders and ledgers.
type StorageConfig struct {
	Backend         string       `yaml:"backend"` // memory, postgres, mongodb
	PostgresURL     string       `yaml:"postgres_url"`
	MongoDBURL      string       `yaml:"mongodb_url"`
	MongoDBDatabase string       `yaml:"mongodb_database"`
	PostgresPool    PostgresPool `yaml:"postgres_pool"`
	CleanupInterval Duration     `yaml:"cleanup_interval"`
	Tables          TableNames   `yaml:"tables"`
}

// PostgresPool configures database/sql pooling for the postgres backend.
type PostgresPool struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// TableNames lets deployments sharing a database prefix or rename tables.
type TableNames struct {
	Carts            string `yaml:"carts"`
	Products         string `yaml:"products"`
	Orders           string `yaml:"orders"`
	WebhookEvents    string `yaml:"webhook_events"`
	ConsumedPayments string `yaml:"consumed_payments"`
	Compensations    string `yaml:"compensations"`
	Outbox           string `yaml:"outbox"`
}

// IdempotencyConfig configures the checkout replay guard.
type IdempotencyConfig struct {
	Backend     string   `yaml:"backend"` // memory or redis
	RedisURL    string   `yaml:"redis_url"`
	KeyPrefix   string   `yaml:"key_prefix"`
	BucketWidth Duration `yaml:"bucket_width"` // Time window that collapses retries into one key
	TTL         Duration `yaml:"ttl"`          // Must exceed BucketWidth
	MaxEntries  int      `yaml:"max_entries"`  // Memory backend LRU bound
}

// CheckoutConfig tunes the orchestrator and the order outbox worker.
type CheckoutConfig struct {
	VerifyTimeout     Duration `yaml:"verify_timeout"` // Deadline for each provider verification call
	OutboxInterval    Duration `yaml:"outbox_interval"`
	OutboxBatchSize   int      `yaml:"outbox_batch_size"`
	OutboxMaxAttempts int      `yaml:"outbox_max_attempts"`
	OutboxBaseBackoff Duration `yaml:"outbox_base_backoff"`
}

// CallbacksConfig configures outbound notifications to the broadcast endpoint.
type CallbacksConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`
	Retry   RetryConfig       `yaml:"retry"`
	DLQPath string            `yaml:"dlq_path"` // Empty keeps exhausted callbacks in memory
}

// RetryConfig configures exponential backoff for callback delivery.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-user limiting keys on the identity header
	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	StripeAPI      BreakerServiceConfig `yaml:"stripe_api"`
	FlutterwaveAPI BreakerServiceConfig `yaml:"flutterwave_api"`
	ChainRPC       BreakerServiceConfig `yaml:"chain_rpc"`
	Callback       BreakerServiceConfig `yaml:"callback"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio
}
