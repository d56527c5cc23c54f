package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultBreaker() BreakerServiceConfig {
	return BreakerServiceConfig{
		MaxRequests:         3,
		Interval:            Duration{Duration: 60 * time.Second},
		Timeout:             Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 30 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
			RequestTimeout: Duration{Duration: 25 * time.Second},
			IdentityHeader: "X-User-ID",
		},
		Stripe: StripeConfig{
			Mode: "test",
		},
		Flutterwave: FlutterwaveConfig{
			BaseURL: "https://api.flutterwave.com",
			Timeout: Duration{Duration: 10 * time.Second},
		},
		Chain: ChainConfig{
			Networks: map[string]string{
				"mainnet-beta": "https://api.mainnet-beta.solana.com",
			},
			DefaultNetwork: "mainnet-beta",
			Commitment:     "confirmed",
			Timeout:        Duration{Duration: 10 * time.Second},
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MongoDBDatabase: "tradepost",
			CleanupInterval: Duration{Duration: 5 * time.Minute},
			PostgresPool: PostgresPool{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:     "memory",
			KeyPrefix:   "checkout",
			BucketWidth: Duration{Duration: 60 * time.Second},
			TTL:         Duration{Duration: 10 * time.Minute},
			MaxEntries:  10000,
		},
		Checkout: CheckoutConfig{
			VerifyTimeout:     Duration{Duration: 10 * time.Second},
			OutboxInterval:    Duration{Duration: 15 * time.Second},
			OutboxBatchSize:   20,
			OutboxMaxAttempts: 8,
			OutboxBaseBackoff: Duration{Duration: 5 * time.Second},
		},
		Callbacks: CallbacksConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:  true,
			GlobalLimit:    1000,
			GlobalWindow:   Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   30,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        true,
			StripeAPI:      defaultBreaker(),
			FlutterwaveAPI: defaultBreaker(),
			ChainRPC:       defaultBreaker(),
			Callback: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// StripeEnabled reports whether card-rail credentials are present.
func (c *Config) StripeEnabled() bool { return c.Stripe.SecretKey != "" }

// FlutterwaveEnabled reports whether regional gateway credentials are present.
func (c *Config) FlutterwaveEnabled() bool { return c.Flutterwave.SecretKey != "" }
