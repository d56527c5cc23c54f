package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// finalize applies defaults and validates the configuration.
// Missing provider credentials are not an error: the affected rail fails
// closed at request time with not_configured.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.IdentityHeader == "" {
		c.Server.IdentityHeader = "X-User-ID"
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Idempotency.Backend = strings.ToLower(strings.TrimSpace(c.Idempotency.Backend))
	c.Flutterwave.BaseURL = strings.TrimSuffix(c.Flutterwave.BaseURL, "/")

	var errs []error

	switch c.Stripe.Mode {
	case "test", "live":
	default:
		errs = append(errs, fmt.Errorf("stripe.mode must be test or live, got %q", c.Stripe.Mode))
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required when stripe.secret_key is set"))
	}
	if c.Flutterwave.SecretKey != "" && c.Flutterwave.WebhookHash == "" {
		errs = append(errs, errors.New("flutterwave.webhook_hash is required when flutterwave.secret_key is set"))
	}
	if err := validateURL("flutterwave.base_url", c.Flutterwave.BaseURL); err != nil {
		errs = append(errs, err)
	}

	for network, rpcURL := range c.Chain.Networks {
		if err := validateURL("chain.networks."+network, rpcURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Chain.DefaultNetwork != "" {
		if _, ok := c.Chain.Networks[c.Chain.DefaultNetwork]; !ok {
			errs = append(errs, fmt.Errorf("chain.default_network %q has no rpc url in chain.networks", c.Chain.DefaultNetwork))
		}
	}
	switch c.Chain.Commitment {
	case "", "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("chain.commitment must be processed, confirmed or finalized, got %q", c.Chain.Commitment))
	}
	if c.Chain.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("chain.retry_attempts must be >= 0, got %d", c.Chain.RetryAttempts))
	}

	switch c.Storage.Backend {
	case "", "memory":
		c.Storage.Backend = "memory"
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required when storage.backend is postgres"))
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, errors.New("storage.mongodb_url is required when storage.backend is mongodb"))
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, errors.New("storage.mongodb_database is required when storage.backend is mongodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, postgres or mongodb, got %q", c.Storage.Backend))
	}

	switch c.Idempotency.Backend {
	case "", "memory":
		c.Idempotency.Backend = "memory"
	case "redis":
		if c.Idempotency.RedisURL == "" {
			errs = append(errs, errors.New("idempotency.redis_url is required when idempotency.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend must be memory or redis, got %q", c.Idempotency.Backend))
	}
	if c.Idempotency.BucketWidth.Duration <= 0 {
		errs = append(errs, errors.New("idempotency.bucket_width must be positive"))
	}
	// A key that expires inside its own bucket would let a retry in the same
	// bucket through.
	if c.Idempotency.TTL.Duration <= c.Idempotency.BucketWidth.Duration {
		errs = append(errs, fmt.Errorf("idempotency.ttl (%s) must exceed idempotency.bucket_width (%s)",
			c.Idempotency.TTL.Duration, c.Idempotency.BucketWidth.Duration))
	}

	if c.Checkout.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("checkout.outbox_max_attempts must be positive"))
	}
	if c.Checkout.OutboxInterval.Duration <= 0 {
		errs = append(errs, errors.New("checkout.outbox_interval must be positive"))
	}

	if c.Callbacks.URL != "" {
		if err := validateURL("callbacks.url", c.Callbacks.URL); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
	}
	return nil
}
