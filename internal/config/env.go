package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "TRADEPOST_"

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "ROUTE_PREFIX")
	setIfEnv(&c.Server.IdentityHeader, "IDENTITY_HEADER")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}
	if v := getEnv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ENVIRONMENT")

	// Card rail
	setIfEnv(&c.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.Mode, "STRIPE_MODE")

	// Regional gateway
	setIfEnv(&c.Flutterwave.SecretKey, "FLUTTERWAVE_SECRET_KEY")
	setIfEnv(&c.Flutterwave.WebhookHash, "FLUTTERWAVE_WEBHOOK_HASH")
	setIfEnv(&c.Flutterwave.BaseURL, "FLUTTERWAVE_BASE_URL")
	setIfEnv(&c.Flutterwave.RedirectURL, "FLUTTERWAVE_REDIRECT_URL")
	setDurationIfEnv(&c.Flutterwave.Timeout, "FLUTTERWAVE_TIMEOUT")

	// Chain: TRADEPOST_CHAIN_RPC_<NETWORK>=url, underscores map to dashes
	setIfEnv(&c.Chain.DefaultNetwork, "CHAIN_DEFAULT_NETWORK")
	setIfEnv(&c.Chain.Commitment, "CHAIN_COMMITMENT")
	setDurationIfEnv(&c.Chain.Timeout, "CHAIN_TIMEOUT")
	setIntIfEnv(&c.Chain.RetryAttempts, "CHAIN_RETRY_ATTEMPTS")
	for name, value := range prefixedEnv("CHAIN_RPC_") {
		if c.Chain.Networks == nil {
			c.Chain.Networks = make(map[string]string)
		}
		network := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
		c.Chain.Networks[network] = value
	}

	// Storage
	setIfEnv(&c.Storage.Backend, "STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "MONGODB_DATABASE")
	setIntIfEnv(&c.Storage.PostgresPool.MaxOpenConns, "POSTGRES_MAX_OPEN_CONNS")
	setIntIfEnv(&c.Storage.PostgresPool.MaxIdleConns, "POSTGRES_MAX_IDLE_CONNS")

	// Idempotency
	setIfEnv(&c.Idempotency.Backend, "IDEMPOTENCY_BACKEND")
	setIfEnv(&c.Idempotency.RedisURL, "REDIS_URL")
	setDurationIfEnv(&c.Idempotency.BucketWidth, "IDEMPOTENCY_BUCKET_WIDTH")
	setDurationIfEnv(&c.Idempotency.TTL, "IDEMPOTENCY_TTL")

	// Checkout
	setDurationIfEnv(&c.Checkout.VerifyTimeout, "CHECKOUT_VERIFY_TIMEOUT")
	setDurationIfEnv(&c.Checkout.OutboxInterval, "CHECKOUT_OUTBOX_INTERVAL")
	setIntIfEnv(&c.Checkout.OutboxMaxAttempts, "CHECKOUT_OUTBOX_MAX_ATTEMPTS")

	// Callbacks, including TRADEPOST_CALLBACK_HEADER_<NAME>=value
	setIfEnv(&c.Callbacks.URL, "CALLBACK_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "CALLBACK_TIMEOUT")
	setIfEnv(&c.Callbacks.DLQPath, "CALLBACK_DLQ_PATH")
	for name, value := range prefixedEnv("CALLBACK_HEADER_") {
		if c.Callbacks.Headers == nil {
			c.Callbacks.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Callbacks.Headers[headerName] = value
	}

	// Circuit breakers
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "CIRCUIT_BREAKER_ENABLED")
}

func getEnv(key string) string {
	return os.Getenv(envPrefix + key)
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := getEnv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1" and any casing of "true" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := getEnv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

func setIntIfEnv(target *int, key string) {
	if v := getEnv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := getEnv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// prefixedEnv collects TRADEPOST_<prefix><NAME>=value pairs keyed by NAME.
func prefixedEnv(prefix string) map[string]string {
	full := envPrefix + prefix
	out := make(map[string]string)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, full) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], full)
		if name == "" || parts[1] == "" {
			continue
		}
		out[name] = parts[1]
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
