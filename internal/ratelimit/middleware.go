// Package ratelimit throttles checkout traffic globally, per user and per IP.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/tradepost/checkout/internal/config"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/metrics"
)

const (
	limitGlobal  = "global"
	limitPerUser = "per_user"
	limitPerIP   = "per_ip"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-user rate limiting, keyed on the identity header set by the gateway
	PerUserEnabled bool
	PerUserLimit   int
	PerUserWindow  time.Duration
	IdentityHeader string

	// Per-IP rate limiting (fallback when no user is identified)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns limits generous enough for legitimate shoppers.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		// A checkout is a handful of calls; 30/min stops scripted retries
		PerUserEnabled: true,
		PerUserLimit:   30,
		PerUserWindow:  1 * time.Minute,
		IdentityHeader: "X-User-ID",

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// FromConfig maps the application rate limit settings onto a Config.
func FromConfig(rl config.RateLimitConfig, identityHeader string, metricsCollector *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:  rl.GlobalEnabled,
		GlobalLimit:    rl.GlobalLimit,
		GlobalWindow:   rl.GlobalWindow.Duration,
		PerUserEnabled: rl.PerUserEnabled,
		PerUserLimit:   rl.PerUserLimit,
		PerUserWindow:  rl.PerUserWindow.Duration,
		IdentityHeader: identityHeader,
		PerIPEnabled:   rl.PerIPEnabled,
		PerIPLimit:     rl.PerIPLimit,
		PerIPWindow:    rl.PerIPWindow.Duration,
		Metrics:        metricsCollector,
	}
}

// limitHandler writes the shared 429 body and records the hit.
func limitHandler(limitType string, window time.Duration, metricsCollector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	retryAfter := int(window.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	message := "Rate limit exceeded. Please try again later."
	switch limitType {
	case limitGlobal:
		message = "Global rate limit exceeded. Please try again later."
	case limitPerIP:
		message = "IP rate limit exceeded. Please try again later."
	}

	return func(w http.ResponseWriter, r *http.Request) {
		metricsCollector.ObserveRateLimit(limitType)

		resp := apierrors.NewErrorResponse(apierrors.ErrCodeRateLimited, message, map[string]interface{}{
			"limit":               limitType,
			"retry_after_seconds": retryAfter,
		})
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(limitHandler(limitGlobal, cfg.GlobalWindow, cfg.Metrics)),
	)
}

// UserLimiter limits each identified user. Anonymous requests fall back to
// their IP so they cannot share one bucket.
func UserLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerUserEnabled || cfg.PerUserLimit <= 0 {
		return passthrough
	}
	header := cfg.IdentityHeader
	if header == "" {
		header = "X-User-ID"
	}
	return httprate.Limit(
		cfg.PerUserLimit,
		cfg.PerUserWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if user := r.Header.Get(header); user != "" {
				return "user:" + user, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(limitHandler(limitPerUser, cfg.PerUserWindow, cfg.Metrics)),
	)
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler(limitPerIP, cfg.PerIPWindow, cfg.Metrics)),
	)
}
