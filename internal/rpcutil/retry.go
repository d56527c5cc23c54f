// Package rpcutil retries chain RPC lookups that fail for transient reasons.
package rpcutil

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tradepost/checkout/internal/logger"
)

// Policy bounds the attempts made for one lookup.
type Policy struct {
	Attempts  int           // Total calls including the first
	BaseDelay time.Duration // Doubled after every failed attempt
	MaxDelay  time.Duration
}

// DefaultPolicy makes four attempts over roughly 700ms of backoff.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  4,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// WithRetry runs op under DefaultPolicy.
func WithRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return Do(ctx, DefaultPolicy(), op)
}

// Do calls op until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. The last error is returned.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 0; attempt < p.Attempts; attempt++ {
		result, err = op()
		if err == nil || ctx.Err() != nil || !Retryable(err) {
			return result, err
		}
		if attempt == p.Attempts-1 {
			break
		}

		wait := p.delay(attempt)
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", p.Attempts).
			Dur("retry_delay", wait).
			Msg("chain.rpc_retry")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
	return result, err
}

// transientMarkers are fragments RPC nodes and proxies put in errors worth retrying.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"eof",
	"rate limit",
	"too many requests",
	"429",
	"node is behind",
	"500", "502", "503", "504",
	"internal server error",
	"bad gateway",
	"service unavailable",
}

// Retryable reports whether err looks transient. A refusing circuit breaker
// and a cancelled context are permanent for the current lookup.
func Retryable(err error) bool {
	if err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
