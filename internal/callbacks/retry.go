package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepost/checkout/internal/circuitbreaker"
	"github.com/tradepost/checkout/internal/config"
	"github.com/tradepost/checkout/internal/httputil"
	"github.com/tradepost/checkout/internal/metrics"
)

// RetryConfig holds callback retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // Maximum attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns the defaults used when config leaves fields unset.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         defaultCallbackTimeout,
	}
}

// RetryConfigFrom merges the YAML retry block over the defaults.
func RetryConfigFrom(cfg config.CallbacksConfig) RetryConfig {
	out := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		out.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		out.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		out.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 0 {
		out.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		out.Timeout = cfg.Timeout.Duration
	}
	return out
}

// RetryableClient posts events with exponential backoff and parks exhausted
// deliveries in a dead letter queue.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
	inflight   sync.WaitGroup
}

// DLQStore persists callbacks that exhausted every attempt.
type DLQStore interface {
	SaveFailedCallback(ctx context.Context, callback FailedCallback) error
	ListFailedCallbacks(ctx context.Context, limit int) ([]FailedCallback, error)
	DeleteFailedCallback(ctx context.Context, id string) error
}

// FailedCallback is a dead-lettered delivery.
type FailedCallback struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError"`
	LastAttempt time.Time       `json:"lastAttempt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithDLQStore enables the dead letter queue.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) {
		c.dlqStore = store
	}
}

// WithRetryConfig overrides the retry schedule.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = m
	}
}

// WithBreaker routes attempts through the callback circuit breaker.
func WithBreaker(m *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) {
		c.breaker = m
	}
}

// NewRetryableClient returns a NoopNotifier when no URL is configured.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) Notifier {
	if cfg.URL == "" {
		return NoopNotifier{}
	}

	client := &RetryableClient{
		cfg:      cfg,
		retryCfg: RetryConfigFrom(cfg),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	client.httpClient = httputil.NewClient(client.retryCfg.Timeout)

	return client
}

// Notify dispatches the event asynchronously. EventID is fixed before the
// first attempt so every retry carries the same key.
func (c *RetryableClient) Notify(ctx context.Context, event Event) {
	if c == nil || c.cfg.URL == "" {
		return
	}

	PrepareEvent(&event)
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event_type", event.EventType).Msg("callbacks.marshal_failed")
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		// Detached from the request context; the checkout response must not wait.
		bg := context.Background()
		attempts, err := c.sendWithRetry(bg, payload, event.EventType)
		if err == nil {
			return
		}
		c.logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Msg("callbacks.delivery_exhausted")
		if c.dlqStore != nil {
			c.saveToDLQ(bg, event, payload, attempts, err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (c *RetryableClient) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendWithRetry returns the number of attempts made and the last error.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte, eventType string) (int, error) {
	maxAttempts := c.retryCfg.MaxAttempts
	if !c.cfg.Retry.Enabled || maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	interval := c.retryCfg.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.attempt(ctx, payload)
		if err == nil {
			c.metrics.ObserveCallback(eventType, "success", time.Since(startTime), attempt, false)
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("event_type", eventType).
					Msg("callbacks.delivered_after_retry")
			}
			return attempt, nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("event_type", eventType).
			Dur("next_retry", interval).
			Msg("callbacks.attempt_failed")

		if attempt < maxAttempts {
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
			if interval > c.retryCfg.MaxInterval {
				interval = c.retryCfg.MaxInterval
			}
		}
	}

	c.metrics.ObserveCallback(eventType, "failed", time.Since(startTime), maxAttempts, false)
	return maxAttempts, fmt.Errorf("callback failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *RetryableClient) attempt(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
	defer cancel()

	_, err := c.breaker.Execute(circuitbreaker.ServiceCallback, func() (interface{}, error) {
		return nil, post(reqCtx, c.httpClient, c.cfg.URL, c.cfg.Headers, payload)
	})
	return err
}

func (c *RetryableClient) saveToDLQ(ctx context.Context, event Event, payload []byte, attempts int, lastErr error) {
	now := time.Now().UTC()
	failed := FailedCallback{
		ID:          generateCallbackID(),
		EventID:     event.EventID,
		EventType:   event.EventType,
		URL:         c.cfg.URL,
		Payload:     json.RawMessage(payload),
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}

	if err := c.dlqStore.SaveFailedCallback(ctx, failed); err != nil {
		c.logger.Error().Err(err).Str("callback_id", failed.ID).Msg("callbacks.dlq_save_failed")
		return
	}

	c.metrics.ObserveCallback(event.EventType, "dlq", now.Sub(event.EventTimestamp), attempts, true)
	c.logger.Info().
		Str("callback_id", failed.ID).
		Str("event_type", event.EventType).
		Int("attempts", attempts).
		Msg("callbacks.saved_to_dlq")
}

func generateCallbackID() string {
	return fmt.Sprintf("callback_%d", time.Now().UnixNano())
}
