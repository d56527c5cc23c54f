package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/tradepost/checkout/internal/errors"
)

// Metrics holds all Prometheus metrics for the checkout engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Checkout metrics
	CheckoutsTotal        *prometheus.CounterVec
	CheckoutDuration      *prometheus.HistogramVec
	DuplicateRequestTotal *prometheus.CounterVec

	// Verification metrics
	VerificationsTotal *prometheus.CounterVec

	// Provider call metrics (stripe, flutterwave, chain RPC)
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Inventory metrics
	DecrementsTotal *prometheus.CounterVec

	// Refund metrics
	RefundsTotal      *prometheus.CounterVec
	RefundAmountTotal *prometheus.CounterVec

	// Inbound provider webhooks
	WebhooksReceivedTotal *prometheus.CounterVec

	// Order outbox
	OutboxAttemptsTotal *prometheus.CounterVec
	OutboxPending       prometheus.Gauge

	// Outbound callback delivery
	CallbacksTotal       *prometheus.CounterVec
	CallbackRetriesTotal *prometheus.CounterVec
	CallbackDLQTotal     *prometheus.CounterVec
	CallbackDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_checkouts_total",
				Help: "Checkout attempts by payment method and final status",
			},
			[]string{"method", "status"},
		),
		CheckoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradepost_checkout_duration_seconds",
				Help:    "End-to-end checkout latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method"},
		),
		DuplicateRequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_checkout_duplicate_requests_total",
				Help: "Checkout submissions rejected by the idempotency guard",
			},
			[]string{"method"},
		),

		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_verifications_total",
				Help: "Currency group verifications by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		ProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_provider_calls_total",
				Help: "Outbound provider API calls",
			},
			[]string{"provider", "operation", "result"},
		),
		ProviderCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradepost_provider_call_duration_seconds",
				Help:    "Outbound provider API latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "operation"},
		),

		DecrementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_inventory_decrements_total",
				Help: "Conditional stock updates by outcome",
			},
			[]string{"kind", "outcome"},
		),

		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_refunds_total",
				Help: "Compensation refunds by provider and status",
			},
			[]string{"provider", "status"},
		),
		RefundAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_refund_amount_minor_total",
				Help: "Refunded amount in minor units",
			},
			[]string{"currency"},
		),

		WebhooksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_webhooks_received_total",
				Help: "Inbound provider webhooks by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		OutboxAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_outbox_attempts_total",
				Help: "Order outbox delivery attempts",
			},
			[]string{"kind", "result"},
		),
		OutboxPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradepost_outbox_pending",
				Help: "Order outbox entries due in the last poll",
			},
		),

		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_callbacks_total",
				Help: "Outbound event notifications",
			},
			[]string{"event_type", "status"},
		),
		CallbackRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_callback_retries_total",
				Help: "Notification retries by attempt",
			},
			[]string{"event_type", "attempt"},
		),
		CallbackDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_callback_dlq_total",
				Help: "Notifications parked after exhausting retries",
			},
			[]string{"event_type"},
		),
		CallbackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradepost_callback_duration_seconds",
				Help:    "Time taken for notification delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepost_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradepost_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveCheckout records a finished checkout attempt.
func (m *Metrics) ObserveCheckout(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.WithLabelValues(method, status).Inc()
	m.CheckoutDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveDuplicate records an idempotency rejection.
func (m *Metrics) ObserveDuplicate(method string) {
	if m == nil {
		return
	}
	m.DuplicateRequestTotal.WithLabelValues(method).Inc()
}

// ObserveVerification records a group verification. outcome is "ok" or the
// rejection code.
func (m *Metrics) ObserveVerification(provider, outcome string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveProviderCall records one outbound provider request.
func (m *Metrics) ObserveProviderCall(provider, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(provider, operation, classifyError(err)).Inc()
	m.ProviderCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// ObserveDecrement records a conditional stock update. kind is "stock" or
// "unique_asset".
func (m *Metrics) ObserveDecrement(kind string, applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "rejected"
	}
	m.DecrementsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRefund records a compensation refund.
func (m *Metrics) ObserveRefund(provider, status, currency string, amountMinor int64) {
	if m == nil {
		return
	}
	m.RefundsTotal.WithLabelValues(provider, status).Inc()
	if status == "submitted" {
		m.RefundAmountTotal.WithLabelValues(currency).Add(float64(amountMinor))
	}
}

// ObserveWebhookReceived records an inbound provider webhook.
func (m *Metrics) ObserveWebhookReceived(source, outcome string) {
	if m == nil {
		return
	}
	m.WebhooksReceivedTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveOutboxAttempt records one outbox delivery attempt.
func (m *Metrics) ObserveOutboxAttempt(kind string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.OutboxAttemptsTotal.WithLabelValues(kind, result).Inc()
}

// SetOutboxPending reports how many entries were due in the last poll.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// ObserveCallback records notification delivery.
func (m *Metrics) ObserveCallback(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(eventType, status).Inc()
	m.CallbackDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.CallbackRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.CallbackDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// classifyError maps an outbound call error to a low-cardinality label.
func classifyError(err error) string {
	if err == nil {
		return "success"
	}
	var coded *apierrors.Error
	if errors.As(err, &coded) {
		return string(coded.Code)
	}
	return "error"
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
