package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	apierrors "github.com/tradepost/checkout/internal/errors"
)

func TestObserveCheckout(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCheckout("stripe", "completed", 300*time.Millisecond)
	m.ObserveCheckout("stripe", "completed", 100*time.Millisecond)
	m.ObserveCheckout("stripe", "rejected", 10*time.Millisecond)

	if got := promtest.ToFloat64(m.CheckoutsTotal.WithLabelValues("stripe", "completed")); got != 2 {
		t.Errorf("completed checkouts = %.0f, want 2", got)
	}
	if got := promtest.ToFloat64(m.CheckoutsTotal.WithLabelValues("stripe", "rejected")); got != 1 {
		t.Errorf("rejected checkouts = %.0f, want 1", got)
	}
}

func TestObserveProviderCall(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveProviderCall("flutterwave", "verify", time.Second, nil)
	m.ObserveProviderCall("flutterwave", "verify", time.Second, apierrors.New(apierrors.ErrCodeGatewayError, "boom"))
	m.ObserveProviderCall("flutterwave", "verify", time.Second, errors.New("plain"))

	tests := []struct {
		result string
		want   float64
	}{
		{"success", 1},
		{"gateway_error", 1},
		{"error", 1},
	}
	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			got := promtest.ToFloat64(m.ProviderCallsTotal.WithLabelValues("flutterwave", "verify", tt.result))
			if got != tt.want {
				t.Errorf("calls{result=%s} = %.0f, want %.0f", tt.result, got, tt.want)
			}
		})
	}
}

func TestObserveDecrementAndRefund(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDecrement("stock", true)
	m.ObserveDecrement("stock", false)
	m.ObserveDecrement("unique_asset", false)
	m.ObserveRefund("stripe", "submitted", "USD", 1500)
	m.ObserveRefund("stripe", "failed", "USD", 700)

	if got := promtest.ToFloat64(m.DecrementsTotal.WithLabelValues("stock", "rejected")); got != 1 {
		t.Errorf("rejected decrements = %.0f, want 1", got)
	}
	if got := promtest.ToFloat64(m.RefundAmountTotal.WithLabelValues("USD")); got != 1500 {
		t.Errorf("refunded amount = %.0f, want 1500 (failed refunds excluded)", got)
	}
}

func TestObserveCallback(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCallback("refund.failed", "failed", time.Second, 3, true)

	if got := promtest.ToFloat64(m.CallbackRetriesTotal.WithLabelValues("refund.failed", "3")); got != 1 {
		t.Errorf("retries = %.0f, want 1", got)
	}
	if got := promtest.ToFloat64(m.CallbackDLQTotal.WithLabelValues("refund.failed")); got != 1 {
		t.Errorf("dlq = %.0f, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCheckout("stripe", "completed", time.Second)
	m.ObserveVerification("stripe", "ok")
	m.ObserveProviderCall("stripe", "verify", time.Second, nil)
	m.ObserveWebhookReceived("stripe", "processed")
	m.SetOutboxPending(3)
	MeasureDBQuery(m, "get_cart", "memory")()
}

func TestFormatAttempt(t *testing.T) {
	tests := map[int]string{1: "1", 5: "5", 6: "5+", 12: "5+"}
	for in, want := range tests {
		if got := formatAttempt(in); got != want {
			t.Errorf("formatAttempt(%d) = %q, want %q", in, got, want)
		}
	}
}
