package callbacks

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tradepost/checkout/internal/config"
	"github.com/tradepost/checkout/internal/httputil"
)

// Event types broadcast to the notification endpoint.
const (
	EventOrderCompleted             = "order.completed"
	EventOrderPartiallyCompleted    = "order.partially_completed"
	EventOrderCancelled             = "order.cancelled"
	EventOrderMaterializationFailed = "order.materialization_failed"
	EventOrderMaterialized          = "order.materialized"
	EventRefundSubmitted            = "refund.submitted"
	EventRefundFailed               = "refund.failed"
	EventPaymentConfirmed           = "payment.confirmed"
)

const (
	defaultContentType     = "application/json"
	defaultCallbackTimeout = 10 * time.Second
)

// Notifier broadcasts checkout lifecycle events. Delivery is best effort and
// never blocks or fails the caller.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Event) {}

// Event is the payload posted for every checkout outcome.
// EventID is the idempotency key; receivers MUST dedupe on it.
type Event struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	OrderID   string            `json:"orderId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	CartID    string            `json:"cartId,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	Reference string            `json:"reference,omitempty"`
	Amount    int64             `json:"amount,omitempty"` // Minor units of Currency
	RefundID  string            `json:"refundId,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrCallbackDisabled is returned when no callback URL is configured.
var ErrCallbackDisabled = errors.New("callbacks: disabled")

// generateEventID returns "evt_" followed by 24 hex characters.
func generateEventID() string {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return "evt_" + hex.EncodeToString(randomBytes)
}

// PrepareEvent fills the idempotency fields. An existing EventID is kept so
// retries of the same event share it.
func PrepareEvent(event *Event) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
}

// SendOnce posts a single event without retries.
func SendOnce(ctx context.Context, cfg config.CallbacksConfig, event Event) error {
	if cfg.URL == "" {
		return ErrCallbackDisabled
	}

	PrepareEvent(&event)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}

	return post(ctx, httputil.NewClient(timeout), cfg.URL, cfg.Headers, payload)
}

// post sends one JSON payload and treats any status >= 400 as failure.
func post(ctx context.Context, client *http.Client, url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", defaultContentType)
	for k, v := range headers {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, url)
	}
	return nil
}
