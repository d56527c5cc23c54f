package flutterwave

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/payments"
)

// Webhook signature headers.
const (
	HeaderVerifHash = "verif-hash"
	HeaderSignature = "flutterwave-signature"
)

// EventChargeCompleted is sent for every finished charge, successful or not.
const EventChargeCompleted = "charge.completed"

// WebhookEvent is an authenticated Flutterwave notification.
type WebhookEvent struct {
	ID            string // Dedup key: event type plus transaction id
	Type          string
	TransactionID string
	TxRef         string
	Status        string
	Amount        decimal.Decimal
	Currency      string
	CartID        string
}

type webhookPayload struct {
	Event     string `json:"event"`
	EventType string `json:"event.type"`
	Data      struct {
		ID       json.Number     `json:"id"`
		TxRef    string          `json:"tx_ref"`
		Status   string          `json:"status"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Meta     map[string]any  `json:"meta"`
	} `json:"data"`
	MetaData map[string]any `json:"meta_data"`
}

// VerifySignature authenticates a webhook. The verif-hash header must equal
// the configured secret; when it is absent, flutterwave-signature must carry
// base64(HMAC-SHA256(body, secret)).
func (c *Client) VerifySignature(header http.Header, body []byte) error {
	if c == nil || c.cfg.WebhookHash == "" {
		return payments.NotConfigured("flutterwave webhooks")
	}
	secret := []byte(c.cfg.WebhookHash)

	if hash := header.Get(HeaderVerifHash); hash != "" {
		if subtle.ConstantTimeCompare([]byte(hash), secret) == 1 {
			return nil
		}
		return apierrors.New(apierrors.ErrCodeInvalidSignature, "verif-hash mismatch")
	}

	sig := header.Get(HeaderSignature)
	if sig == "" {
		return apierrors.New(apierrors.ErrCodeInvalidSignature, "missing webhook signature")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return apierrors.New(apierrors.ErrCodeInvalidSignature, "flutterwave-signature mismatch")
	}
	return nil
}

// ParseWebhook decodes an authenticated webhook body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var payload webhookPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return WebhookEvent{}, apierrors.Wrap(apierrors.ErrCodeValidation, "malformed flutterwave webhook", err)
	}

	eventType := firstNonEmpty(payload.Event, payload.EventType)
	txID := payload.Data.ID.String()
	if eventType == "" || txID == "" {
		return WebhookEvent{}, apierrors.New(apierrors.ErrCodeValidation, "flutterwave webhook missing event or transaction id")
	}
	if _, err := strconv.ParseInt(txID, 10, 64); err != nil {
		return WebhookEvent{}, apierrors.Newf(apierrors.ErrCodeValidation, "flutterwave webhook transaction id %q is not numeric", txID)
	}

	return WebhookEvent{
		ID:            fmt.Sprintf("%s:%s", eventType, txID),
		Type:          eventType,
		TransactionID: txID,
		TxRef:         payload.Data.TxRef,
		Status:        payload.Data.Status,
		Amount:        payload.Data.Amount,
		Currency:      payload.Data.Currency,
		CartID:        firstNonEmpty(metaString(payload.Data.Meta, "cart_id"), metaString(payload.MetaData, "cart_id")),
	}, nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	switch v := meta[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
