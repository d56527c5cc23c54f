package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/tradepost/checkout/internal/circuitbreaker"
	"github.com/tradepost/checkout/internal/config"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/payments"
)

const providerName = "stripe"

// Client wraps the stripe-go operations the checkout engine needs: payment
// intents, refunds and webhook signature checks.
type Client struct {
	cfg     config.StripeConfig
	api     *client.API
	breaker *circuitbreaker.Manager
	metrics *metrics.Metrics
}

// NewClient sets up stripe-go with the provided credentials. backends may be
// nil to use the public Stripe API.
func NewClient(cfg config.StripeConfig, backends *stripeapi.Backends, breaker *circuitbreaker.Manager, metricsCollector *metrics.Metrics) *Client {
	c := &Client{
		cfg:     cfg,
		breaker: breaker,
		metrics: metricsCollector,
	}
	if cfg.SecretKey != "" {
		c.api = &client.API{}
		c.api.Init(cfg.SecretKey, backends)
	}
	return c
}

// Configured reports whether a secret key is present.
func (c *Client) Configured() bool {
	return c != nil && c.api != nil
}

// CreateIntentRequest describes a payment intent for one currency group.
type CreateIntentRequest struct {
	Amount         money.Money
	CartID         string
	UserID         string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the subset of a payment intent returned to clients.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
}

// CreatePaymentIntent creates an intent for amount in minor units.
func (c *Client) CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if !c.Configured() {
		return Intent{}, payments.NotConfigured(providerName)
	}
	if !req.Amount.IsPositive() {
		return Intent{}, apierrors.New(apierrors.ErrCodeInvalidField, "intent amount must be positive")
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:             stripeapi.Int64(req.Amount.Minor),
		Currency:           stripeapi.String(req.Amount.Asset.StripeCurrency()),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	for k, v := range convertMetadata(req.Metadata, req.CartID, req.UserID) {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := call(c, "create_intent", func() (*stripeapi.PaymentIntent, error) {
		return c.api.PaymentIntents.New(params)
	})
	if err != nil {
		return Intent{}, err
	}
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     money.NormalizeCode(string(pi.Currency)),
		Status:       string(pi.Status),
	}, nil
}

// Verify retrieves the payment intent named by exp.Reference and requires
// status succeeded, a matching currency and amount >= expected. When
// exp.ExpectedReference is set it must equal the intent's cart_id metadata.
func (c *Client) Verify(ctx context.Context, exp payments.Expectation) (payments.Verification, error) {
	if !c.Configured() {
		return payments.Verification{}, payments.NotConfigured(providerName)
	}
	if strings.TrimSpace(exp.Reference) == "" {
		return payments.Rejected(apierrors.ErrCodeMissingPayment, "payment intent id required"), nil
	}

	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := call(c, "retrieve_intent", func() (*stripeapi.PaymentIntent, error) {
		return c.api.PaymentIntents.Get(exp.Reference, params)
	})
	if err != nil {
		if isResourceMissing(err) {
			return payments.Rejected(apierrors.ErrCodePaymentNotVerified, "payment intent not found"), nil
		}
		return payments.Verification{}, err
	}

	observed := pi.AmountReceived
	if observed == 0 {
		observed = pi.Amount
	}
	return payments.Judge(exp, payments.Observation{
		Status:        string(pi.Status),
		SuccessStatus: string(stripeapi.PaymentIntentStatusSucceeded),
		Reference:     pi.Metadata["cart_id"],
		Currency:      string(pi.Currency),
		Amount:        observed,
	}), nil
}

// Refund issues a partial refund against a payment intent.
func (c *Client) Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	if !c.Configured() {
		return payments.RefundResult{}, payments.NotConfigured(providerName)
	}
	if !req.Amount.IsPositive() {
		return payments.RefundResult{}, apierrors.New(apierrors.ErrCodeInvalidField, "refund amount must be positive")
	}

	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.Reference),
		Amount:        stripeapi.Int64(req.Amount.Minor),
		Reason:        stripeapi.String(string(stripeapi.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := call(c, "refund", func() (*stripeapi.Refund, error) {
		return c.api.Refunds.New(params)
	})
	if err != nil {
		return payments.RefundResult{}, err
	}
	return payments.RefundResult{RefundID: r.ID, Status: string(r.Status)}, nil
}

// call runs fn behind the stripe breaker and records its latency.
func call[T any](c *Client, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := circuitbreaker.Call(c.breaker, circuitbreaker.ServiceStripe, fn)
	if err != nil && !isResourceMissing(err) {
		err = payments.External(apierrors.ErrCodeStripeError, providerName, err)
	}
	c.metrics.ObserveProviderCall(providerName, operation, time.Since(start), err)
	return out, err
}

func isResourceMissing(err error) bool {
	var stripeErr *stripeapi.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripeapi.ErrorCodeResourceMissing
}

// WebhookEvent is a verified Stripe event reduced to what reconciliation needs.
type WebhookEvent struct {
	ID        string
	Type      string
	IntentID  string
	CartID    string
	Status    string
	Amount    int64
	Currency  string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Event types the reconciler acts on.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// ParseWebhook validates the Stripe-Signature header over the raw body and
// normalises the payload.
func (c *Client) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if c == nil || c.cfg.WebhookSecret == "" {
		return WebhookEvent{}, payments.NotConfigured("stripe webhooks")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, apierrors.Wrap(apierrors.ErrCodeInvalidSignature, "stripe signature rejected", err)
	}

	out := WebhookEvent{
		ID:        event.ID,
		Type:      event.Type,
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	if !strings.HasPrefix(event.Type, "payment_intent.") || event.Data == nil {
		return out, nil
	}

	var pi stripeapi.PaymentIntent
	if err := jsonExtract(event.Data.Raw, &pi); err != nil {
		return WebhookEvent{}, err
	}
	out.IntentID = pi.ID
	out.Status = string(pi.Status)
	out.Amount = pi.Amount
	out.Currency = money.NormalizeCode(string(pi.Currency))
	out.Metadata = pi.Metadata
	if pi.Metadata != nil {
		out.CartID = firstNonEmpty(pi.Metadata["cart_id"], pi.Metadata["cartId"])
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// convertMetadata copies caller metadata and stamps the cart and user ids
// the reconciler later uses as a fallback lookup hint.
func convertMetadata(metadata map[string]string, cartID, userID string) map[string]string {
	out := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	if out["cart_id"] == "" && cartID != "" {
		out["cart_id"] = cartID
	}
	if out["user_id"] == "" && userID != "" {
		out["user_id"] = userID
	}
	return out
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("stripe: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	return nil
}
