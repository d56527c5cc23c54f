// Package flutterwave talks to the Flutterwave v3 REST API: hosted payment
// links, transaction verification, refunds and webhook authentication.
package flutterwave

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradepost/checkout/internal/circuitbreaker"
	"github.com/tradepost/checkout/internal/config"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/httputil"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/payments"
)

const (
	providerName   = "flutterwave"
	defaultBaseURL = "https://api.flutterwave.com"
	defaultTimeout = 15 * time.Second

	// StatusSuccessful is the only transaction status that proves payment.
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

// Client is a Flutterwave API client.
type Client struct {
	cfg     config.FlutterwaveConfig
	http    *resty.Client
	breaker *circuitbreaker.Manager
	metrics *metrics.Metrics
}

// NewClient builds a client. A missing secret key yields a client whose
// calls fail with not_configured.
func NewClient(cfg config.FlutterwaveConfig, breaker *circuitbreaker.Manager, metricsCollector *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.NewWithClient(httputil.NewClient(timeout)).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		breaker: breaker,
		metrics: metricsCollector,
	}
}

// Configured reports whether a secret key is present.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.SecretKey != ""
}

// envelope is the common Flutterwave response wrapper.
type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// Transaction is the verify-endpoint view of a charge.
type Transaction struct {
	ID       int64           `json:"id"`
	TxRef    string          `json:"tx_ref"`
	FlwRef   string          `json:"flw_ref"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
	Meta     map[string]any  `json:"meta"`
}

// Customer identifies the payer on a hosted payment page.
type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// InitializeRequest starts a hosted payment for one currency group.
type InitializeRequest struct {
	TxRef    string
	Amount   money.Money
	Customer Customer
	Metadata map[string]string
}

// HostedPayment is the hosted checkout link returned by Flutterwave.
type HostedPayment struct {
	TxRef string
	Link  string
}

type initializeBody struct {
	TxRef       string            `json:"tx_ref"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Customer    Customer          `json:"customer"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// InitializePayment creates a hosted payment link. Amount is sent in major units.
func (c *Client) InitializePayment(ctx context.Context, req InitializeRequest) (HostedPayment, error) {
	if !c.Configured() {
		return HostedPayment{}, payments.NotConfigured(providerName)
	}
	if req.TxRef == "" || !req.Amount.IsPositive() {
		return HostedPayment{}, apierrors.New(apierrors.ErrCodeInvalidField, "tx_ref and a positive amount are required")
	}
	if req.Customer.Email == "" {
		return HostedPayment{}, apierrors.New(apierrors.ErrCodeMissingField, "customer email is required")
	}

	body := initializeBody{
		TxRef:       req.TxRef,
		Amount:      req.Amount.ToMajor(),
		Currency:    req.Amount.Asset.Code,
		RedirectURL: c.cfg.RedirectURL,
		Customer:    req.Customer,
		Meta:        req.Metadata,
	}
	var out envelope[struct {
		Link string `json:"link"`
	}]
	if err := c.do(ctx, "initialize", resty.MethodPost, "/v3/payments", body, &out); err != nil {
		return HostedPayment{}, err
	}
	if out.Data.Link == "" {
		return HostedPayment{}, apierrors.New(apierrors.ErrCodeGatewayError, "flutterwave returned no payment link")
	}
	return HostedPayment{TxRef: req.TxRef, Link: out.Data.Link}, nil
}

// VerifyTransaction fetches the gateway's own record of a transaction.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	if !c.Configured() {
		return Transaction{}, payments.NotConfigured(providerName)
	}
	var out envelope[Transaction]
	path := fmt.Sprintf("/v3/transactions/%s/verify", transactionID)
	if err := c.do(ctx, "verify", resty.MethodGet, path, nil, &out); err != nil {
		return Transaction{}, err
	}
	return out.Data, nil
}

// Verify checks a gateway transaction against the expected tx_ref, currency
// and minimum amount. exp.Reference is the gateway transaction id.
func (c *Client) Verify(ctx context.Context, exp payments.Expectation) (payments.Verification, error) {
	if !c.Configured() {
		return payments.Verification{}, payments.NotConfigured(providerName)
	}
	id := strings.TrimSpace(exp.Reference)
	if id == "" {
		return payments.Rejected(apierrors.ErrCodeMissingPayment, "transaction id required"), nil
	}

	tx, err := c.VerifyTransaction(ctx, id)
	if err != nil {
		if apierrors.CodeOf(err) == apierrors.ErrCodeNotFound {
			return payments.Rejected(apierrors.ErrCodePaymentNotVerified, "transaction not found"), nil
		}
		return payments.Verification{}, err
	}

	observed, convErr := toMinor(tx.Amount, tx.Currency, exp.Amount.Asset)
	if convErr != nil {
		return payments.Rejected(apierrors.ErrCodeAmountMismatch, convErr.Error()), nil
	}
	return payments.Judge(exp, payments.Observation{
		Status:        tx.Status,
		SuccessStatus: StatusSuccessful,
		Reference:     tx.TxRef,
		Currency:      tx.Currency,
		Amount:        observed,
	}), nil
}

// Refund issues a partial refund. req.Reference is the gateway transaction id.
func (c *Client) Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	if !c.Configured() {
		return payments.RefundResult{}, payments.NotConfigured(providerName)
	}
	if !req.Amount.IsPositive() {
		return payments.RefundResult{}, apierrors.New(apierrors.ErrCodeInvalidField, "refund amount must be positive")
	}

	body := map[string]string{"amount": req.Amount.ToMajor()}
	if req.Reason != "" {
		body["comments"] = req.Reason
	}
	var out envelope[struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}]
	path := fmt.Sprintf("/v3/transactions/%s/refund", req.Reference)
	if err := c.do(ctx, "refund", resty.MethodPost, path, body, &out); err != nil {
		return payments.RefundResult{}, err
	}
	return payments.RefundResult{
		RefundID: fmt.Sprintf("%d", out.Data.ID),
		Status:   out.Data.Status,
	}, nil
}

// do sends a request through the breaker. A 404 maps to not_found and does
// not count against the breaker.
func (c *Client) do(ctx context.Context, operation, method, path string, body, result interface{}) error {
	start := time.Now()
	log := logger.FromContext(ctx)

	_, err := circuitbreaker.Call(c.breaker, circuitbreaker.ServiceFlutterwave, func() (struct{}, error) {
		req := c.http.R().SetContext(ctx).SetResult(result).SetError(result)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode() >= 500 {
			return struct{}{}, fmt.Errorf("flutterwave %s: status %d", operation, resp.StatusCode())
		}
		return struct{}{}, nil
	})
	if err == nil {
		err = c.checkStatus(operation, result)
	}
	if err != nil {
		err = payments.External(apierrors.ErrCodeGatewayError, providerName, err)
		log.Warn().Err(err).Str("operation", operation).Msg("flutterwave.request_failed")
	}
	c.metrics.ObserveProviderCall(providerName, operation, time.Since(start), err)
	return err
}

// statusCarrier exposes the envelope status without knowing its payload.
type statusCarrier interface {
	envelopeStatus() (string, string)
}

func (e *envelope[T]) envelopeStatus() (string, string) { return e.Status, e.Message }

func (c *Client) checkStatus(operation string, result interface{}) error {
	carrier, ok := result.(statusCarrier)
	if !ok {
		return nil
	}
	status, message := carrier.envelopeStatus()
	if strings.EqualFold(status, "success") {
		return nil
	}
	lower := strings.ToLower(message)
	if strings.Contains(lower, "no transaction") || strings.Contains(lower, "not found") {
		return apierrors.Newf(apierrors.ErrCodeNotFound, "flutterwave %s: %s", operation, message)
	}
	return apierrors.Newf(apierrors.ErrCodeGatewayError, "flutterwave %s: %s", operation, firstNonEmpty(message, status, "empty response"))
}

// toMinor converts a major-unit gateway amount using the observed currency's
// exponent, falling back to the expected asset for unknown codes. Fractions
// below one minor unit are dropped.
func toMinor(amount decimal.Decimal, currency string, fallback money.Asset) (int64, error) {
	asset, err := money.GetAsset(currency)
	if err != nil {
		asset = fallback
	}
	m, err := money.ObservedFromDecimal(asset, amount)
	if err != nil {
		return 0, err
	}
	return m.Minor, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
