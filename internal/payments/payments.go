// Package payments defines the contract every provider verification adapter
// satisfies, and the single rule set used to judge provider observations
// against the amounts the server recomputed itself.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sony/gobreaker"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/money"
)

// Method is the paymentMethod a client selects at checkout.
type Method string

const (
	MethodStripe      Method = "stripe"
	MethodFlutterwave Method = "flutterwave"
	MethodOnchain     Method = "onchain"
)

// ParseMethod normalizes a client-supplied method name.
func ParseMethod(raw string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(raw))); m {
	case MethodStripe, MethodFlutterwave, MethodOnchain:
		return m, nil
	default:
		return "", apierrors.Newf(apierrors.ErrCodeInvalidMethod, "unsupported payment method %q", raw)
	}
}

// Expectation is what the server expects a provider to confirm.
type Expectation struct {
	// Reference is the provider lookup key: intent id, gateway transaction id
	// or transaction hash.
	Reference string
	// ExpectedReference is the merchant reference the payment must carry
	// (gateway tx_ref). Empty skips the check.
	ExpectedReference string
	// Amount is the recomputed group subtotal. Zero for on-chain receipts.
	Amount money.Money
	// Network selects the chain RPC endpoint for on-chain receipts.
	Network string
}

// Verification is the normalized verified-amount/currency/status triple.
type Verification struct {
	OK               bool
	ObservedAmount   int64 // Minor units
	ObservedCurrency string
	ObservedStatus   string
	// ObservedReference is what the provider reported as the merchant reference.
	ObservedReference string
	// Code explains a negative result.
	Code   apierrors.ErrorCode
	Reason string
}

// Verifier checks proof of payment with a provider. A negative outcome is a
// Verification with OK=false; the error return is reserved for provider
// outages and missing configuration.
type Verifier interface {
	Verify(ctx context.Context, exp Expectation) (Verification, error)
}

// RefundRequest asks a provider to return part of a captured payment.
type RefundRequest struct {
	Reference      string // Intent id or gateway transaction id
	Amount         money.Money
	Reason         string
	IdempotencyKey string
}

// RefundResult is the provider's acknowledgment of a refund.
type RefundResult struct {
	RefundID string
	Status   string
}

// Refunder issues partial refunds against a captured payment.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Provider is a fiat rail able to both verify and refund.
type Provider interface {
	Verifier
	Refunder
}

// Observation is the raw provider view before judging.
type Observation struct {
	Status        string
	SuccessStatus string
	Reference     string
	Currency      string
	Amount        int64
}

// Judge applies the acceptance rules in order: status, reference, currency,
// then observed amount >= expected. The first failing rule decides the code.
func Judge(exp Expectation, obs Observation) Verification {
	v := Verification{
		ObservedAmount:    obs.Amount,
		ObservedCurrency:  money.NormalizeCode(obs.Currency),
		ObservedStatus:    obs.Status,
		ObservedReference: obs.Reference,
	}

	switch {
	case !strings.EqualFold(obs.Status, obs.SuccessStatus):
		v.Code = apierrors.ErrCodePaymentNotVerified
		v.Reason = fmt.Sprintf("provider status %q, want %q", obs.Status, obs.SuccessStatus)
	case exp.ExpectedReference != "" && obs.Reference != exp.ExpectedReference:
		v.Code = apierrors.ErrCodeReferenceMismatch
		v.Reason = "payment reference does not match"
	case !money.SameCurrency(obs.Currency, exp.Amount.Asset.Code):
		v.Code = apierrors.ErrCodeCurrencyMismatch
		v.Reason = fmt.Sprintf("paid in %s, expected %s", v.ObservedCurrency, exp.Amount.Asset.Code)
	case obs.Amount < exp.Amount.Minor:
		v.Code = apierrors.ErrCodeAmountMismatch
		v.Reason = fmt.Sprintf("paid %d, expected at least %d", obs.Amount, exp.Amount.Minor)
	default:
		v.OK = true
	}
	return v
}

// Rejected returns a negative verification carrying code and reason.
func Rejected(code apierrors.ErrorCode, reason string) Verification {
	return Verification{Code: code, Reason: reason}
}

// NotConfigured is returned by adapters whose credentials are absent.
func NotConfigured(provider string) error {
	return apierrors.Newf(apierrors.ErrCodeNotConfigured, "%s is not configured", provider)
}

// External classifies a failed provider call. Breaker rejections and
// deadlines become external_service_error; other failures keep the
// provider-specific code.
func External(code apierrors.ErrorCode, provider string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = apierrors.ErrCodeExternalService
	}
	return apierrors.Wrap(code, provider+" request failed", err)
}
