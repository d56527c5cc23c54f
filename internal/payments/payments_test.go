package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/money"
)

func TestJudge(t *testing.T) {
	usd := money.MustGetAsset("USD")
	exp := Expectation{ExpectedReference: "tx-1", Amount: money.New(usd, 2500)}
	ok := Observation{Status: "successful", SuccessStatus: "successful", Reference: "tx-1", Currency: "usd", Amount: 2500}

	tests := []struct {
		name   string
		mutate func(*Observation)
		wantOK bool
		code   apierrors.ErrorCode
	}{
		{name: "exact match", mutate: func(*Observation) {}, wantOK: true},
		{name: "overpaid", mutate: func(o *Observation) { o.Amount = 2600 }, wantOK: true},
		{name: "status case insensitive", mutate: func(o *Observation) { o.Status = "SUCCESSFUL" }, wantOK: true},
		{name: "pending", mutate: func(o *Observation) { o.Status = "pending" }, code: apierrors.ErrCodePaymentNotVerified},
		{name: "wrong reference", mutate: func(o *Observation) { o.Reference = "tx-2" }, code: apierrors.ErrCodeReferenceMismatch},
		{name: "wrong currency", mutate: func(o *Observation) { o.Currency = "NGN" }, code: apierrors.ErrCodeCurrencyMismatch},
		// $10 + $15 cart, provider reports $5.
		{name: "underpaid", mutate: func(o *Observation) { o.Amount = 500 }, code: apierrors.ErrCodeAmountMismatch},
		{name: "status checked first", mutate: func(o *Observation) { o.Status = "failed"; o.Amount = 1 }, code: apierrors.ErrCodePaymentNotVerified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := ok
			tt.mutate(&obs)
			got := Judge(exp, obs)
			if got.OK != tt.wantOK {
				t.Fatalf("OK = %v, want %v (%s)", got.OK, tt.wantOK, got.Reason)
			}
			if got.Code != tt.code {
				t.Errorf("Code = %q, want %q", got.Code, tt.code)
			}
			if got.ObservedAmount != obs.Amount {
				t.Errorf("ObservedAmount = %d, want %d", got.ObservedAmount, obs.Amount)
			}
		})
	}
}

func TestJudge_EmptyExpectedReferenceSkipsCheck(t *testing.T) {
	exp := Expectation{Amount: money.New(money.MustGetAsset("EUR"), 100)}
	got := Judge(exp, Observation{Status: "succeeded", SuccessStatus: "succeeded", Reference: "anything", Currency: "eur", Amount: 100})
	if !got.OK {
		t.Fatalf("expected OK, got %+v", got)
	}
}

func TestParseMethod(t *testing.T) {
	for _, raw := range []string{"stripe", " Flutterwave ", "ONCHAIN"} {
		if _, err := ParseMethod(raw); err != nil {
			t.Errorf("ParseMethod(%q) error = %v", raw, err)
		}
	}
	_, err := ParseMethod("paypal")
	if apierrors.CodeOf(err) != apierrors.ErrCodeInvalidMethod {
		t.Fatalf("ParseMethod(paypal) code = %q", apierrors.CodeOf(err))
	}
}

func TestExternal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apierrors.ErrorCode
	}{
		{name: "provider error keeps code", err: errors.New("500 from gateway"), want: apierrors.ErrCodeGatewayError},
		{name: "breaker open", err: gobreaker.ErrOpenState, want: apierrors.ErrCodeExternalService},
		{name: "deadline", err: fmt.Errorf("verify: %w", context.DeadlineExceeded), want: apierrors.ErrCodeExternalService},
		{name: "already typed", err: NotConfigured("flutterwave"), want: apierrors.ErrCodeNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := External(apierrors.ErrCodeGatewayError, "flutterwave", tt.err)
			if apierrors.CodeOf(got) != tt.want {
				t.Fatalf("code = %q, want %q", apierrors.CodeOf(got), tt.want)
			}
			if !errors.Is(got, tt.err) && tt.want != apierrors.ErrCodeNotConfigured {
				t.Errorf("error chain lost original: %v", got)
			}
		})
	}
	if External(apierrors.ErrCodeGatewayError, "x", nil) != nil {
		t.Error("External(nil) should be nil")
	}
}
