package checkout

import (
	"context"
	"strings"
	"testing"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/storage"
)

func TestCreateStripeIntent(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("print", 2000, "EUR", 5))
	h.seedCart(t, item("shirt", 3), item("print", 1))

	session, err := h.svc.CreateStripeIntent(context.Background(), SessionRequest{UserID: testUserID, Currency: "usd"})
	if err != nil {
		t.Fatalf("CreateStripeIntent() error = %v", err)
	}
	if session.Reference != "pi_created" || session.ClientSecret == "" {
		t.Errorf("session = %+v", session)
	}
	if session.Amount != 3000 || session.Currency != "USD" {
		t.Errorf("session amount = %d %s, want 3000 USD", session.Amount, session.Currency)
	}
	if h.intents.last.CartID != testCartID || h.intents.last.Amount.Minor != 3000 {
		t.Errorf("intent request = %+v", h.intents.last)
	}
	firstKey := h.intents.last.IdempotencyKey
	if !strings.HasPrefix(firstKey, testCartID+":USD:sess_") {
		t.Errorf("IdempotencyKey = %q, want cart and currency scoped session key", firstKey)
	}

	rec, ok := h.cart(t).PaymentFor(storage.ProviderStripe, "USD")
	if !ok || rec.Reference != "pi_created" || rec.Status != storage.PaymentStatusPending || rec.Amount != 3000 {
		t.Errorf("payment record = %+v, ok=%v", rec, ok)
	}

	// Checking out the same total again must not get the earlier intent back.
	if _, err := h.svc.CreateStripeIntent(context.Background(), SessionRequest{UserID: testUserID, Currency: "usd"}); err != nil {
		t.Fatalf("second CreateStripeIntent() error = %v", err)
	}
	if h.intents.last.IdempotencyKey == firstKey {
		t.Errorf("second session reused idempotency key %q", firstKey)
	}
}

func TestInitializeFlutterwave(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("kente", 4500, "GHS", 5))
	h.seedCart(t, item("kente", 2))

	session, err := h.svc.InitializeFlutterwave(context.Background(), SessionRequest{
		UserID:   testUserID,
		Currency: "GHS",
		Email:    "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("InitializeFlutterwave() error = %v", err)
	}
	if !strings.HasPrefix(session.Reference, "tx_") || session.Link == "" {
		t.Errorf("session = %+v", session)
	}
	if session.Amount != 9000 {
		t.Errorf("session amount = %d, want 9000", session.Amount)
	}
	if h.hosted.last.Metadata["cart_id"] != testCartID || h.hosted.last.Customer.Email != "buyer@example.com" {
		t.Errorf("initialize request = %+v", h.hosted.last)
	}

	rec, ok := h.cart(t).PaymentByReference(storage.ProviderFlutterwave, session.Reference)
	if !ok || rec.Currency != "GHS" || rec.Status != storage.PaymentStatusPending {
		t.Errorf("payment record = %+v, ok=%v", rec, ok)
	}
}

func TestPaymentSessions_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		create   func(*Service, context.Context, SessionRequest) (PaymentSession, error)
		req      SessionRequest
		wantCode apierrors.ErrorCode
	}{
		{
			name:     "currency not in cart",
			create:   (*Service).CreateStripeIntent,
			req:      SessionRequest{UserID: testUserID, Currency: "EUR"},
			wantCode: apierrors.ErrCodeValidation,
		},
		{
			name:     "card rail cannot charge GHS",
			create:   (*Service).CreateStripeIntent,
			req:      SessionRequest{UserID: testUserID, Currency: "GHS"},
			wantCode: apierrors.ErrCodeValidation,
		},
		{
			name:     "gateway cannot charge CAD",
			create:   (*Service).InitializeFlutterwave,
			req:      SessionRequest{UserID: testUserID, Currency: "CAD"},
			wantCode: apierrors.ErrCodeValidation,
		},
		{
			name:     "malformed currency",
			create:   (*Service).CreateStripeIntent,
			req:      SessionRequest{UserID: testUserID, Currency: "US1"},
			wantCode: apierrors.ErrCodeValidation,
		},
		{
			name:     "bad email",
			create:   (*Service).InitializeFlutterwave,
			req:      SessionRequest{UserID: testUserID, Currency: "GHS", Email: "not-an-email"},
			wantCode: apierrors.ErrCodeValidation,
		},
		{
			name:     "no cart",
			create:   (*Service).CreateStripeIntent,
			req:      SessionRequest{UserID: "user-2", Currency: "USD"},
			wantCode: apierrors.ErrCodeCartNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedProducts(t,
				priced("shirt", 1000, "USD", 5),
				priced("kente", 4500, "GHS", 5),
				priced("maple", 700, "CAD", 5),
			)
			h.seedCart(t, item("shirt", 1), item("kente", 1), item("maple", 1))

			_, err := tt.create(h.svc, context.Background(), tt.req)
			wantCode(t, err, tt.wantCode)
		})
	}
}

func TestPaymentSessions_NotConfigured(t *testing.T) {
	h := newHarness(t)
	h.svc.providers.StripeIntents = nil
	h.svc.providers.FlutterwaveHosted = nil

	_, err := h.svc.CreateStripeIntent(context.Background(), SessionRequest{UserID: testUserID, Currency: "USD"})
	wantCode(t, err, apierrors.ErrCodeNotConfigured)
	_, err = h.svc.InitializeFlutterwave(context.Background(), SessionRequest{UserID: testUserID, Currency: "USD"})
	wantCode(t, err, apierrors.ErrCodeNotConfigured)
}
