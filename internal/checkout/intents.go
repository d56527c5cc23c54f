package checkout

import (
	"context"
	"fmt"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/flutterwave"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/payments"
	"github.com/tradepost/checkout/internal/storage"
	"github.com/tradepost/checkout/internal/stripe"
)

// SessionRequest asks for a provider payment covering one currency group of
// the user's cart.
type SessionRequest struct {
	UserID   string `json:"-" validate:"required,max=128"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Name     string `json:"name,omitempty" validate:"omitempty,max=128"`
}

// PaymentSession is what the client needs to complete payment with the
// provider before calling Checkout.
type PaymentSession struct {
	Provider     storage.Provider `json:"provider"`
	Reference    string           `json:"reference"` // Intent id or tx_ref
	ClientSecret string           `json:"clientSecret,omitempty"`
	Link         string           `json:"link,omitempty"`
	Currency     string           `json:"currency"`
	Amount       int64            `json:"amount"` // Recomputed subtotal, minor units
}

// CreateStripeIntent creates a payment intent for the group subtotal and
// stores a pending PaymentRecord for it.
func (s *Service) CreateStripeIntent(ctx context.Context, req SessionRequest) (PaymentSession, error) {
	if s.providers.StripeIntents == nil {
		return PaymentSession{}, payments.NotConfigured("stripe")
	}
	cart, group, err := s.sessionGroup(ctx, req, money.RailStripe, payments.MethodStripe)
	if err != nil {
		return PaymentSession{}, err
	}

	intent, err := s.providers.StripeIntents.CreatePaymentIntent(ctx, stripe.CreateIntentRequest{
		Amount: group.Subtotal,
		CartID: cart.ID,
		UserID: req.UserID,
		// Fresh per session. Reusing a key would hand back an intent that may
		// already have paid for an earlier order.
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", cart.ID, group.Asset.Code, storage.NewID("sess")),
	})
	if err != nil {
		return PaymentSession{}, err
	}

	session := PaymentSession{
		Provider:     storage.ProviderStripe,
		Reference:    intent.ID,
		ClientSecret: intent.ClientSecret,
		Currency:     group.Asset.Code,
		Amount:       group.Subtotal.Minor,
	}
	return session, s.recordPending(ctx, cart.ID, session)
}

// InitializeFlutterwave creates a hosted payment link for the group subtotal
// and stores a pending PaymentRecord keyed by the generated tx_ref.
func (s *Service) InitializeFlutterwave(ctx context.Context, req SessionRequest) (PaymentSession, error) {
	if s.providers.FlutterwaveHosted == nil {
		return PaymentSession{}, payments.NotConfigured("flutterwave")
	}
	cart, group, err := s.sessionGroup(ctx, req, money.RailFlutterwave, payments.MethodFlutterwave)
	if err != nil {
		return PaymentSession{}, err
	}

	hosted, err := s.providers.FlutterwaveHosted.InitializePayment(ctx, flutterwave.InitializeRequest{
		TxRef:  storage.NewID("tx"),
		Amount: group.Subtotal,
		Customer: flutterwave.Customer{
			Email: req.Email,
			Name:  req.Name,
		},
		Metadata: map[string]string{
			"cart_id": cart.ID,
			"user_id": req.UserID,
		},
	})
	if err != nil {
		return PaymentSession{}, err
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("tx_ref", hosted.TxRef).
		Str("currency", group.Asset.Code).
		Str("customer", logger.RedactEmail(req.Email)).
		Msg("checkout.flutterwave_initialized")

	session := PaymentSession{
		Provider:  storage.ProviderFlutterwave,
		Reference: hosted.TxRef,
		Link:      hosted.Link,
		Currency:  group.Asset.Code,
		Amount:    group.Subtotal.Minor,
	}
	return session, s.recordPending(ctx, cart.ID, session)
}

func (s *Service) sessionGroup(ctx context.Context, req SessionRequest, rail money.Rail, method payments.Method) (storage.Cart, CurrencyGroup, error) {
	if err := validate.Struct(req); err != nil {
		return storage.Cart{}, CurrencyGroup{}, validationError(err)
	}

	cart, plan, err := s.loadPlan(ctx, req.UserID)
	if err != nil {
		return storage.Cart{}, CurrencyGroup{}, err
	}
	group, ok := plan.Group(req.Currency)
	if !ok {
		return storage.Cart{}, CurrencyGroup{}, apierrors.Newf(apierrors.ErrCodeValidation, "cart has no %s-priced lines", money.NormalizeCode(req.Currency))
	}
	if !group.Asset.Rails.Has(rail) {
		return storage.Cart{}, CurrencyGroup{}, apierrors.Newf(apierrors.ErrCodeValidation, "%s cannot settle %s", method, group.Asset.Code)
	}
	return cart, group, nil
}

func (s *Service) recordPending(ctx context.Context, cartID string, session PaymentSession) error {
	err := s.store.UpsertPaymentRecord(ctx, cartID, storage.PaymentRecord{
		Provider:    session.Provider,
		Currency:    session.Currency,
		Reference:   session.Reference,
		Amount:      session.Amount,
		Status:      storage.PaymentStatusPending,
		LastUpdated: s.now().UTC(),
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("provider", string(session.Provider)).
			Str("reference", logger.TruncateReference(session.Reference)).
			Msg("checkout.session.persist_failed")
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "persist payment record", err)
	}
	return nil
}
