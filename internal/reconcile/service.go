// Package reconcile applies provider webhooks to payment records and orders.
// Webhooks are authenticated, deduplicated through the ledger and re-verified
// against the provider before anything is written. Inventory is never touched.
package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tradepost/checkout/internal/callbacks"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/flutterwave"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/payments"
	"github.com/tradepost/checkout/internal/storage"
	"github.com/tradepost/checkout/internal/stripe"
)

// Store is the persistence the reconciler needs.
type Store interface {
	storage.CartStore
	storage.OrderStore
	storage.LedgerStore
}

// StripeSource authenticates and decodes card-rail webhooks.
type StripeSource interface {
	payments.Verifier
	ParseWebhook(payload []byte, signature string) (stripe.WebhookEvent, error)
}

// FlutterwaveSource authenticates gateway webhooks.
type FlutterwaveSource interface {
	payments.Verifier
	VerifySignature(header http.Header, body []byte) error
}

// Outcome describes what an acknowledged webhook did.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"    // Event type or status not acted on
	OutcomeUnmatched  Outcome = "unmatched"  // No cart holds the reference
	OutcomeUnverified Outcome = "unverified" // Provider did not confirm on re-check
	OutcomeFailed     Outcome = "failed"     // Processing error; the claim is released for redelivery
)

// Ack is returned for every accepted webhook, duplicates included.
type Ack struct {
	EventID   string  `json:"eventId"`
	Outcome   Outcome `json:"outcome"`
	Duplicate bool    `json:"duplicate,omitempty"`
}

// Service reconciles provider webhooks.
type Service struct {
	store         Store
	stripe        StripeSource
	flutterwave   FlutterwaveSource
	notifier      callbacks.Notifier
	metrics       *metrics.Metrics
	verifyTimeout time.Duration
	staleClaim    time.Duration
	now           func() time.Time
}

// defaultStaleClaim is how long a processing claim blocks redeliveries before
// it is treated as abandoned by a crashed worker.
const defaultStaleClaim = 5 * time.Minute

// NewService builds a reconciler. A nil source leaves that webhook route
// reporting not configured.
func NewService(store Store, stripeSource StripeSource, flutterwaveSource FlutterwaveSource, notifier callbacks.Notifier, metricsCollector *metrics.Metrics, verifyTimeout time.Duration) *Service {
	if notifier == nil {
		notifier = callbacks.NoopNotifier{}
	}
	if verifyTimeout <= 0 {
		verifyTimeout = 10 * time.Second
	}
	return &Service{
		store:         store,
		stripe:        stripeSource,
		flutterwave:   flutterwaveSource,
		notifier:      notifier,
		metrics:       metricsCollector,
		verifyTimeout: verifyTimeout,
		staleClaim:    defaultStaleClaim,
		now:           time.Now,
	}
}

// payment is a provider notification normalized across rails.
type payment struct {
	provider      storage.Provider
	verifier      payments.Verifier
	eventID       string
	reference     string // Stored reference: intent id or tx_ref
	lookup        string // Provider lookup key: intent id or transaction id
	transactionID string
	cartHint      string
	currency      string
	amount        money.Money // As reported by the event; used only without a stored record
}

// HandleStripe authenticates and applies a Stripe webhook.
func (s *Service) HandleStripe(ctx context.Context, payload []byte, signature string) (Ack, error) {
	source := string(storage.ProviderStripe)
	if s.stripe == nil {
		return Ack{}, payments.NotConfigured("stripe webhooks")
	}

	event, err := s.stripe.ParseWebhook(payload, signature)
	if err != nil {
		s.reject(ctx, source, err)
		return Ack{}, err
	}

	if dup, err := s.claim(ctx, source, event.ID, event.Type, event.IntentID); err != nil || dup {
		return s.claimed(source, event.ID, dup, err)
	}

	p := payment{
		provider:  storage.ProviderStripe,
		verifier:  s.stripe,
		eventID:   event.ID,
		reference: event.IntentID,
		lookup:    event.IntentID,
		cartHint:  event.CartID,
		currency:  event.Currency,
	}
	if asset, err := money.GetAsset(event.Currency); err == nil {
		p.amount = money.New(asset, event.Amount)
	}

	outcome := OutcomeIgnored
	switch event.Type {
	case stripe.EventPaymentSucceeded:
		outcome, err = s.confirm(ctx, p)
	case stripe.EventPaymentFailed:
		outcome, err = s.markFailed(ctx, p)
	}
	return s.finish(ctx, source, event.ID, outcome, err)
}

// HandleFlutterwave authenticates and applies a Flutterwave webhook.
func (s *Service) HandleFlutterwave(ctx context.Context, header http.Header, body []byte) (Ack, error) {
	source := string(storage.ProviderFlutterwave)
	if s.flutterwave == nil {
		return Ack{}, payments.NotConfigured("flutterwave webhooks")
	}

	if err := s.flutterwave.VerifySignature(header, body); err != nil {
		s.reject(ctx, source, err)
		return Ack{}, err
	}
	event, err := flutterwave.ParseWebhook(body)
	if err != nil {
		s.reject(ctx, source, err)
		return Ack{}, err
	}

	if dup, err := s.claim(ctx, source, event.ID, event.Type, event.TxRef); err != nil || dup {
		return s.claimed(source, event.ID, dup, err)
	}

	p := payment{
		provider:      storage.ProviderFlutterwave,
		verifier:      s.flutterwave,
		eventID:       event.ID,
		reference:     event.TxRef,
		lookup:        event.TransactionID,
		transactionID: event.TransactionID,
		cartHint:      event.CartID,
		currency:      money.NormalizeCode(event.Currency),
	}
	if asset, err := money.GetAsset(event.Currency); err == nil {
		if amount, err := money.ObservedFromDecimal(asset, event.Amount); err == nil {
			p.amount = amount
		}
	}

	outcome := OutcomeIgnored
	if event.Type == flutterwave.EventChargeCompleted && event.TxRef != "" {
		switch event.Status {
		case flutterwave.StatusSuccessful:
			outcome, err = s.confirm(ctx, p)
		case flutterwave.StatusFailed:
			outcome, err = s.markFailed(ctx, p)
		}
	}
	return s.finish(ctx, source, event.ID, outcome, err)
}

// claim writes a processing ledger entry. A completed event is reported as a
// duplicate; one still held by another delivery is refused so the provider
// retries later.
func (s *Service) claim(ctx context.Context, source, eventID, eventType, reference string) (bool, error) {
	now := s.now().UTC()
	err := s.store.ClaimWebhookEvent(ctx, storage.WebhookEvent{
		Source:     source,
		EventID:    eventID,
		EventType:  eventType,
		Reference:  reference,
		ReceivedAt: now,
		ClaimedAt:  now,
	}, s.staleClaim)

	log := logger.FromContext(ctx)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, storage.ErrDuplicateEvent):
		log.Info().
			Str("source", source).
			Str("event_id", eventID).
			Msg("reconcile.duplicate_event")
		return true, nil
	case errors.Is(err, storage.ErrEventInProgress):
		log.Info().
			Str("source", source).
			Str("event_id", eventID).
			Msg("reconcile.event_in_progress")
		return false, apierrors.New(apierrors.ErrCodeDuplicateRequest, "webhook event is already being processed")
	default:
		log.Error().
			Err(err).
			Str("source", source).
			Str("event_id", eventID).
			Msg("reconcile.ledger_failed")
		return false, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "record webhook event", err)
	}
}

func (s *Service) claimed(source, eventID string, dup bool, err error) (Ack, error) {
	if err != nil {
		s.metrics.ObserveWebhookReceived(source, "ledger_error")
		return Ack{}, err
	}
	ack := s.ack(source, eventID, OutcomeDuplicate)
	ack.Duplicate = dup
	return ack, nil
}

// finish completes the ledger entry, or releases it when processing failed so
// the provider's redelivery is applied instead of acknowledged as a duplicate.
func (s *Service) finish(ctx context.Context, source, eventID string, outcome Outcome, err error) (Ack, error) {
	log := logger.FromContext(ctx)
	// The ledger write must land even when the request is being torn down.
	lctx := context.WithoutCancel(ctx)

	if err != nil {
		if relErr := s.store.ReleaseWebhookEvent(lctx, source, eventID); relErr != nil {
			log.Error().
				Err(relErr).
				Str("source", source).
				Str("event_id", eventID).
				Msg("reconcile.ledger_release_failed")
		}
		s.metrics.ObserveWebhookReceived(source, string(OutcomeFailed))
		return Ack{}, err
	}

	if err := s.store.CompleteWebhookEvent(lctx, source, eventID); err != nil {
		// The stale claim lets a redelivery re-apply the same idempotent writes.
		log.Error().
			Err(err).
			Str("source", source).
			Str("event_id", eventID).
			Msg("reconcile.ledger_complete_failed")
	}
	return s.ack(source, eventID, outcome), nil
}

func (s *Service) ack(source, eventID string, outcome Outcome) Ack {
	s.metrics.ObserveWebhookReceived(source, string(outcome))
	return Ack{EventID: eventID, Outcome: outcome}
}

func (s *Service) reject(ctx context.Context, source string, err error) {
	outcome := "rejected"
	if apierrors.CodeOf(err) == apierrors.ErrCodeInvalidSignature {
		outcome = "invalid_signature"
	}
	s.metrics.ObserveWebhookReceived(source, outcome)
	log := logger.FromContext(ctx)
	log.Warn().
		Err(err).
		Str("source", source).
		Msg("reconcile.webhook_rejected")
}

// locate finds the cart holding the reference, falling back to the cart id
// carried in provider metadata.
func (s *Service) locate(ctx context.Context, p payment) (storage.Cart, bool, error) {
	cart, err := s.store.FindCartByPaymentReference(ctx, p.provider, p.reference)
	if err == nil {
		return cart, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Cart{}, false, err
	}
	if p.cartHint == "" {
		return storage.Cart{}, false, nil
	}
	cart, err = s.store.GetCart(ctx, p.cartHint)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Cart{}, false, nil
	}
	if err != nil {
		return storage.Cart{}, false, err
	}
	return cart, true, nil
}

// confirm re-verifies a reported success, marks the record succeeded and
// confirms payment on every order that references it. A returned error means
// nothing conclusive happened and the event should be redelivered.
func (s *Service) confirm(ctx context.Context, p payment) (Outcome, error) {
	log := logger.FromContext(ctx).With().
		Str("source", string(p.provider)).
		Str("event_id", p.eventID).
		Str("reference", logger.TruncateReference(p.reference)).
		Logger()

	cart, ok, err := s.locate(ctx, p)
	if err != nil {
		log.Error().Err(err).Msg("reconcile.cart_lookup_failed")
		return OutcomeFailed, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "locate cart", err)
	}
	if !ok {
		log.Warn().Str("cart_hint", p.cartHint).Msg("reconcile.unmatched_reference")
		return OutcomeUnmatched, nil
	}
	log = log.With().Str("cart_id", cart.ID).Logger()

	rec, hasRecord := cart.PaymentByReference(p.provider, p.reference)
	expected := p.amount
	if hasRecord {
		asset, err := money.GetAsset(rec.Currency)
		if err != nil {
			log.Error().Err(err).Msg("reconcile.record_currency_unknown")
			return OutcomeUnverified, nil
		}
		expected = money.New(asset, rec.Amount)
	}
	if expected.Asset.Code == "" {
		log.Warn().Str("currency", p.currency).Msg("reconcile.amount_unknown")
		return OutcomeUnverified, nil
	}

	expectedRef := p.reference
	if p.provider == storage.ProviderStripe {
		expectedRef = cart.ID
	}
	vctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	v, err := p.verifier.Verify(vctx, payments.Expectation{
		Reference:         p.lookup,
		ExpectedReference: expectedRef,
		Amount:            expected,
	})
	cancel()
	switch {
	case err != nil:
		log.Error().Err(err).Msg("reconcile.verify_failed")
		return OutcomeFailed, err
	case !v.OK:
		log.Warn().
			Str("code", string(v.Code)).
			Str("reason", v.Reason).
			Msg("reconcile.verify_rejected")
		return OutcomeUnverified, nil
	}

	if hasRecord {
		err = s.store.SetPaymentRecordStatus(ctx, cart.ID, p.provider, p.reference, storage.PaymentStatusSucceeded)
	} else {
		err = s.store.UpsertPaymentRecord(ctx, cart.ID, storage.PaymentRecord{
			Provider:      p.provider,
			Currency:      expected.Asset.Code,
			Reference:     p.reference,
			TransactionID: p.transactionID,
			Amount:        expected.Minor,
			Status:        storage.PaymentStatusSucceeded,
			LastUpdated:   s.now().UTC(),
		})
	}
	if err != nil {
		log.Error().Err(err).Msg("reconcile.record_update_failed")
		return OutcomeFailed, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "update payment record", err)
	}

	orders, err := s.store.MarkOrdersPaid(ctx, p.provider, p.reference)
	if err != nil {
		log.Error().Err(err).Msg("reconcile.orders_update_failed")
		return OutcomeFailed, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "confirm orders", err)
	}

	log.Info().Int("orders_updated", orders).Msg("reconcile.payment_confirmed")
	s.notifier.Notify(ctx, callbacks.Event{
		EventType: callbacks.EventPaymentConfirmed,
		UserID:    cart.UserID,
		CartID:    cart.ID,
		Provider:  string(p.provider),
		Currency:  expected.Asset.Code,
		Reference: p.reference,
		Amount:    v.ObservedAmount,
		Metadata: map[string]string{
			"webhook_event_id": p.eventID,
			"orders_updated":   strconv.Itoa(orders),
		},
	})
	return OutcomeProcessed, nil
}

// markFailed flags a pending record as failed. Verified or succeeded records
// are left alone; a failed attempt can precede a successful one.
func (s *Service) markFailed(ctx context.Context, p payment) (Outcome, error) {
	log := logger.FromContext(ctx).With().
		Str("source", string(p.provider)).
		Str("event_id", p.eventID).
		Str("reference", logger.TruncateReference(p.reference)).
		Logger()

	cart, ok, err := s.locate(ctx, p)
	if err != nil {
		log.Error().Err(err).Msg("reconcile.cart_lookup_failed")
		return OutcomeFailed, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "locate cart", err)
	}
	if !ok {
		return OutcomeUnmatched, nil
	}
	rec, hasRecord := cart.PaymentByReference(p.provider, p.reference)
	if !hasRecord {
		return OutcomeUnmatched, nil
	}
	if rec.Status != storage.PaymentStatusPending {
		return OutcomeIgnored, nil
	}

	if err := s.store.SetPaymentRecordStatus(ctx, cart.ID, p.provider, p.reference, storage.PaymentStatusFailed); err != nil {
		log.Error().Err(err).Msg("reconcile.record_update_failed")
		return OutcomeFailed, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "update payment record", err)
	}
	log.Info().Str("cart_id", cart.ID).Msg("reconcile.payment_failed")
	return OutcomeProcessed, nil
}
