// Package checkout turns a user's cart into a settled order. Payment evidence
// for every currency group is verified before any inventory is touched; lines
// that cannot be fulfilled afterwards are refunded per group.
package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/tradepost/checkout/internal/callbacks"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/flutterwave"
	"github.com/tradepost/checkout/internal/idempotency"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/payments"
	"github.com/tradepost/checkout/internal/storage"
	"github.com/tradepost/checkout/internal/stripe"
)

// IntentCreator creates card-rail payment intents.
type IntentCreator interface {
	CreatePaymentIntent(ctx context.Context, req stripe.CreateIntentRequest) (stripe.Intent, error)
}

// HostedPaymentCreator creates regional-gateway hosted payment links.
type HostedPaymentCreator interface {
	InitializePayment(ctx context.Context, req flutterwave.InitializeRequest) (flutterwave.HostedPayment, error)
}

// Providers are the settlement rails. A nil rail is reported as not configured.
type Providers struct {
	Stripe            payments.Provider
	StripeIntents     IntentCreator
	Flutterwave       payments.Provider
	FlutterwaveHosted HostedPaymentCreator
	Chain             payments.Verifier
}

// Config tunes the orchestrator.
type Config struct {
	VerifyTimeout     time.Duration // Deadline for each provider call
	OutboxMaxAttempts int
	StorageBackend    string // Metrics label only
}

// Service runs checkouts.
type Service struct {
	cfg       Config
	store     storage.Store
	guard     *idempotency.Guard
	providers Providers
	notifier  callbacks.Notifier
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService constructs a checkout service.
func NewService(cfg Config, store storage.Store, guard *idempotency.Guard, providers Providers, notifier callbacks.Notifier, metricsCollector *metrics.Metrics) *Service {
	if notifier == nil {
		notifier = callbacks.NoopNotifier{}
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "memory"
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		guard:     guard,
		providers: providers,
		notifier:  notifier,
		metrics:   metricsCollector,
		now:       time.Now,
	}
}

// settlement binds one currency group to the evidence that pays for it.
type settlement struct {
	group        CurrencyGroup
	detail       PaymentDetail
	provider     storage.Provider
	rail         payments.Provider
	verification payments.Verification
}

// lookupRef is the key the provider is queried and refunded by.
func (st settlement) lookupRef() string {
	if st.provider == storage.ProviderFlutterwave {
		return st.detail.TransactionID
	}
	return st.detail.PaymentIntentID
}

// recordRef is the reference stored on the PaymentRecord and order.
func (st settlement) recordRef() string {
	if st.provider == storage.ProviderFlutterwave {
		return st.detail.TxRef
	}
	return st.detail.PaymentIntentID
}

// expectedRef is the merchant reference the provider must echo back. Intents
// carry the cart id in metadata; gateway transactions carry the tx_ref.
func (st settlement) expectedRef(cartID string) string {
	if st.provider == storage.ProviderFlutterwave {
		return st.detail.TxRef
	}
	return cartID
}

// Checkout validates, verifies and settles a checkout request. An error means
// nothing was mutated apart from payment records; a Result means inventory
// was applied and an order exists or is queued.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	start := s.now()

	method, err := req.Validate()
	if err != nil {
		s.metrics.ObserveCheckout("invalid", "rejected", s.now().Sub(start))
		return Result{}, err
	}

	log := logger.FromContext(ctx).With().
		Str("user_id", req.UserID).
		Str("payment_method", string(method)).
		Logger()
	ctx = logger.WithContext(ctx, log)

	key := s.guard.Key(req.UserID, string(method), req.Discriminator(method))
	if err := s.guard.Claim(ctx, key); err != nil {
		if apierrors.CodeOf(err) == apierrors.ErrCodeDuplicateRequest {
			s.metrics.ObserveDuplicate(string(method))
			log.Info().Msg("checkout.duplicate_request")
		}
		s.metrics.ObserveCheckout(string(method), "rejected", s.now().Sub(start))
		return Result{}, err
	}

	result, err := s.run(ctx, method, req)
	if err != nil {
		// Nothing was settled; let the client retry inside the same bucket.
		if relErr := s.guard.Release(context.WithoutCancel(ctx), key); relErr != nil {
			log.Warn().Err(relErr).Msg("checkout.guard_release_failed")
		}
		log.Info().
			Str("code", string(apierrors.CodeOf(err))).
			Err(err).
			Msg("checkout.rejected")
		s.metrics.ObserveCheckout(string(method), "rejected", s.now().Sub(start))
		return Result{}, err
	}

	s.metrics.ObserveCheckout(string(method), string(result.Status), s.now().Sub(start))
	return result, nil
}

// run returns an error only before inventory is touched.
func (s *Service) run(ctx context.Context, method payments.Method, req Request) (Result, error) {
	cart, plan, err := s.loadPlan(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}

	settlements, err := s.matchEvidence(method, plan, cart, req.fiatDetails())
	if err != nil {
		return Result{}, err
	}

	chainDetail, hasChain := req.chainDetail()
	switch {
	case len(plan.UniqueLines) > 0 && !hasChain:
		return Result{}, apierrors.New(apierrors.ErrCodeMissingPayment, "unique assets require an on-chain transaction hash")
	case hasChain && len(plan.UniqueLines) == 0:
		return Result{}, invalid("paymentDetails.transactionHash", "cart has no unique assets to settle on-chain")
	case hasChain && s.providers.Chain == nil:
		return Result{}, payments.NotConfigured("chain")
	}

	if err := s.verifyFiat(ctx, cart.ID, settlements); err != nil {
		return Result{}, err
	}
	if hasChain {
		if err := s.verifyChain(ctx, chainDetail); err != nil {
			return Result{}, err
		}
	}

	// Every group is verified. From here the checkout runs to completion even
	// if the client goes away.
	ctx = context.WithoutCancel(ctx)

	orderID := storage.NewID("ord")
	if err := s.consume(ctx, orderID, req.UserID, cart.ID, settlements, chainDetail, hasChain); err != nil {
		return Result{}, err
	}
	return s.settle(ctx, orderID, method, req.UserID, cart, plan, settlements, chainDetail, hasChain), nil
}

// consume binds every verified reference to orderID before inventory moves,
// so a payment settles at most one order however often it is resubmitted.
// On any failure the references taken so far are released.
func (s *Service) consume(ctx context.Context, orderID, userID, cartID string, settlements []settlement, chainDetail PaymentDetail, hasChain bool) error {
	claims := make([]storage.ConsumedPayment, 0, len(settlements)+1)
	for _, st := range settlements {
		claims = append(claims, storage.ConsumedPayment{Provider: st.provider, Reference: st.recordRef()})
	}
	if hasChain {
		claims = append(claims, storage.ConsumedPayment{Provider: storage.ProviderChain, Reference: chainDetail.TransactionHash})
	}

	now := s.now().UTC()
	for _, claim := range claims {
		claim.OrderID = orderID
		claim.UserID = userID
		claim.CartID = cartID
		claim.ConsumedAt = now

		err := s.store.ConsumePayment(ctx, claim)
		if err == nil {
			continue
		}

		log := logger.FromContext(ctx)
		if relErr := s.store.ReleasePayments(ctx, orderID); relErr != nil {
			log.Error().Err(relErr).Str("order_id", orderID).Msg("checkout.payment_release_failed")
		}
		if errors.Is(err, storage.ErrPaymentConsumed) {
			log.Warn().
				Str("provider", string(claim.Provider)).
				Str("reference", logger.TruncateReference(claim.Reference)).
				Msg("checkout.payment_already_used")
			return apierrors.Newf(apierrors.ErrCodePaymentAlreadyUsed, "%s payment has already settled another order", claim.Provider).
				WithDetail("provider", string(claim.Provider))
		}
		return apierrors.Wrap(apierrors.ErrCodeDatabaseError, "consume payment reference", err)
	}
	return nil
}

// loadPlan reads the user's cart and catalog entries and groups the lines.
func (s *Service) loadPlan(ctx context.Context, userID string) (storage.Cart, Plan, error) {
	cart, err := s.store.GetCartByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Cart{}, Plan{}, apierrors.New(apierrors.ErrCodeCartNotFound, "cart not found")
		}
		return storage.Cart{}, Plan{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load cart", err)
	}
	if len(cart.Items) == 0 {
		return storage.Cart{}, Plan{}, apierrors.New(apierrors.ErrCodeEmptyCart, "cart is empty")
	}

	products, err := s.store.GetProducts(ctx, productIDs(cart.Items))
	if err != nil {
		return storage.Cart{}, Plan{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load products", err)
	}

	plan, err := GroupLines(cart.Items, products)
	if err != nil {
		return storage.Cart{}, Plan{}, err
	}
	return cart, plan, nil
}

// rail resolves the provider behind a fiat method.
func (s *Service) rail(method payments.Method) (payments.Provider, storage.Provider, money.Rail) {
	switch method {
	case payments.MethodStripe:
		return s.providers.Stripe, storage.ProviderStripe, money.RailStripe
	case payments.MethodFlutterwave:
		return s.providers.Flutterwave, storage.ProviderFlutterwave, money.RailFlutterwave
	default:
		return nil, "", 0
	}
}

// matchEvidence pairs every fiat group with exactly one payment detail. A
// detail is matched by its declared currency, then by a pending record
// already stored on the cart, then as the only detail for the only group.
func (s *Service) matchEvidence(method payments.Method, plan Plan, cart storage.Cart, details []PaymentDetail) ([]settlement, error) {
	if len(plan.Groups) == 0 {
		if len(details) > 0 {
			return nil, invalid("paymentDetails", "cart has no fiat-priced lines")
		}
		return nil, nil
	}
	if method == payments.MethodOnchain {
		return nil, apierrors.New(apierrors.ErrCodeMissingPayment, "cart contains fiat-priced lines; pay them with stripe or flutterwave")
	}

	provider, providerName, rail := s.rail(method)
	if provider == nil {
		return nil, payments.NotConfigured(string(method))
	}

	used := make([]bool, len(details))
	settlements := make([]settlement, 0, len(plan.Groups))
	for _, group := range plan.Groups {
		if !group.Asset.Rails.Has(rail) {
			return nil, apierrors.Newf(apierrors.ErrCodeValidation, "%s cannot settle %s", method, group.Asset.Code).
				WithDetail("currency", group.Asset.Code)
		}
		idx := findEvidence(group, details, used, cart, providerName, len(plan.Groups) == 1)
		if idx < 0 {
			return nil, apierrors.Newf(apierrors.ErrCodeMissingPayment, "no payment evidence for %s", group.Asset.Code).
				WithDetail("currency", group.Asset.Code)
		}
		used[idx] = true
		settlements = append(settlements, settlement{
			group:    group,
			detail:   details[idx],
			provider: providerName,
			rail:     provider,
		})
	}
	for i, ok := range used {
		if !ok {
			return nil, invalid("paymentDetails", "evidence does not match any cart currency").WithDetail("index", i)
		}
	}
	return settlements, nil
}

func findEvidence(group CurrencyGroup, details []PaymentDetail, used []bool, cart storage.Cart, provider storage.Provider, onlyGroup bool) int {
	for i, d := range details {
		if !used[i] && d.Currency != "" && money.SameCurrency(d.Currency, group.Asset.Code) {
			return i
		}
	}
	for i, d := range details {
		if used[i] || d.Currency != "" {
			continue
		}
		ref := d.PaymentIntentID
		if provider == storage.ProviderFlutterwave {
			ref = d.TxRef
		}
		if rec, ok := cart.PaymentByReference(provider, ref); ok && money.SameCurrency(rec.Currency, group.Asset.Code) {
			return i
		}
	}
	if onlyGroup && len(details) == 1 && !used[0] && details[0].Currency == "" {
		return 0
	}
	return -1
}

// verifyFiat verifies every group and persists its PaymentRecord whatever the
// outcome. A provider error leaves the record pending; a negative verdict
// marks it failed.
func (s *Service) verifyFiat(ctx context.Context, cartID string, settlements []settlement) error {
	log := logger.FromContext(ctx)
	var verifyErr, persistErr error

	for i := range settlements {
		st := &settlements[i]

		vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
		v, err := st.rail.Verify(vctx, payments.Expectation{
			Reference:         st.lookupRef(),
			ExpectedReference: st.expectedRef(cartID),
			Amount:            st.group.Subtotal,
		})
		cancel()
		st.verification = v

		rec := storage.PaymentRecord{
			Provider:      st.provider,
			Currency:      st.group.Asset.Code,
			Reference:     st.recordRef(),
			TransactionID: st.detail.TransactionID,
			Amount:        st.group.Subtotal.Minor,
			LastUpdated:   s.now().UTC(),
		}

		var groupErr error
		switch {
		case err != nil:
			rec.Status = storage.PaymentStatusPending
			groupErr = err
			s.metrics.ObserveVerification(string(st.provider), string(apierrors.CodeOf(err)))
		case !v.OK:
			rec.Status = storage.PaymentStatusFailed
			groupErr = rejection(st.provider, st.group.Asset.Code, v)
			s.metrics.ObserveVerification(string(st.provider), string(v.Code))
		default:
			rec.Status = storage.PaymentStatusVerified
			s.metrics.ObserveVerification(string(st.provider), "verified")
		}

		if groupErr != nil {
			log.Warn().
				Err(groupErr).
				Str("provider", string(st.provider)).
				Str("currency", st.group.Asset.Code).
				Str("reference", logger.TruncateReference(rec.Reference)).
				Msg("checkout.verify.failed")
			if verifyErr == nil {
				verifyErr = groupErr
			}
		}

		if err := s.store.UpsertPaymentRecord(context.WithoutCancel(ctx), cartID, rec); err != nil {
			log.Error().
				Err(err).
				Str("provider", string(st.provider)).
				Str("reference", logger.TruncateReference(rec.Reference)).
				Msg("checkout.payment_record.persist_failed")
			if persistErr == nil {
				persistErr = apierrors.Wrap(apierrors.ErrCodeDatabaseError, "persist payment record", err)
			}
		}
	}

	if verifyErr != nil {
		return verifyErr
	}
	return persistErr
}

// verifyChain checks the receipt covering every unique-asset line.
func (s *Service) verifyChain(ctx context.Context, detail PaymentDetail) error {
	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()

	v, err := s.providers.Chain.Verify(vctx, payments.Expectation{
		Reference: detail.TransactionHash,
		Network:   detail.Network,
	})
	switch {
	case err != nil:
		s.metrics.ObserveVerification(string(storage.ProviderChain), string(apierrors.CodeOf(err)))
		return err
	case !v.OK:
		s.metrics.ObserveVerification(string(storage.ProviderChain), string(v.Code))
		log := logger.FromContext(ctx)
		log.Warn().
			Str("tx_hash", logger.TruncateReference(detail.TransactionHash)).
			Str("code", string(v.Code)).
			Msg("checkout.verify.chain_failed")
		return rejection(storage.ProviderChain, "", v)
	default:
		s.metrics.ObserveVerification(string(storage.ProviderChain), "verified")
		return nil
	}
}

// settle applies inventory, materializes the order, trims the cart and
// compensates failed fiat lines. It never fails; problems surface on the
// Result.
func (s *Service) settle(ctx context.Context, orderID string, method payments.Method, userID string, cart storage.Cart, plan Plan, settlements []settlement, chainDetail PaymentDetail, hasChain bool) Result {
	log := logger.FromContext(ctx)
	inv := inventory{store: s.store, backend: s.cfg.StorageBackend, metrics: s.metrics}

	var processed, failed []lineOutcome
	manualReview := false
	failedByCurrency := make(map[string][]Line)

	for _, st := range settlements {
		for _, line := range st.group.Lines {
			out := inv.decrement(ctx, line)
			if out.OK {
				processed = append(processed, out)
				continue
			}
			failed = append(failed, out)
			failedByCurrency[st.group.Asset.Code] = append(failedByCurrency[st.group.Asset.Code], line)
			if out.Code == apierrors.ErrCodeDatabaseError {
				manualReview = true
			}
		}
	}

	// On-chain transfers cannot be refunded here, so any miss goes to an operator.
	for _, line := range plan.UniqueLines {
		out := inv.markSold(ctx, line)
		if out.OK {
			processed = append(processed, out)
			continue
		}
		failed = append(failed, out)
		manualReview = true
	}

	order := s.buildOrder(orderID, method, userID, cart.ID, processed, failed, settlements, chainDetail, hasChain)
	pending := s.materialize(ctx, order)

	s.trimCart(ctx, cart.ID, processed, failed)

	var refunds []Refund
	for _, st := range settlements {
		lines := failedByCurrency[st.group.Asset.Code]
		if len(lines) == 0 {
			continue
		}
		refund := s.compensate(ctx, order, st, lines)
		refunds = append(refunds, refund)
		if refund.Status != storage.CompensationSubmitted {
			manualReview = true
		}
	}

	result := Result{
		OrderID:        order.ID,
		Status:         order.Status,
		ProcessedItems: lineResults(processed),
		FailedItems:    lineResults(failed),
		Refunds:        refunds,
		ManualReview:   manualReview,
		OrderPending:   pending,
	}

	if manualReview {
		log.Error().
			Str("order_id", order.ID).
			Int("failed_items", len(failed)).
			Msg("checkout.manual_review_required")
	}
	log.Info().
		Str("order_id", order.ID).
		Str("status", string(order.Status)).
		Int("processed_items", len(processed)).
		Int("failed_items", len(failed)).
		Bool("order_pending", pending).
		Msg("checkout.settled")

	s.notifyOrder(ctx, order, result)
	return result
}

// buildOrder snapshots processed lines and the verified evidence.
func (s *Service) buildOrder(orderID string, method payments.Method, userID, cartID string, processed, failed []lineOutcome, settlements []settlement, chainDetail PaymentDetail, hasChain bool) storage.Order {
	now := s.now().UTC()
	order := storage.Order{
		ID:            orderID,
		UserID:        userID,
		CartID:        cartID,
		Items:         make([]storage.OrderItem, 0, len(processed)),
		Totals:        make(map[string]int64),
		PaymentMethod: string(method),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, o := range processed {
		line := o.Line
		order.Items = append(order.Items, storage.OrderItem{
			ProductID:     line.Item.ProductID,
			Name:          line.Product.Name,
			Quantity:      line.Item.Quantity,
			UnitPrice:     line.Product.Price,
			Currency:      line.Total.Asset.Code,
			IsUniqueAsset: line.Product.IsUniqueAsset,
		})
		order.Totals[line.Total.Asset.Code] += line.Total.Minor
	}

	for _, st := range settlements {
		order.PaymentDetails = append(order.PaymentDetails, storage.PaymentDetail{
			Provider:      st.provider,
			Currency:      st.group.Asset.Code,
			Reference:     st.recordRef(),
			TransactionID: st.detail.TransactionID,
			Amount:        st.verification.ObservedAmount,
			Status:        storage.PaymentStatusVerified,
		})
	}
	if hasChain {
		order.PaymentDetails = append(order.PaymentDetails, storage.PaymentDetail{
			Provider:  storage.ProviderChain,
			Reference: chainDetail.TransactionHash,
			Network:   chainDetail.Network,
			Status:    storage.PaymentStatusVerified,
		})
	}

	switch {
	case len(failed) == 0:
		order.Status = storage.OrderStatusCompleted
	case len(processed) == 0:
		order.Status = storage.OrderStatusCancelled
	default:
		order.Status = storage.OrderStatusPartiallyCompleted
	}
	return order
}

// trimCart empties the cart on full success, otherwise removes only the
// processed lines so failed ones stay for a retry.
func (s *Service) trimCart(ctx context.Context, cartID string, processed, failed []lineOutcome) {
	log := logger.FromContext(ctx)

	if len(failed) == 0 {
		if err := s.store.ClearCartItems(ctx, cartID); err != nil {
			log.Error().Err(err).Str("cart_id", cartID).Msg("checkout.cart.clear_failed")
		}
		return
	}

	keep := make(map[string]struct{}, len(failed))
	for _, o := range failed {
		keep[o.Line.Item.ProductID] = struct{}{}
	}
	var remove []string
	for _, o := range processed {
		if _, ok := keep[o.Line.Item.ProductID]; !ok {
			remove = append(remove, o.Line.Item.ProductID)
		}
	}
	if len(remove) == 0 {
		return
	}
	if err := s.store.RemoveCartItems(ctx, cartID, remove); err != nil {
		log.Error().Err(err).Str("cart_id", cartID).Msg("checkout.cart.remove_failed")
	}
}

func (s *Service) notifyOrder(ctx context.Context, order storage.Order, result Result) {
	eventType := callbacks.EventOrderCompleted
	switch order.Status {
	case storage.OrderStatusPartiallyCompleted:
		eventType = callbacks.EventOrderPartiallyCompleted
	case storage.OrderStatusCancelled:
		eventType = callbacks.EventOrderCancelled
	}

	metadata := map[string]string{
		"payment_method": order.PaymentMethod,
	}
	if result.ManualReview {
		metadata["manual_review"] = "true"
	}
	if result.OrderPending {
		metadata["order_pending"] = "true"
	}

	s.notifier.Notify(ctx, callbacks.Event{
		EventType: eventType,
		OrderID:   order.ID,
		UserID:    order.UserID,
		CartID:    order.CartID,
		Metadata:  metadata,
	})
}

// GetOrder returns an order owned by userID.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (storage.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Order{}, apierrors.New(apierrors.ErrCodeOrderNotFound, "order not found")
		}
		return storage.Order{}, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "load order", err)
	}
	if order.UserID != userID {
		// Same answer as a missing order so ids cannot be enumerated.
		return storage.Order{}, apierrors.New(apierrors.ErrCodeOrderNotFound, "order not found")
	}
	return order, nil
}

func rejection(provider storage.Provider, currency string, v payments.Verification) error {
	code := v.Code
	if code == "" {
		code = apierrors.ErrCodePaymentNotVerified
	}
	reason := v.Reason
	if reason == "" {
		reason = "payment could not be verified"
	}
	err := apierrors.New(code, reason).WithDetail("provider", string(provider))
	if currency != "" {
		err = err.WithDetail("currency", currency)
	}
	return err
}
