package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/tradepost/checkout/internal/callbacks"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/payments"
	"github.com/tradepost/checkout/internal/storage"
)

func stripeRequest(details ...PaymentDetail) Request {
	return Request{UserID: testUserID, PaymentMethod: "stripe", PaymentDetails: details}
}

func TestCheckout_StripeSingleCurrency(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("mug", 1500, "USD", 5))
	h.seedCart(t, item("shirt", 1), item("mug", 1))

	result, err := h.svc.Checkout(context.Background(), stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if result.Status != storage.OrderStatusCompleted {
		t.Errorf("Status = %s, want completed", result.Status)
	}
	if len(result.ProcessedItems) != 2 || len(result.FailedItems) != 0 {
		t.Errorf("processed=%d failed=%d, want 2/0", len(result.ProcessedItems), len(result.FailedItems))
	}
	if result.ManualReview || result.OrderPending {
		t.Errorf("unexpected flags: %+v", result)
	}

	calls := h.stripe.verifyCalls()
	if len(calls) != 1 {
		t.Fatalf("verify calls = %d, want 1", len(calls))
	}
	if calls[0].Reference != "pi_1" || calls[0].ExpectedReference != testCartID || calls[0].Amount.Minor != 2500 {
		t.Errorf("expectation = %+v", calls[0])
	}

	if got := *h.product(t, "shirt").Stock; got != 4 {
		t.Errorf("shirt stock = %d, want 4", got)
	}

	order, err := h.svc.GetOrder(context.Background(), testUserID, result.OrderID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.Totals["USD"] != 2500 {
		t.Errorf("order USD total = %d, want 2500", order.Totals["USD"])
	}
	if len(order.PaymentDetails) != 1 || order.PaymentDetails[0].Reference != "pi_1" {
		t.Errorf("payment details = %+v", order.PaymentDetails)
	}

	cart := h.cart(t)
	if len(cart.Items) != 0 {
		t.Errorf("cart items = %d, want 0", len(cart.Items))
	}
	rec, ok := cart.PaymentFor(storage.ProviderStripe, "USD")
	if !ok || rec.Status != storage.PaymentStatusVerified || rec.Reference != "pi_1" {
		t.Errorf("payment record = %+v, ok=%v", rec, ok)
	}

	if !h.notifier.has(callbacks.EventOrderCompleted) {
		t.Errorf("events = %v, want %s", h.notifier.types(), callbacks.EventOrderCompleted)
	}
}

func TestCheckout_FlutterwaveReferences(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("cloth", 500000, "NGN", 5))
	h.seedCart(t, item("cloth", 2))

	req := Request{UserID: testUserID, PaymentMethod: "flutterwave", PaymentDetails: PaymentDetails{{TxRef: "tx_1", TransactionID: "9001"}}}
	result, err := h.svc.Checkout(context.Background(), req)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if result.Status != storage.OrderStatusCompleted {
		t.Errorf("Status = %s, want completed", result.Status)
	}

	calls := h.flw.verifyCalls()
	if len(calls) != 1 || calls[0].Reference != "9001" || calls[0].ExpectedReference != "tx_1" {
		t.Fatalf("expectations = %+v", calls)
	}
	if calls[0].Amount.Minor != 1000000 {
		t.Errorf("expected amount = %d, want 1000000", calls[0].Amount.Minor)
	}

	rec, ok := h.cart(t).PaymentFor(storage.ProviderFlutterwave, "NGN")
	if !ok || rec.Reference != "tx_1" || rec.TransactionID != "9001" {
		t.Errorf("payment record = %+v, ok=%v", rec, ok)
	}
}

func TestCheckout_MultiCurrency(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("print", 2000, "EUR", 5))
	h.seedCart(t, item("shirt", 1), item("print", 1))

	result, err := h.svc.Checkout(context.Background(), stripeRequest(
		PaymentDetail{Currency: "EUR", PaymentIntentID: "pi_eur"},
		PaymentDetail{Currency: "usd", PaymentIntentID: "pi_usd"},
	))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if result.Status != storage.OrderStatusCompleted {
		t.Errorf("Status = %s, want completed", result.Status)
	}

	refs := make(map[string]int64)
	for _, exp := range h.stripe.verifyCalls() {
		refs[exp.Reference] = exp.Amount.Minor
	}
	if refs["pi_usd"] != 1000 || refs["pi_eur"] != 2000 {
		t.Errorf("verified amounts = %v", refs)
	}
}

func TestCheckout_MatchesEvidenceByPendingRecord(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("print", 2000, "EUR", 5))
	h.seedCart(t, item("shirt", 1), item("print", 1))
	ctx := context.Background()

	for _, rec := range []storage.PaymentRecord{
		{Provider: storage.ProviderStripe, Currency: "USD", Reference: "pi_usd", Amount: 1000},
		{Provider: storage.ProviderStripe, Currency: "EUR", Reference: "pi_eur", Amount: 2000},
	} {
		if err := h.store.UpsertPaymentRecord(ctx, testCartID, rec); err != nil {
			t.Fatalf("UpsertPaymentRecord() error = %v", err)
		}
	}

	_, err := h.svc.Checkout(ctx, stripeRequest(
		PaymentDetail{PaymentIntentID: "pi_usd"},
		PaymentDetail{PaymentIntentID: "pi_eur"},
	))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	for _, exp := range h.stripe.verifyCalls() {
		want := map[string]int64{"pi_usd": 1000, "pi_eur": 2000}[exp.Reference]
		if exp.Amount.Minor != want {
			t.Errorf("%s verified for %d, want %d", exp.Reference, exp.Amount.Minor, want)
		}
	}
}

func TestCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		products []storage.Product
		items    []storage.CartItem
		setup    func(h *harness)
		req      Request
		wantCode apierrors.ErrorCode
	}{
		{
			name:     "missing evidence for a currency",
			products: []storage.Product{priced("shirt", 1000, "USD", 5), priced("print", 2000, "EUR", 5)},
			items:    []storage.CartItem{item("shirt", 1), item("print", 1)},
			req:      stripeRequest(PaymentDetail{Currency: "USD", PaymentIntentID: "pi_usd"}),
			wantCode: apierrors.ErrCodeMissingPayment,
		},
		{
			name:     "evidence for a currency not in cart",
			products: []storage.Product{priced("shirt", 1000, "USD", 5)},
			items:    []storage.CartItem{item("shirt", 1)},
			req: stripeRequest(
				PaymentDetail{Currency: "USD", PaymentIntentID: "pi_usd"},
				PaymentDetail{Currency: "EUR", PaymentIntentID: "pi_eur"},
			),
			wantCode: apierrors.ErrCodeInvalidField,
		},
		{
			name:     "currency outside rail",
			products: []storage.Product{priced("kente", 1000, "GHS", 5)},
			items:    []storage.CartItem{item("kente", 1)},
			req:      stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}),
			wantCode: apierrors.ErrCodeValidation,
		},
		{
			name:     "unique asset without hash",
			products: []storage.Product{priced("shirt", 1000, "USD", 5), uniqueAsset("nft")},
			items:    []storage.CartItem{item("shirt", 1), item("nft", 1)},
			req:      stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}),
			wantCode: apierrors.ErrCodeMissingPayment,
		},
		{
			name:     "hash without unique asset",
			products: []storage.Product{priced("shirt", 1000, "USD", 5)},
			items:    []storage.CartItem{item("shirt", 1)},
			req:      stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}, PaymentDetail{TransactionHash: testTxHash}),
			wantCode: apierrors.ErrCodeInvalidField,
		},
		{
			name:     "onchain method for fiat lines",
			products: []storage.Product{priced("shirt", 1000, "USD", 5), uniqueAsset("nft")},
			items:    []storage.CartItem{item("shirt", 1), item("nft", 1)},
			req:      Request{UserID: testUserID, PaymentMethod: "onchain", PaymentDetails: PaymentDetails{{TransactionHash: testTxHash}}},
			wantCode: apierrors.ErrCodeMissingPayment,
		},
		{
			name:     "empty cart",
			items:    nil,
			req:      stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}),
			wantCode: apierrors.ErrCodeEmptyCart,
		},
		{
			name:     "provider outage",
			products: []storage.Product{priced("shirt", 1000, "USD", 5)},
			items:    []storage.CartItem{item("shirt", 1)},
			setup: func(h *harness) {
				h.stripe.verifyErr = payments.External(apierrors.ErrCodeStripeError, "stripe", context.DeadlineExceeded)
			},
			req:      stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}),
			wantCode: apierrors.ErrCodeExternalService,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedProducts(t, tt.products...)
			h.seedCart(t, tt.items...)
			if tt.setup != nil {
				tt.setup(h)
			}

			_, err := h.svc.Checkout(context.Background(), tt.req)
			wantCode(t, err, tt.wantCode)

			for _, p := range tt.products {
				got := h.product(t, p.ID)
				if p.Stock != nil && *got.Stock != *p.Stock {
					t.Errorf("%s stock changed to %d", p.ID, *got.Stock)
				}
				if got.Availability != storage.AvailabilityAvailable {
					t.Errorf("%s availability = %s", p.ID, got.Availability)
				}
			}
		})
	}
}

func TestCheckout_NoCart(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Checkout(context.Background(), stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
	wantCode(t, err, apierrors.ErrCodeCartNotFound)
}

func TestCheckout_ProviderNotConfigured(t *testing.T) {
	h := newHarness(t)
	h.svc.providers.Flutterwave = nil
	h.seedProducts(t, priced("shirt", 1000, "USD", 5))
	h.seedCart(t, item("shirt", 1))

	req := Request{UserID: testUserID, PaymentMethod: "flutterwave", PaymentDetails: PaymentDetails{{TxRef: "tx_1", TransactionID: "1"}}}
	_, err := h.svc.Checkout(context.Background(), req)
	wantCode(t, err, apierrors.ErrCodeNotConfigured)
}

func TestCheckout_UnderpaymentRejected(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("mug", 1500, "USD", 5))
	h.seedCart(t, item("shirt", 1), item("mug", 1))
	h.stripe.observed["pi_1"] = 500

	req := stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"})
	_, err := h.svc.Checkout(context.Background(), req)
	wantCode(t, err, apierrors.ErrCodeAmountMismatch)

	if got := *h.product(t, "shirt").Stock; got != 5 {
		t.Errorf("shirt stock = %d, want 5", got)
	}
	cart := h.cart(t)
	if len(cart.Items) != 2 {
		t.Errorf("cart items = %d, want 2", len(cart.Items))
	}
	rec, ok := cart.PaymentFor(storage.ProviderStripe, "USD")
	if !ok || rec.Status != storage.PaymentStatusFailed {
		t.Errorf("payment record = %+v, ok=%v; want failed", rec, ok)
	}
	if len(h.stripe.refundCalls()) != 0 {
		t.Error("nothing was captured, no refund expected")
	}

	// The rejection released the claim, so a retry is judged again rather
	// than reported as a duplicate.
	_, err = h.svc.Checkout(context.Background(), req)
	wantCode(t, err, apierrors.ErrCodeAmountMismatch)
}

func TestCheckout_DuplicateWithinBucket(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5))
	h.seedCart(t, item("shirt", 1))

	req := stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"})
	if _, err := h.svc.Checkout(context.Background(), req); err != nil {
		t.Fatalf("first Checkout() error = %v", err)
	}

	h.seedCart(t, item("shirt", 1))
	_, err := h.svc.Checkout(context.Background(), req)
	wantCode(t, err, apierrors.ErrCodeDuplicateRequest)
	if !errors.Is(err, apierrors.New(apierrors.ErrCodeDuplicateRequest, "")) {
		t.Error("duplicate error should match by code")
	}

	if got := *h.product(t, "shirt").Stock; got != 4 {
		t.Errorf("stock = %d, want exactly one decrement", got)
	}
	if n := len(h.stripe.verifyCalls()); n != 1 {
		t.Errorf("verify calls = %d, want 1", n)
	}
}

func TestCheckout_PaymentSettlesOneOrder(t *testing.T) {
	tests := []struct {
		name     string
		products []storage.Product
		first    string
		second   string
		req      Request
	}{
		{
			name:     "stripe intent",
			products: []storage.Product{priced("shirt", 1000, "USD", 5), priced("mug", 1000, "USD", 5)},
			first:    "shirt",
			second:   "mug",
			req:      stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}),
		},
		{
			name:     "chain transaction",
			products: []storage.Product{uniqueAsset("nft-1"), uniqueAsset("nft-2")},
			first:    "nft-1",
			second:   "nft-2",
			req:      Request{UserID: testUserID, PaymentMethod: "onchain", PaymentDetails: PaymentDetails{{TransactionHash: testTxHash}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedProducts(t, tt.products...)
			h.seedCart(t, item(tt.first, 1))
			ctx := context.Background()

			first, err := h.svc.Checkout(ctx, tt.req)
			if err != nil {
				t.Fatalf("first Checkout() error = %v", err)
			}
			if first.Status != storage.OrderStatusCompleted {
				t.Fatalf("first Status = %s, want completed", first.Status)
			}

			// The replay window has passed and the same evidence pays for a new cart.
			h.expireGuard(t)
			h.seedCart(t, item(tt.second, 1))
			before := h.product(t, tt.second)

			_, err = h.svc.Checkout(ctx, tt.req)
			wantCode(t, err, apierrors.ErrCodePaymentAlreadyUsed)

			after := h.product(t, tt.second)
			if after.Availability != before.Availability || (before.Stock != nil && *after.Stock != *before.Stock) {
				t.Errorf("%s changed: before %+v after %+v", tt.second, before, after)
			}
			if len(h.cart(t).Items) != 1 {
				t.Errorf("cart items = %d, want the unpaid line kept", len(h.cart(t).Items))
			}
		})
	}
}

func TestCheckout_ConsumedReferenceReleasesOthers(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("print", 2000, "EUR", 5))
	h.seedCart(t, item("shirt", 1), item("print", 1))
	ctx := context.Background()

	held := storage.ConsumedPayment{Provider: storage.ProviderStripe, Reference: "pi_usd", OrderID: "ord_earlier"}
	if err := h.store.ConsumePayment(ctx, held); err != nil {
		t.Fatalf("ConsumePayment() error = %v", err)
	}

	_, err := h.svc.Checkout(ctx, stripeRequest(
		PaymentDetail{Currency: "EUR", PaymentIntentID: "pi_eur"},
		PaymentDetail{Currency: "USD", PaymentIntentID: "pi_usd"},
	))
	wantCode(t, err, apierrors.ErrCodePaymentAlreadyUsed)

	// The euro intent was taken before the conflict and must be free again.
	next := storage.ConsumedPayment{Provider: storage.ProviderStripe, Reference: "pi_eur", OrderID: "ord_next"}
	if err := h.store.ConsumePayment(ctx, next); err != nil {
		t.Errorf("pi_eur still held after rejected checkout: %v", err)
	}
	if got := *h.product(t, "print").Stock; got != 5 {
		t.Errorf("print stock = %d, want 5", got)
	}
}

func TestCheckout_PartialFulfillmentRefundsFailedLines(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t,
		priced("shirt", 1000, "USD", 5),
		priced("mug", 1500, "USD", 5),
		priced("poster", 2000, "USD", 0),
	)
	h.seedCart(t, item("shirt", 1), item("mug", 1), item("poster", 1))

	result, err := h.svc.Checkout(context.Background(), stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if result.Status != storage.OrderStatusPartiallyCompleted {
		t.Errorf("Status = %s, want partially_completed", result.Status)
	}
	if len(result.FailedItems) != 1 || result.FailedItems[0].ProductID != "poster" {
		t.Fatalf("FailedItems = %+v", result.FailedItems)
	}
	if result.FailedItems[0].Reason != apierrors.ErrCodeInsufficientStock {
		t.Errorf("failure reason = %s", result.FailedItems[0].Reason)
	}
	if result.ManualReview {
		t.Error("a submitted refund should not need review")
	}

	refunds := h.stripe.refundCalls()
	if len(refunds) != 1 {
		t.Fatalf("refund calls = %d, want 1", len(refunds))
	}
	if refunds[0].Reference != "pi_1" || refunds[0].Amount.Minor != 2000 {
		t.Errorf("refund = %+v, want 2000 on pi_1", refunds[0])
	}
	if len(result.Refunds) != 1 || refunds[0].IdempotencyKey != result.Refunds[0].IntentID {
		t.Errorf("refund idempotency key %q does not match intent %+v", refunds[0].IdempotencyKey, result.Refunds)
	}
	if result.Refunds[0].Status != storage.CompensationSubmitted {
		t.Errorf("refund status = %s", result.Refunds[0].Status)
	}

	intents, err := h.store.ListCompensations(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("ListCompensations() error = %v", err)
	}
	if len(intents) != 1 || intents[0].Status != storage.CompensationSubmitted || intents[0].Amount != 2000 {
		t.Errorf("compensations = %+v", intents)
	}

	order, _ := h.svc.GetOrder(context.Background(), testUserID, result.OrderID)
	if len(order.Items) != 2 || order.Totals["USD"] != 2500 {
		t.Errorf("order items=%d total=%d, want 2/2500", len(order.Items), order.Totals["USD"])
	}
	if order.PaymentDetails[0].Amount != 4500 {
		t.Errorf("captured amount = %d, want 4500", order.PaymentDetails[0].Amount)
	}

	cart := h.cart(t)
	if len(cart.Items) != 1 || cart.Items[0].ProductID != "poster" {
		t.Errorf("cart items = %+v, want only the failed line", cart.Items)
	}

	for _, want := range []string{callbacks.EventRefundSubmitted, callbacks.EventOrderPartiallyCompleted} {
		if !h.notifier.has(want) {
			t.Errorf("events = %v, missing %s", h.notifier.types(), want)
		}
	}
}

func TestCheckout_AllLinesFailCancelsOrder(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("poster", 2000, "USD", 0))
	h.seedCart(t, item("poster", 1))

	result, err := h.svc.Checkout(context.Background(), stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if result.Status != storage.OrderStatusCancelled {
		t.Errorf("Status = %s, want cancelled", result.Status)
	}
	if len(result.Refunds) != 1 || result.Refunds[0].Amount != 2000 {
		t.Errorf("Refunds = %+v, want full refund", result.Refunds)
	}
	if !h.notifier.has(callbacks.EventOrderCancelled) {
		t.Errorf("events = %v", h.notifier.types())
	}
}

func TestCheckout_CompensationFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		wantCalls  int
		wantStored storage.CompensationStatus
	}{
		{
			name:      "intent not persisted",
			setup:     func(h *harness) { h.store.saveCompensationErr = errStoreDown },
			wantCalls: 0,
		},
		{
			name:       "provider refund error",
			setup:      func(h *harness) { h.stripe.refundErr = errors.New("charge already refunded") },
			wantCalls:  1,
			wantStored: storage.CompensationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("poster", 2000, "USD", 0))
			h.seedCart(t, item("shirt", 1), item("poster", 1))
			tt.setup(h)

			result, err := h.svc.Checkout(context.Background(), stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
			if err != nil {
				t.Fatalf("Checkout() error = %v", err)
			}
			if !result.ManualReview {
				t.Error("ManualReview = false, want true")
			}
			if len(result.Refunds) != 1 || result.Refunds[0].Status != storage.CompensationFailed {
				t.Fatalf("Refunds = %+v", result.Refunds)
			}
			if got := len(h.stripe.refundCalls()); got != tt.wantCalls {
				t.Errorf("refund calls = %d, want %d", got, tt.wantCalls)
			}

			intents, _ := h.store.ListCompensations(context.Background(), result.OrderID)
			if tt.wantStored == "" {
				if len(intents) != 0 {
					t.Errorf("compensations = %+v, want none", intents)
				}
			} else if len(intents) != 1 || intents[0].Status != tt.wantStored {
				t.Errorf("compensations = %+v, want %s", intents, tt.wantStored)
			}
			if !h.notifier.has(callbacks.EventRefundFailed) {
				t.Errorf("events = %v", h.notifier.types())
			}
		})
	}
}

func TestCheckout_InventoryErrorNeedsReview(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), priced("mug", 1500, "USD", 5))
	h.seedCart(t, item("shirt", 1), item("mug", 1))
	h.store.decrementErr["mug"] = errStoreDown

	result, err := h.svc.Checkout(context.Background(), stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if !result.ManualReview {
		t.Error("ManualReview = false, want true")
	}
	if len(result.FailedItems) != 1 || result.FailedItems[0].Reason != apierrors.ErrCodeDatabaseError {
		t.Errorf("FailedItems = %+v", result.FailedItems)
	}
	if refunds := h.stripe.refundCalls(); len(refunds) != 1 || refunds[0].Amount.Minor != 1500 {
		t.Errorf("refunds = %+v, want 1500", refunds)
	}
}

func TestCheckout_UniqueAsset(t *testing.T) {
	tests := []struct {
		name         string
		verification payments.Verification
		wantCode     apierrors.ErrorCode
		wantAvail    storage.Availability
	}{
		{
			name:         "confirmed receipt sells the asset",
			verification: payments.Verification{OK: true},
			wantAvail:    storage.AvailabilitySold,
		},
		{
			name:         "failed receipt leaves the asset for sale",
			verification: payments.Rejected(apierrors.ErrCodeTransactionFailed, "transaction reverted"),
			wantCode:     apierrors.ErrCodeTransactionFailed,
			wantAvail:    storage.AvailabilityAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedProducts(t, uniqueAsset("nft"))
			h.seedCart(t, item("nft", 1))
			h.chain.verification = tt.verification

			req := Request{UserID: testUserID, PaymentMethod: "onchain", PaymentDetails: PaymentDetails{{TransactionHash: testTxHash}}}
			result, err := h.svc.Checkout(context.Background(), req)
			if tt.wantCode != "" {
				wantCode(t, err, tt.wantCode)
			} else {
				if err != nil {
					t.Fatalf("Checkout() error = %v", err)
				}
				if result.Status != storage.OrderStatusCompleted {
					t.Errorf("Status = %s, want completed", result.Status)
				}
			}
			if h.chain.calls != 1 {
				t.Errorf("chain calls = %d, want 1", h.chain.calls)
			}
			if got := h.product(t, "nft").Availability; got != tt.wantAvail {
				t.Errorf("availability = %s, want %s", got, tt.wantAvail)
			}
		})
	}
}

func TestCheckout_UniqueAssetAlreadySoldNeedsReview(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5), uniqueAsset("nft"))
	h.seedCart(t, item("shirt", 1), item("nft", 1))
	ctx := context.Background()

	// Sold between grouping and settlement.
	h.svc.providers.Chain = verifierFunc(func(context.Context, payments.Expectation) (payments.Verification, error) {
		if _, err := h.store.MarkAssetSold(ctx, "nft"); err != nil {
			t.Errorf("MarkAssetSold() error = %v", err)
		}
		return payments.Verification{OK: true}, nil
	})

	result, err := h.svc.Checkout(ctx, stripeRequest(
		PaymentDetail{PaymentIntentID: "pi_1"},
		PaymentDetail{TransactionHash: testTxHash},
	))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if result.Status != storage.OrderStatusPartiallyCompleted || !result.ManualReview {
		t.Errorf("result = %+v, want partial with manual review", result)
	}
	if len(h.stripe.refundCalls()) != 0 {
		t.Error("fiat lines all succeeded, no refund expected")
	}
}

type verifierFunc func(context.Context, payments.Expectation) (payments.Verification, error)

func (f verifierFunc) Verify(ctx context.Context, exp payments.Expectation) (payments.Verification, error) {
	return f(ctx, exp)
}

func TestCheckout_OrderWriteFallsBackToOutbox(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5))
	h.seedCart(t, item("shirt", 1))
	h.store.createOrderErr = errStoreDown
	ctx := context.Background()

	result, err := h.svc.Checkout(ctx, stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if !result.OrderPending {
		t.Fatal("OrderPending = false, want true")
	}
	if got := *h.product(t, "shirt").Stock; got != 4 {
		t.Errorf("stock = %d, inventory should stay committed", got)
	}
	if _, err := h.svc.GetOrder(ctx, testUserID, result.OrderID); apierrors.CodeOf(err) != apierrors.ErrCodeOrderNotFound {
		t.Fatalf("GetOrder() error = %v, want order_not_found", err)
	}
	if !h.notifier.has(callbacks.EventOrderMaterializationFailed) {
		t.Errorf("events = %v", h.notifier.types())
	}

	entries, err := h.store.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != storage.OutboxKindCreateOrder || entries[0].AggregateID != result.OrderID {
		t.Fatalf("outbox = %+v", entries)
	}

	// Still down: delivery fails and the entry stays queued.
	if err := h.svc.DeliverOrder(ctx, entries[0]); err == nil {
		t.Fatal("DeliverOrder() should fail while the store is down")
	}

	h.store.mu.Lock()
	h.store.createOrderErr = nil
	h.store.mu.Unlock()

	for i := 0; i < 2; i++ {
		if err := h.svc.DeliverOrder(ctx, entries[0]); err != nil {
			t.Fatalf("DeliverOrder() #%d error = %v", i+1, err)
		}
	}
	order, err := h.svc.GetOrder(ctx, testUserID, result.OrderID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.Status != storage.OrderStatusCompleted {
		t.Errorf("order status = %s", order.Status)
	}
	if !h.notifier.has(callbacks.EventOrderMaterialized) {
		t.Errorf("events = %v", h.notifier.types())
	}
}

func TestDeliverOrder_BadPayload(t *testing.T) {
	h := newHarness(t)
	err := h.svc.DeliverOrder(context.Background(), storage.OutboxEntry{ID: "obx_1", Payload: []byte("{")})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestGetOrder_Ownership(t *testing.T) {
	h := newHarness(t)
	h.seedProducts(t, priced("shirt", 1000, "USD", 5))
	h.seedCart(t, item("shirt", 1))

	result, err := h.svc.Checkout(context.Background(), stripeRequest(PaymentDetail{PaymentIntentID: "pi_1"}))
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	tests := []struct {
		name     string
		userID   string
		orderID  string
		wantCode apierrors.ErrorCode
	}{
		{name: "owner", userID: testUserID, orderID: result.OrderID},
		{name: "other user", userID: "user-2", orderID: result.OrderID, wantCode: apierrors.ErrCodeOrderNotFound},
		{name: "unknown order", userID: testUserID, orderID: "ord_missing", wantCode: apierrors.ErrCodeOrderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := h.svc.GetOrder(context.Background(), tt.userID, tt.orderID)
			if tt.wantCode != "" {
				wantCode(t, err, tt.wantCode)
				return
			}
			if err != nil || order.ID != tt.orderID {
				t.Fatalf("GetOrder() = %+v, %v", order, err)
			}
		})
	}
}
