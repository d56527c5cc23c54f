package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradepost/checkout/internal/callbacks"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/flutterwave"
	"github.com/tradepost/checkout/internal/idempotency"
	"github.com/tradepost/checkout/internal/payments"
	"github.com/tradepost/checkout/internal/storage"
	"github.com/tradepost/checkout/internal/stripe"
)

const (
	testUserID = "user-1"
	testCartID = "cart-1"
	testTxHash = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
)

// fakeRail is a fiat provider whose verdicts come from payments.Judge.
type fakeRail struct {
	mu        sync.Mutex
	observed  map[string]int64 // lookup reference -> captured amount
	verifyErr error
	refundErr error
	verified  []payments.Expectation
	refunds   []payments.RefundRequest
}

func newFakeRail() *fakeRail {
	return &fakeRail{observed: make(map[string]int64)}
}

func (f *fakeRail) Verify(_ context.Context, exp payments.Expectation) (payments.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.verified = append(f.verified, exp)
	if f.verifyErr != nil {
		return payments.Verification{}, f.verifyErr
	}
	amount, ok := f.observed[exp.Reference]
	if !ok {
		amount = exp.Amount.Minor
	}
	return payments.Judge(exp, payments.Observation{
		Status:        "succeeded",
		SuccessStatus: "succeeded",
		Reference:     exp.ExpectedReference,
		Currency:      exp.Amount.Asset.Code,
		Amount:        amount,
	}), nil
}

func (f *fakeRail) Refund(_ context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refunds = append(f.refunds, req)
	if f.refundErr != nil {
		return payments.RefundResult{}, f.refundErr
	}
	return payments.RefundResult{RefundID: "re_" + req.IdempotencyKey, Status: "pending"}, nil
}

func (f *fakeRail) refundCalls() []payments.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payments.RefundRequest(nil), f.refunds...)
}

func (f *fakeRail) verifyCalls() []payments.Expectation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payments.Expectation(nil), f.verified...)
}

// fakeChain returns a fixed receipt verdict.
type fakeChain struct {
	verification payments.Verification
	err          error
	calls        int
}

func (f *fakeChain) Verify(_ context.Context, _ payments.Expectation) (payments.Verification, error) {
	f.calls++
	return f.verification, f.err
}

type fakeIntents struct {
	last stripe.CreateIntentRequest
	err  error
}

func (f *fakeIntents) CreatePaymentIntent(_ context.Context, req stripe.CreateIntentRequest) (stripe.Intent, error) {
	f.last = req
	if f.err != nil {
		return stripe.Intent{}, f.err
	}
	return stripe.Intent{
		ID:           "pi_created",
		ClientSecret: "pi_created_secret",
		Amount:       req.Amount.Minor,
		Currency:     req.Amount.Asset.StripeCurrency(),
		Status:       "requires_payment_method",
	}, nil
}

type fakeHosted struct {
	last flutterwave.InitializeRequest
}

func (f *fakeHosted) InitializePayment(_ context.Context, req flutterwave.InitializeRequest) (flutterwave.HostedPayment, error) {
	f.last = req
	return flutterwave.HostedPayment{TxRef: req.TxRef, Link: "https://checkout.example/pay/" + req.TxRef}, nil
}

// faultyStore injects write failures into a MemoryStore.
type faultyStore struct {
	*storage.MemoryStore

	mu                  sync.Mutex
	createOrderErr      error
	saveCompensationErr error
	decrementErr        map[string]error
}

func (f *faultyStore) CreateOrder(ctx context.Context, order storage.Order) error {
	f.mu.Lock()
	err := f.createOrderErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.CreateOrder(ctx, order)
}

func (f *faultyStore) SaveCompensation(ctx context.Context, intent storage.CompensationIntent) error {
	if f.saveCompensationErr != nil {
		return f.saveCompensationErr
	}
	return f.MemoryStore.SaveCompensation(ctx, intent)
}

func (f *faultyStore) DecrementStock(ctx context.Context, productID string, qty int64) (bool, error) {
	if err, ok := f.decrementErr[productID]; ok {
		return false, err
	}
	return f.MemoryStore.DecrementStock(ctx, productID, qty)
}

var errStoreDown = errors.New("connection refused")

type recordingNotifier struct {
	mu     sync.Mutex
	events []callbacks.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event callbacks.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.EventType)
	}
	return out
}

func (n *recordingNotifier) has(eventType string) bool {
	for _, t := range n.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	svc      *Service
	store    *faultyStore
	stripe   *fakeRail
	flw      *fakeRail
	chain    *fakeChain
	intents  *fakeIntents
	hosted   *fakeHosted
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mem := storage.NewMemoryStore()
	t.Cleanup(mem.Stop)
	idemStore := idempotency.NewMemoryStore()
	t.Cleanup(idemStore.Stop)

	guard, err := idempotency.NewGuard(idemStore, time.Minute, 2*time.Minute)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}

	h := &harness{
		store:    &faultyStore{MemoryStore: mem, decrementErr: make(map[string]error)},
		stripe:   newFakeRail(),
		flw:      newFakeRail(),
		chain:    &fakeChain{verification: payments.Verification{OK: true}},
		intents:  &fakeIntents{},
		hosted:   &fakeHosted{},
		notifier: &recordingNotifier{},
	}
	h.svc = NewService(Config{VerifyTimeout: time.Second}, h.store, guard, Providers{
		Stripe:            h.stripe,
		StripeIntents:     h.intents,
		Flutterwave:       h.flw,
		FlutterwaveHosted: h.hosted,
		Chain:             h.chain,
	}, h.notifier, nil)
	return h
}

// expireGuard swaps in an empty replay guard, as if every claim had aged out.
func (h *harness) expireGuard(t *testing.T) {
	t.Helper()
	idemStore := idempotency.NewMemoryStore()
	t.Cleanup(idemStore.Stop)
	guard, err := idempotency.NewGuard(idemStore, time.Minute, 2*time.Minute)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	h.svc.guard = guard
}

func (h *harness) seedProducts(t *testing.T, products ...storage.Product) {
	t.Helper()
	for _, p := range products {
		if p.Availability == "" {
			p.Availability = storage.AvailabilityAvailable
		}
		p.Active = true
		if err := h.store.SaveProduct(context.Background(), p); err != nil {
			t.Fatalf("SaveProduct(%s) error = %v", p.ID, err)
		}
	}
}

func (h *harness) seedCart(t *testing.T, items ...storage.CartItem) {
	t.Helper()
	cart := storage.Cart{ID: testCartID, UserID: testUserID, Items: items}
	if err := h.store.SaveCart(context.Background(), cart); err != nil {
		t.Fatalf("SaveCart() error = %v", err)
	}
}

func (h *harness) product(t *testing.T, id string) storage.Product {
	t.Helper()
	products, err := h.store.GetProducts(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("GetProducts() error = %v", err)
	}
	p, ok := products[id]
	if !ok {
		t.Fatalf("product %s missing", id)
	}
	return p
}

func (h *harness) cart(t *testing.T) storage.Cart {
	t.Helper()
	cart, err := h.store.GetCart(context.Background(), testCartID)
	if err != nil {
		t.Fatalf("GetCart() error = %v", err)
	}
	return cart
}

func priced(id string, price int64, currency string, stock int64) storage.Product {
	return storage.Product{ID: id, Name: id, Price: price, Currency: currency, Stock: storage.Int64(stock)}
}

func uniqueAsset(id string) storage.Product {
	return storage.Product{ID: id, Name: id, Price: 25, Currency: "SOL", IsUniqueAsset: true}
}

func item(productID string, qty int64) storage.CartItem {
	return storage.CartItem{ProductID: productID, Quantity: qty}
}

func wantCode(t *testing.T, err error, code apierrors.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := apierrors.CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}
