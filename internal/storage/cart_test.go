package storage

import (
	"context"
	"errors"
	"testing"
)

func seedCart(t *testing.T, store *MemoryStore) Cart {
	t.Helper()
	cart := Cart{
		ID:     "cart-1",
		UserID: "user-1",
		Items: []CartItem{
			{ProductID: "p1", Quantity: 1, UnitPrice: 1000, Currency: "USD"},
			{ProductID: "p2", Quantity: 2, UnitPrice: 500, Currency: "NGN"},
			{ProductID: "p3", Quantity: 1, UnitPrice: 700, Currency: "USD"},
		},
	}
	if err := store.SaveCart(context.Background(), cart); err != nil {
		t.Fatalf("SaveCart() error = %v", err)
	}
	return cart
}

func TestMemoryStore_SaveCartValidation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	tests := []struct {
		name string
		cart Cart
	}{
		{name: "missing id", cart: Cart{UserID: "u"}},
		{name: "missing user", cart: Cart{ID: "c"}},
		{name: "zero quantity", cart: Cart{ID: "c", UserID: "u", Items: []CartItem{{ProductID: "p", Quantity: 0}}}},
		{name: "missing product", cart: Cart{ID: "c", UserID: "u", Items: []CartItem{{Quantity: 1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.SaveCart(ctx, tt.cart); err == nil {
				t.Fatal("SaveCart() expected error")
			}
		})
	}
}

func TestMemoryStore_GetCartByUser(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()
	seedCart(t, store)

	cart, err := store.GetCartByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCartByUser() error = %v", err)
	}
	if cart.ID != "cart-1" || len(cart.Items) != 3 {
		t.Fatalf("GetCartByUser() = %+v", cart)
	}

	// Returned carts are copies.
	cart.Items[0].Quantity = 99
	again, _ := store.GetCart(ctx, "cart-1")
	if again.Items[0].Quantity != 1 {
		t.Fatal("mutating a returned cart leaked into the store")
	}

	if _, err := store.GetCartByUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCartByUser(nobody) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpsertPaymentRecord(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()
	seedCart(t, store)

	first := PaymentRecord{Provider: ProviderStripe, Currency: "usd", Reference: "pi_1", Amount: 1700}
	if err := store.UpsertPaymentRecord(ctx, "cart-1", first); err != nil {
		t.Fatalf("UpsertPaymentRecord() error = %v", err)
	}
	second := PaymentRecord{Provider: ProviderStripe, Currency: "USD", Reference: "pi_2", Amount: 1700, Status: PaymentStatusVerified}
	if err := store.UpsertPaymentRecord(ctx, "cart-1", second); err != nil {
		t.Fatalf("UpsertPaymentRecord() error = %v", err)
	}
	ngn := PaymentRecord{Provider: ProviderFlutterwave, Currency: "NGN", Reference: "tx-ref-1", TransactionID: "9001", Amount: 1000}
	if err := store.UpsertPaymentRecord(ctx, "cart-1", ngn); err != nil {
		t.Fatalf("UpsertPaymentRecord() error = %v", err)
	}

	cart, _ := store.GetCart(ctx, "cart-1")
	if len(cart.Payments) != 2 {
		t.Fatalf("payments = %d, want one per (provider, currency)", len(cart.Payments))
	}
	rec, ok := cart.PaymentFor(ProviderStripe, "usd")
	if !ok || rec.Reference != "pi_2" || rec.Status != PaymentStatusVerified {
		t.Fatalf("PaymentFor(stripe, usd) = %+v, %v", rec, ok)
	}
	if rec.Currency != "USD" {
		t.Errorf("currency = %q, want normalized USD", rec.Currency)
	}

	if err := store.UpsertPaymentRecord(ctx, "cart-1", PaymentRecord{Provider: ProviderChain, Currency: "SOL", Reference: "sig"}); err == nil {
		t.Fatal("on-chain payment records should be rejected")
	}
	if err := store.UpsertPaymentRecord(ctx, "missing", first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpsertPaymentRecord(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_PaymentReferenceLookup(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()
	seedCart(t, store)

	_ = store.UpsertPaymentRecord(ctx, "cart-1", PaymentRecord{Provider: ProviderStripe, Currency: "USD", Reference: "pi_1", Amount: 1700})

	cart, err := store.FindCartByPaymentReference(ctx, ProviderStripe, "pi_1")
	if err != nil || cart.ID != "cart-1" {
		t.Fatalf("FindCartByPaymentReference() = %v, %v", cart.ID, err)
	}
	if _, err := store.FindCartByPaymentReference(ctx, ProviderFlutterwave, "pi_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup with wrong provider error = %v, want ErrNotFound", err)
	}

	if err := store.SetPaymentRecordStatus(ctx, "cart-1", ProviderStripe, "pi_1", PaymentStatusSucceeded); err != nil {
		t.Fatalf("SetPaymentRecordStatus() error = %v", err)
	}
	cart, _ = store.GetCart(ctx, "cart-1")
	if rec, _ := cart.PaymentByReference(ProviderStripe, "pi_1"); rec.Status != PaymentStatusSucceeded {
		t.Fatalf("status = %q, want succeeded", rec.Status)
	}
	if err := store.SetPaymentRecordStatus(ctx, "cart-1", ProviderStripe, "pi_unknown", PaymentStatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPaymentRecordStatus(unknown ref) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_RemoveAndClearCartItems(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()
	seedCart(t, store)
	_ = store.UpsertPaymentRecord(ctx, "cart-1", PaymentRecord{Provider: ProviderStripe, Currency: "USD", Reference: "pi_1"})

	if err := store.RemoveCartItems(ctx, "cart-1", nil); err != nil {
		t.Fatalf("RemoveCartItems(nil) error = %v", err)
	}
	cart, _ := store.GetCart(ctx, "cart-1")
	if len(cart.Items) != 3 {
		t.Fatalf("empty removal changed items: %d", len(cart.Items))
	}

	if err := store.RemoveCartItems(ctx, "cart-1", []string{"p1", "p3"}); err != nil {
		t.Fatalf("RemoveCartItems() error = %v", err)
	}
	cart, _ = store.GetCart(ctx, "cart-1")
	if len(cart.Items) != 1 || cart.Items[0].ProductID != "p2" {
		t.Fatalf("items after removal = %+v", cart.Items)
	}

	if err := store.ClearCartItems(ctx, "cart-1"); err != nil {
		t.Fatalf("ClearCartItems() error = %v", err)
	}
	cart, _ = store.GetCart(ctx, "cart-1")
	if len(cart.Items) != 0 {
		t.Fatalf("items after clear = %d, want 0", len(cart.Items))
	}
	if len(cart.Payments) != 1 {
		t.Fatal("clearing items must keep payment records")
	}
}
