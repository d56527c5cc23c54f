package storage

import (
	"context"
	"time"

	"github.com/tradepost/checkout/internal/money"
)

// Provider identifies a fiat payment rail that produces PaymentRecords.
type Provider string

const (
	ProviderStripe      Provider = "stripe"
	ProviderFlutterwave Provider = "flutterwave"
	// ProviderChain never owns a PaymentRecord; it only appears in order evidence.
	ProviderChain Provider = "onchain"
)

// PaymentStatus tracks a PaymentRecord through verification and reconciliation.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // Created, awaiting payer
	PaymentStatusVerified  PaymentStatus = "verified"  // Synchronous verification passed
	PaymentStatusFailed    PaymentStatus = "failed"    // Verification or provider reported failure
	PaymentStatusSucceeded PaymentStatus = "succeeded" // Confirmed by provider webhook
)

// CartItem is one line in a cart. UnitPrice/Currency are what the buyer saw
// when adding the item; settlement always re-reads the catalog.
type CartItem struct {
	ProductID string    `json:"productId" bson:"product_id"`
	Quantity  int64     `json:"quantity" bson:"quantity"`
	UnitPrice int64     `json:"unitPrice" bson:"unit_price"`
	Currency  string    `json:"currency" bson:"currency"`
	AddedAt   time.Time `json:"addedAt" bson:"added_at"`
}

// PaymentRecord is the stored evidence for one (provider, currency) group.
type PaymentRecord struct {
	Provider Provider `json:"provider" bson:"provider"`
	Currency string   `json:"currency" bson:"currency"`
	// Reference is the payment intent id or the gateway tx_ref.
	Reference     string `json:"reference" bson:"reference"`
	TransactionID string `json:"transactionId,omitempty" bson:"transaction_id,omitempty"`
	// Amount is the recomputed group subtotal in minor units.
	Amount      int64         `json:"amount" bson:"amount"`
	Status      PaymentStatus `json:"status" bson:"status"`
	LastUpdated time.Time     `json:"lastUpdated" bson:"last_updated"`
}

// Cart is owned by exactly one user and lives across checkouts.
type Cart struct {
	ID        string          `json:"id" bson:"_id"`
	UserID    string          `json:"userId" bson:"user_id"`
	Items     []CartItem      `json:"items" bson:"items"`
	Payments  []PaymentRecord `json:"payments" bson:"payments"`
	UpdatedAt time.Time       `json:"updatedAt" bson:"updated_at"`
}

// PaymentFor returns the record for (provider, currency), if any.
func (c Cart) PaymentFor(provider Provider, currency string) (PaymentRecord, bool) {
	for _, rec := range c.Payments {
		if rec.Provider == provider && money.SameCurrency(rec.Currency, currency) {
			return rec, true
		}
	}
	return PaymentRecord{}, false
}

// PaymentByReference returns the record matching (provider, reference), if any.
func (c Cart) PaymentByReference(provider Provider, reference string) (PaymentRecord, bool) {
	for _, rec := range c.Payments {
		if rec.Provider == provider && rec.Reference == reference {
			return rec, true
		}
	}
	return PaymentRecord{}, false
}

// upsertPayment enforces one record per (provider, currency).
func (c *Cart) upsertPayment(rec PaymentRecord) {
	rec.Currency = money.NormalizeCode(rec.Currency)
	for i, existing := range c.Payments {
		if existing.Provider == rec.Provider && existing.Currency == rec.Currency {
			c.Payments[i] = rec
			return
		}
	}
	c.Payments = append(c.Payments, rec)
}

func (c *Cart) setPaymentStatus(provider Provider, reference string, status PaymentStatus, now time.Time) bool {
	for i, rec := range c.Payments {
		if rec.Provider == provider && rec.Reference == reference {
			c.Payments[i].Status = status
			c.Payments[i].LastUpdated = now
			return true
		}
	}
	return false
}

// removeItems drops lines for the given products.
func (c *Cart) removeItems(productIDs []string) {
	drop := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		drop[id] = struct{}{}
	}
	kept := c.Items[:0]
	for _, item := range c.Items {
		if _, ok := drop[item.ProductID]; !ok {
			kept = append(kept, item)
		}
	}
	c.Items = kept
}

func cloneCart(c Cart) Cart {
	out := c
	out.Items = append([]CartItem(nil), c.Items...)
	out.Payments = append([]PaymentRecord(nil), c.Payments...)
	return out
}

// SaveCart stores a cart, indexing it by owner.
func (m *MemoryStore) SaveCart(_ context.Context, cart Cart) error {
	if err := validateCart(&cart); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.carts[cart.ID] = cloneCart(cart)
	m.cartsByUser[cart.UserID] = cart.ID
	return nil
}

// GetCart retrieves a cart by ID.
func (m *MemoryStore) GetCart(_ context.Context, cartID string) (Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return Cart{}, ErrNotFound
	}
	return cloneCart(cart), nil
}

// GetCartByUser retrieves the cart owned by userID.
func (m *MemoryStore) GetCartByUser(_ context.Context, userID string) (Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cartID, ok := m.cartsByUser[userID]
	if !ok {
		return Cart{}, ErrNotFound
	}
	return cloneCart(m.carts[cartID]), nil
}

// UpsertPaymentRecord replaces or appends the (provider, currency) record.
func (m *MemoryStore) UpsertPaymentRecord(_ context.Context, cartID string, rec PaymentRecord) error {
	if err := validatePaymentRecord(&rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	cart = cloneCart(cart)
	cart.upsertPayment(rec)
	cart.UpdatedAt = rec.LastUpdated
	m.carts[cartID] = cart
	return nil
}

// FindCartByPaymentReference scans carts for a matching payment reference.
func (m *MemoryStore) FindCartByPaymentReference(_ context.Context, provider Provider, reference string) (Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cart := range m.carts {
		if _, ok := cart.PaymentByReference(provider, reference); ok {
			return cloneCart(cart), nil
		}
	}
	return Cart{}, ErrNotFound
}

// SetPaymentRecordStatus updates the status of one payment record.
func (m *MemoryStore) SetPaymentRecordStatus(_ context.Context, cartID string, provider Provider, reference string, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	cart = cloneCart(cart)
	now := time.Now().UTC()
	if !cart.setPaymentStatus(provider, reference, status, now) {
		return ErrNotFound
	}
	cart.UpdatedAt = now
	m.carts[cartID] = cart
	return nil
}

// RemoveCartItems removes processed lines, keeping payment records.
func (m *MemoryStore) RemoveCartItems(_ context.Context, cartID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	cart = cloneCart(cart)
	cart.removeItems(productIDs)
	cart.UpdatedAt = time.Now().UTC()
	m.carts[cartID] = cart
	return nil
}

// ClearCartItems empties the cart but keeps its payment records for late webhooks.
func (m *MemoryStore) ClearCartItems(_ context.Context, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[cartID]
	if !ok {
		return ErrNotFound
	}
	cart = cloneCart(cart)
	cart.Items = []CartItem{}
	cart.UpdatedAt = time.Now().UTC()
	m.carts[cartID] = cart
	return nil
}
