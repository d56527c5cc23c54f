package storage

import (
	"context"
	"time"
)

// OrderStatus is the settlement outcome recorded on an order.
type OrderStatus string

const (
	OrderStatusCompleted          OrderStatus = "completed"
	OrderStatusPartiallyCompleted OrderStatus = "partially_completed"
	OrderStatusCancelled          OrderStatus = "cancelled"
)

// OrderItem is a denormalized snapshot of a sold line.
type OrderItem struct {
	ProductID     string `json:"productId" bson:"product_id"`
	Name          string `json:"name" bson:"name"`
	Quantity      int64  `json:"quantity" bson:"quantity"`
	UnitPrice     int64  `json:"unitPrice" bson:"unit_price"`
	Currency      string `json:"currency" bson:"currency"`
	IsUniqueAsset bool   `json:"isUniqueAsset" bson:"is_unique_asset"`
}

// PaymentDetail is the provider evidence an order was settled against.
type PaymentDetail struct {
	Provider      Provider      `json:"provider" bson:"provider"`
	Currency      string        `json:"currency,omitempty" bson:"currency,omitempty"`
	Reference     string        `json:"reference" bson:"reference"`
	TransactionID string        `json:"transactionId,omitempty" bson:"transaction_id,omitempty"`
	Network       string        `json:"network,omitempty" bson:"network,omitempty"`
	Amount        int64         `json:"amount" bson:"amount"` // Observed amount in minor units
	Status        PaymentStatus `json:"status" bson:"status"`
}

// Order is the immutable settlement record. Only Status, UpdatedAt,
// PaymentDetails[].Status and PaymentConfirmedAt change after creation.
type Order struct {
	ID                 string           `json:"id" bson:"_id"`
	UserID             string           `json:"userId" bson:"user_id"`
	CartID             string           `json:"cartId" bson:"cart_id"`
	Items              []OrderItem      `json:"items" bson:"items"`
	Totals             map[string]int64 `json:"totals" bson:"totals"` // currency -> minor units
	PaymentMethod      string           `json:"paymentMethod" bson:"payment_method"`
	PaymentDetails     []PaymentDetail  `json:"paymentDetails" bson:"payment_details"`
	Status             OrderStatus      `json:"status" bson:"status"`
	PaymentConfirmedAt *time.Time       `json:"paymentConfirmedAt,omitempty" bson:"payment_confirmed_at,omitempty"`
	CreatedAt          time.Time        `json:"createdAt" bson:"created_at"`
	UpdatedAt          time.Time        `json:"updatedAt" bson:"updated_at"`
}

// References reports whether the order carries evidence for (provider, reference).
func (o *Order) References(provider Provider, reference string) bool {
	for _, d := range o.PaymentDetails {
		if d.Provider == provider && d.Reference == reference {
			return true
		}
	}
	return false
}

// confirmPayment marks the matching detail succeeded. Completed-state orders
// stay completed; partial and cancelled orders keep their status since the
// payment confirmation does not change which lines were fulfilled.
func (o *Order) confirmPayment(provider Provider, reference string, now time.Time) bool {
	changed := false
	for i, d := range o.PaymentDetails {
		if d.Provider == provider && d.Reference == reference && d.Status != PaymentStatusSucceeded {
			o.PaymentDetails[i].Status = PaymentStatusSucceeded
			changed = true
		}
	}
	if !changed {
		return false
	}
	if o.PaymentConfirmedAt == nil {
		o.PaymentConfirmedAt = &now
	}
	o.UpdatedAt = now
	return true
}

func cloneOrder(o Order) Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	out.PaymentDetails = append([]PaymentDetail(nil), o.PaymentDetails...)
	if o.Totals != nil {
		out.Totals = make(map[string]int64, len(o.Totals))
		for k, v := range o.Totals {
			out.Totals[k] = v
		}
	}
	return out
}

// CreateOrder inserts an order; the id must be new.
func (m *MemoryStore) CreateOrder(_ context.Context, order Order) error {
	if err := validateOrder(&order); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return ErrDuplicateOrder
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

// GetOrder retrieves an order by ID.
func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(order), nil
}

// MarkOrdersPaid confirms payment on every order referencing (provider, reference).
func (m *MemoryStore) MarkOrdersPaid(_ context.Context, provider Provider, reference string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	changed := 0
	for id, order := range m.orders {
		if !order.References(provider, reference) {
			continue
		}
		order = cloneOrder(order)
		if order.confirmPayment(provider, reference, now) {
			m.orders[id] = order
			changed++
		}
	}
	return changed, nil
}
