package storage

import (
	"context"
	"fmt"
	"time"
)

// ConsumedPayment records that a payment reference settled an order.
type ConsumedPayment struct {
	Provider   Provider  `json:"provider" bson:"provider"`
	Reference  string    `json:"reference" bson:"reference"`
	OrderID    string    `json:"orderId" bson:"order_id"`
	UserID     string    `json:"userId" bson:"user_id"`
	CartID     string    `json:"cartId" bson:"cart_id"`
	ConsumedAt time.Time `json:"consumedAt" bson:"consumed_at"`
}

func validateConsumedPayment(c *ConsumedPayment) error {
	if c.Provider == "" || c.Reference == "" || c.OrderID == "" {
		return fmt.Errorf("storage: consumed payment requires provider, reference and order id")
	}
	if c.ConsumedAt.IsZero() {
		c.ConsumedAt = time.Now().UTC()
	}
	return nil
}

func consumedKey(provider Provider, reference string) string {
	return string(provider) + "|" + reference
}

// ConsumePayment binds the reference to claim.OrderID.
func (m *MemoryStore) ConsumePayment(_ context.Context, claim ConsumedPayment) error {
	if err := validateConsumedPayment(&claim); err != nil {
		return err
	}

	key := consumedKey(claim.Provider, claim.Reference)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.consumed[key]; ok {
		if existing.OrderID == claim.OrderID {
			return nil
		}
		return ErrPaymentConsumed
	}
	m.consumed[key] = claim
	return nil
}

// ReleasePayments frees the references held by orderID.
func (m *MemoryStore) ReleasePayments(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, c := range m.consumed {
		if c.OrderID == orderID {
			delete(m.consumed, key)
		}
	}
	return nil
}
