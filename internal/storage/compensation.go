package storage

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// CompensationStatus tracks a refund intent.
type CompensationStatus string

const (
	CompensationPending   CompensationStatus = "pending"   // Persisted, provider not yet called
	CompensationSubmitted CompensationStatus = "submitted" // Provider accepted the refund
	CompensationFailed    CompensationStatus = "failed"    // Provider refused; needs manual review
)

// CompensationIntent is written before the provider refund call so a crash
// between the two leaves a visible pending record instead of nothing.
type CompensationIntent struct {
	ID        string             `json:"id" bson:"_id"`
	OrderID   string             `json:"orderId" bson:"order_id"`
	UserID    string             `json:"userId" bson:"user_id"`
	Provider  Provider           `json:"provider" bson:"provider"`
	Reference string             `json:"reference" bson:"reference"`
	Currency  string             `json:"currency" bson:"currency"`
	Amount    int64              `json:"amount" bson:"amount"` // Minor units
	Status    CompensationStatus `json:"status" bson:"status"`
	RefundID  string             `json:"refundId,omitempty" bson:"refund_id,omitempty"`
	LastError string             `json:"lastError,omitempty" bson:"last_error,omitempty"`
	CreatedAt time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time          `json:"updatedAt" bson:"updated_at"`
}

func validateCompensation(c *CompensationIntent) error {
	if c.ID == "" {
		c.ID = NewID("cmp")
	}
	if c.OrderID == "" || c.Reference == "" {
		return fmt.Errorf("storage: compensation requires order id and reference")
	}
	if c.Amount <= 0 {
		return fmt.Errorf("storage: compensation amount must be positive")
	}
	if c.Status == "" {
		c.Status = CompensationPending
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return nil
}

// SaveCompensation inserts a new intent.
func (m *MemoryStore) SaveCompensation(_ context.Context, intent CompensationIntent) error {
	if err := validateCompensation(&intent); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.compensations[intent.ID] = intent
	return nil
}

// UpdateCompensation records the provider outcome.
func (m *MemoryStore) UpdateCompensation(_ context.Context, id string, status CompensationStatus, refundID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.compensations[id]
	if !ok {
		return ErrNotFound
	}
	intent.Status = status
	intent.RefundID = refundID
	intent.LastError = lastError
	intent.UpdatedAt = time.Now().UTC()
	m.compensations[id] = intent
	return nil
}

// ListCompensations returns intents for an order, oldest first. An empty
// orderID lists every intent.
func (m *MemoryStore) ListCompensations(_ context.Context, orderID string) ([]CompensationIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []CompensationIntent
	for _, intent := range m.compensations {
		if orderID == "" || intent.OrderID == orderID {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
