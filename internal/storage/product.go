package storage

import (
	"context"
	"time"
)

// Availability is the catalog's sale state for a product.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilitySold        Availability = "sold"
	AvailabilityUnavailable Availability = "unavailable"
)

// Product is the part of the external catalog that checkout reads. Checkout
// writes only Stock, Sales and Availability.
type Product struct {
	ID           string       `json:"id" bson:"_id"`
	Name         string       `json:"name" bson:"name"`
	Price        int64        `json:"price" bson:"price"` // Minor units
	Currency     string       `json:"currency" bson:"currency"`
	Availability Availability `json:"availability" bson:"availability"`
	// Stock is nil when the catalog does not track quantity.
	Stock         *int64    `json:"stock,omitempty" bson:"stock"`
	Sales         int64     `json:"sales" bson:"sales"`
	Active        bool      `json:"active" bson:"active"`
	IsUniqueAsset bool      `json:"isUniqueAsset" bson:"is_unique_asset"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updated_at"`
}

// Purchasable reports whether the catalog currently allows a sale.
func (p Product) Purchasable() bool {
	return p.Active && p.Availability == AvailabilityAvailable
}

// TracksStock reports whether the product carries a stock count.
func (p Product) TracksStock() bool {
	return p.Stock != nil
}

// Int64 returns a pointer to v, for building products with tracked stock.
func Int64(v int64) *int64 {
	return &v
}

func cloneProduct(p Product) Product {
	if p.Stock != nil {
		p.Stock = Int64(*p.Stock)
	}
	return p
}

// SaveProduct upserts a catalog entry.
func (m *MemoryStore) SaveProduct(_ context.Context, product Product) error {
	if err := validateProduct(&product); err != nil {
		return err
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.products[product.ID] = cloneProduct(product)
	return nil
}

// GetProducts returns the products that exist among productIDs. Missing ids
// are simply absent from the map.
func (m *MemoryStore) GetProducts(_ context.Context, productIDs []string) (map[string]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := m.products[id]; ok {
			out[id] = cloneProduct(p)
		}
	}
	return out, nil
}

// DecrementStock checks and applies under the write lock, which is the
// in-process equivalent of a single-document conditional update.
func (m *MemoryStore) DecrementStock(_ context.Context, productID string, qty int64) (bool, error) {
	if qty < 1 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return false, nil
	}
	if !p.Purchasable() {
		return false, nil
	}
	if p.Stock != nil && *p.Stock < qty {
		return false, nil
	}

	p = cloneProduct(p)
	if p.Stock != nil {
		*p.Stock -= qty
		if *p.Stock == 0 {
			p.Availability = AvailabilitySold
		}
	}
	if p.IsUniqueAsset {
		p.Availability = AvailabilitySold
	}
	p.Sales += qty
	p.UpdatedAt = time.Now().UTC()
	m.products[productID] = p
	return true, nil
}

// MarkAssetSold flips an available unique asset to sold exactly once.
func (m *MemoryStore) MarkAssetSold(_ context.Context, productID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok || !p.IsUniqueAsset || !p.Purchasable() {
		return false, nil
	}

	p = cloneProduct(p)
	p.Availability = AvailabilitySold
	if p.Stock != nil {
		*p.Stock = 0
	}
	p.Sales++
	p.UpdatedAt = time.Now().UTC()
	m.products[productID] = p
	return true, nil
}
