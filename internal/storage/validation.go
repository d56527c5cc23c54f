package storage

import (
	"fmt"
	"time"

	"github.com/tradepost/checkout/internal/money"
)

func validateCart(cart *Cart) error {
	if cart.ID == "" {
		return fmt.Errorf("storage: cart requires id")
	}
	if cart.UserID == "" {
		return fmt.Errorf("storage: cart requires user id")
	}
	for i, item := range cart.Items {
		if item.ProductID == "" {
			return fmt.Errorf("storage: cart item %d requires product id", i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("storage: cart item %d quantity must be >= 1", i)
		}
	}
	if cart.Items == nil {
		cart.Items = []CartItem{}
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func validatePaymentRecord(rec *PaymentRecord) error {
	switch rec.Provider {
	case ProviderStripe, ProviderFlutterwave:
	default:
		return fmt.Errorf("storage: payment record provider %q not allowed", rec.Provider)
	}
	if rec.Reference == "" {
		return fmt.Errorf("storage: payment record requires reference")
	}
	if rec.Currency == "" {
		return fmt.Errorf("storage: payment record requires currency")
	}
	rec.Currency = money.NormalizeCode(rec.Currency)
	if rec.Status == "" {
		rec.Status = PaymentStatusPending
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	return nil
}

func validateProduct(p *Product) error {
	if p.ID == "" {
		return fmt.Errorf("storage: product requires id")
	}
	if p.Currency == "" {
		return fmt.Errorf("storage: product %s requires currency", p.ID)
	}
	p.Currency = money.NormalizeCode(p.Currency)
	if p.Availability == "" {
		p.Availability = AvailabilityAvailable
	}
	if p.Stock != nil && *p.Stock < 0 {
		return fmt.Errorf("storage: product %s stock must be >= 0", p.ID)
	}
	return nil
}

func validateOrder(o *Order) error {
	if o.ID == "" {
		return fmt.Errorf("storage: order requires id")
	}
	if o.UserID == "" {
		return fmt.Errorf("storage: order requires user id")
	}
	switch o.Status {
	case OrderStatusCompleted, OrderStatusPartiallyCompleted, OrderStatusCancelled:
	default:
		return fmt.Errorf("storage: order status %q invalid", o.Status)
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	return nil
}
