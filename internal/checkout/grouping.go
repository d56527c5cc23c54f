package checkout

import (
	"sort"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/money"
	"github.com/tradepost/checkout/internal/storage"
)

// Line is a cart line resolved against the catalog. Total is always the
// catalog price times quantity.
type Line struct {
	Item    storage.CartItem
	Product storage.Product
	Total   money.Money
}

// CurrencyGroup is the set of fiat lines settled by one provider reference.
type CurrencyGroup struct {
	Asset    money.Asset
	Lines    []Line
	Subtotal money.Money
}

// Plan partitions a cart for settlement.
type Plan struct {
	Groups      []CurrencyGroup // Sorted by currency code
	UniqueLines []Line          // Settled together by one on-chain transfer
}

// Group returns the fiat group for currency.
func (p Plan) Group(currency string) (CurrencyGroup, bool) {
	code := money.NormalizeCode(currency)
	for _, g := range p.Groups {
		if g.Asset.Code == code {
			return g, true
		}
	}
	return CurrencyGroup{}, false
}

// LineCount is the number of lines across every settlement path.
func (p Plan) LineCount() int {
	n := len(p.UniqueLines)
	for _, g := range p.Groups {
		n += len(g.Lines)
	}
	return n
}

// GroupLines resolves cart items against catalog products and recomputes
// every subtotal from catalog prices. The price and currency the buyer saw
// when adding an item are ignored.
func GroupLines(items []storage.CartItem, products map[string]storage.Product) (Plan, error) {
	if len(items) == 0 {
		return Plan{}, apierrors.New(apierrors.ErrCodeEmptyCart, "cart is empty")
	}

	byCurrency := make(map[string]*CurrencyGroup)
	var plan Plan

	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return Plan{}, apierrors.New(apierrors.ErrCodeProductNotFound, "product no longer exists").
				WithDetail("productId", item.ProductID)
		}
		if !product.Purchasable() {
			return Plan{}, apierrors.New(apierrors.ErrCodeInvalidCart, "product is no longer available").
				WithDetail("productId", item.ProductID).
				WithDetail("availability", string(product.Availability))
		}
		if item.Quantity < 1 {
			return Plan{}, apierrors.New(apierrors.ErrCodeInvalidCart, "quantity must be at least 1").
				WithDetail("productId", item.ProductID)
		}

		if product.IsUniqueAsset {
			if item.Quantity != 1 {
				return Plan{}, apierrors.New(apierrors.ErrCodeInvalidCart, "unique assets cannot be bought in quantity").
					WithDetail("productId", item.ProductID)
			}
			plan.UniqueLines = append(plan.UniqueLines, Line{
				Item:    item,
				Product: product,
				Total:   uniqueTotal(product),
			})
			continue
		}

		asset, err := money.GetAsset(product.Currency)
		if err != nil {
			return Plan{}, apierrors.Wrap(apierrors.ErrCodeInvalidCart, "product priced in unsupported currency", err).
				WithDetail("productId", item.ProductID)
		}
		total, err := money.New(asset, product.Price).Mul(item.Quantity)
		if err != nil {
			return Plan{}, apierrors.Wrap(apierrors.ErrCodeInvalidCart, "line total overflows", err).
				WithDetail("productId", item.ProductID)
		}

		group, ok := byCurrency[asset.Code]
		if !ok {
			group = &CurrencyGroup{Asset: asset, Subtotal: money.Zero(asset)}
			byCurrency[asset.Code] = group
		}
		group.Lines = append(group.Lines, Line{Item: item, Product: product, Total: total})
		if group.Subtotal, err = group.Subtotal.Add(total); err != nil {
			return Plan{}, apierrors.Wrap(apierrors.ErrCodeInvalidCart, "subtotal overflows", err).
				WithDetail("currency", asset.Code)
		}
	}

	for _, group := range byCurrency {
		if !group.Subtotal.IsPositive() {
			return Plan{}, apierrors.New(apierrors.ErrCodeInvalidCart, "currency group subtotal must be positive").
				WithDetail("currency", group.Asset.Code)
		}
		plan.Groups = append(plan.Groups, *group)
	}
	sort.Slice(plan.Groups, func(i, j int) bool {
		return plan.Groups[i].Asset.Code < plan.Groups[j].Asset.Code
	})
	return plan, nil
}

// uniqueTotal prices a unique asset for the order snapshot only; on-chain
// settlement never compares amounts.
func uniqueTotal(product storage.Product) money.Money {
	asset, err := money.GetAsset(product.Currency)
	if err != nil {
		asset = money.Asset{Code: money.NormalizeCode(product.Currency)}
	}
	return money.New(asset, product.Price)
}

// productIDs lists the distinct products in items, in cart order.
func productIDs(items []storage.CartItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}
