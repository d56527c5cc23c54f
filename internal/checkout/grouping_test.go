package checkout

import (
	"math"
	"testing"

	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/storage"
)

func catalog(products ...storage.Product) map[string]storage.Product {
	out := make(map[string]storage.Product, len(products))
	for _, p := range products {
		p.Active = true
		if p.Availability == "" {
			p.Availability = storage.AvailabilityAvailable
		}
		out[p.ID] = p
	}
	return out
}

func TestGroupLines(t *testing.T) {
	products := catalog(
		priced("shirt", 1000, "USD", 10),
		priced("mug", 1500, "usd", 10),
		priced("print", 2000, "EUR", 10),
		priced("free", 0, "USD", 10),
		priced("yen", 500, "XYZ", 10),
		priced("huge", math.MaxInt64/2, "USD", 10),
		uniqueAsset("nft"),
		storage.Product{ID: "gone", Price: 100, Currency: "USD", Availability: storage.AvailabilitySold},
	)

	tests := []struct {
		name      string
		items     []storage.CartItem
		wantCode  apierrors.ErrorCode
		wantTotal map[string]int64
		wantUniq  int
	}{
		{
			name:      "single currency sums catalog prices",
			items:     []storage.CartItem{item("shirt", 2), item("mug", 1)},
			wantTotal: map[string]int64{"USD": 3500},
		},
		{
			name:      "groups by currency",
			items:     []storage.CartItem{item("shirt", 1), item("print", 3)},
			wantTotal: map[string]int64{"USD": 1000, "EUR": 6000},
		},
		{
			name:      "unique assets are kept apart",
			items:     []storage.CartItem{item("shirt", 1), item("nft", 1)},
			wantTotal: map[string]int64{"USD": 1000},
			wantUniq:  1,
		},
		{
			name:      "buyer-side price is ignored",
			items:     []storage.CartItem{{ProductID: "shirt", Quantity: 1, UnitPrice: 1, Currency: "EUR"}},
			wantTotal: map[string]int64{"USD": 1000},
		},
		{name: "empty cart", items: nil, wantCode: apierrors.ErrCodeEmptyCart},
		{name: "unknown product", items: []storage.CartItem{item("missing", 1)}, wantCode: apierrors.ErrCodeProductNotFound},
		{name: "sold product", items: []storage.CartItem{item("gone", 1)}, wantCode: apierrors.ErrCodeInvalidCart},
		{name: "zero quantity", items: []storage.CartItem{item("shirt", 0)}, wantCode: apierrors.ErrCodeInvalidCart},
		{name: "unique asset quantity", items: []storage.CartItem{item("nft", 2)}, wantCode: apierrors.ErrCodeInvalidCart},
		{name: "unsupported currency", items: []storage.CartItem{item("yen", 1)}, wantCode: apierrors.ErrCodeInvalidCart},
		{name: "line overflow", items: []storage.CartItem{item("huge", 3)}, wantCode: apierrors.ErrCodeInvalidCart},
		{name: "subtotal overflow", items: []storage.CartItem{item("huge", 2), item("shirt", 1)}, wantCode: apierrors.ErrCodeInvalidCart},
		{name: "zero subtotal", items: []storage.CartItem{item("free", 1)}, wantCode: apierrors.ErrCodeInvalidCart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := GroupLines(tt.items, products)
			if tt.wantCode != "" {
				wantCode(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("GroupLines() error = %v", err)
			}
			if len(plan.Groups) != len(tt.wantTotal) {
				t.Fatalf("len(Groups) = %d, want %d", len(plan.Groups), len(tt.wantTotal))
			}
			for code, want := range tt.wantTotal {
				group, ok := plan.Group(code)
				if !ok {
					t.Fatalf("missing %s group", code)
				}
				if group.Subtotal.Minor != want {
					t.Errorf("%s subtotal = %d, want %d", code, group.Subtotal.Minor, want)
				}
			}
			if len(plan.UniqueLines) != tt.wantUniq {
				t.Errorf("len(UniqueLines) = %d, want %d", len(plan.UniqueLines), tt.wantUniq)
			}
			if plan.LineCount() != len(tt.items) {
				t.Errorf("LineCount() = %d, want %d", plan.LineCount(), len(tt.items))
			}
		})
	}
}

func TestGroupLines_SortedByCurrency(t *testing.T) {
	products := catalog(priced("a", 100, "USD", 1), priced("b", 100, "EUR", 1), priced("c", 100, "GBP", 1))
	plan, err := GroupLines([]storage.CartItem{item("a", 1), item("b", 1), item("c", 1)}, products)
	if err != nil {
		t.Fatalf("GroupLines() error = %v", err)
	}
	var codes []string
	for _, g := range plan.Groups {
		codes = append(codes, g.Asset.Code)
	}
	if len(codes) != 3 || codes[0] != "EUR" || codes[1] != "GBP" || codes[2] != "USD" {
		t.Errorf("group order = %v, want [EUR GBP USD]", codes)
	}
}

func TestProductIDs_Distinct(t *testing.T) {
	ids := productIDs([]storage.CartItem{item("a", 1), item("b", 1), item("a", 2)})
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("productIDs() = %v, want [a b]", ids)
	}
}
