package money

import (
	"fmt"
	"strings"
	"sync"
)

// Asset describes a settlement currency: its ISO code, minor-unit exponent and
// which fiat rails can charge it.
type Asset struct {
	Code     string // Uppercase ISO-4217 code (USD, NGN, ...)
	Decimals uint8  // Minor-unit exponent (2 for USD, 0 for JPY)
	Rails    Rail
}

// Rail is a bitset of fiat providers able to settle an asset.
type Rail uint8

const (
	RailStripe Rail = 1 << iota
	RailFlutterwave
)

// Has reports whether r includes every rail in other.
func (r Rail) Has(other Rail) bool { return r&other == other }

var (
	assetRegistry = map[string]Asset{
		"USD": {Code: "USD", Decimals: 2, Rails: RailStripe | RailFlutterwave},
		"EUR": {Code: "EUR", Decimals: 2, Rails: RailStripe | RailFlutterwave},
		"GBP": {Code: "GBP", Decimals: 2, Rails: RailStripe | RailFlutterwave},
		"CAD": {Code: "CAD", Decimals: 2, Rails: RailStripe},
		"JPY": {Code: "JPY", Decimals: 0, Rails: RailStripe},
		"NGN": {Code: "NGN", Decimals: 2, Rails: RailStripe | RailFlutterwave},
		"GHS": {Code: "GHS", Decimals: 2, Rails: RailFlutterwave},
		"KES": {Code: "KES", Decimals: 2, Rails: RailStripe | RailFlutterwave},
		"ZAR": {Code: "ZAR", Decimals: 2, Rails: RailStripe | RailFlutterwave},
		"UGX": {Code: "UGX", Decimals: 0, Rails: RailStripe | RailFlutterwave},
		"XAF": {Code: "XAF", Decimals: 0, Rails: RailStripe | RailFlutterwave},
	}
	assetRegistryMu sync.RWMutex
)

// NormalizeCode trims and upper-cases a currency code. Providers disagree on
// case (Stripe reports "usd", Flutterwave "USD").
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// SameCurrency compares two currency codes case-insensitively.
func SameCurrency(a, b string) bool {
	return NormalizeCode(a) == NormalizeCode(b)
}

// GetAsset retrieves an asset from the registry.
func GetAsset(code string) (Asset, error) {
	assetRegistryMu.RLock()
	asset, ok := assetRegistry[NormalizeCode(code)]
	assetRegistryMu.RUnlock()

	if !ok {
		return Asset{}, fmt.Errorf("money: unknown currency: %s", code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found (for tests/constants).
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}

// RegisterAsset adds or replaces a currency in the registry.
func RegisterAsset(asset Asset) error {
	asset.Code = NormalizeCode(asset.Code)
	if asset.Code == "" {
		return fmt.Errorf("money: currency code required")
	}
	if asset.Decimals > 4 {
		return fmt.Errorf("money: fiat exponent must be <= 4, got %d", asset.Decimals)
	}

	assetRegistryMu.Lock()
	assetRegistry[asset.Code] = asset
	assetRegistryMu.Unlock()

	return nil
}

// StripeCurrency returns the lowercase code Stripe expects on the wire.
func (a Asset) StripeCurrency() string {
	return strings.ToLower(a.Code)
}
