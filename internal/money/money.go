package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor units of a single currency. Arithmetic stays on
// int64; decimal is only used at provider boundaries that speak major units.
//
// Examples:
//   - $10.50    = Money{Asset: USD, Minor: 1050}
//   - ₦2,500.00 = Money{Asset: NGN, Minor: 250000}
//   - ¥1,200    = Money{Asset: JPY, Minor: 1200}
type Money struct {
	Asset Asset
	Minor int64
}

var (
	// ErrOverflow occurs when an operation would exceed int64 capacity.
	ErrOverflow = errors.New("money: arithmetic overflow")

	// ErrAssetMismatch occurs when operating on different currencies.
	ErrAssetMismatch = errors.New("money: currency mismatch")

	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid format")
)

// Zero returns a zero amount for the given asset.
func Zero(asset Asset) Money {
	return Money{Asset: asset}
}

// New creates a Money from minor units.
func New(asset Asset, minor int64) Money {
	return Money{Asset: asset, Minor: minor}
}

// FromDecimal converts a major-unit decimal into minor units, rounding half-up
// at the currency's exponent.
func FromDecimal(asset Asset, major decimal.Decimal) (Money, error) {
	scaled := major.Shift(int32(asset.Decimals)).Round(0)
	if !scaled.BigInt().IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Asset: asset, Minor: scaled.IntPart()}, nil
}

// ObservedFromDecimal converts an amount a provider reports as paid. Sub-minor
// fractions are truncated so a short payment never rounds up to the price.
func ObservedFromDecimal(asset Asset, major decimal.Decimal) (Money, error) {
	scaled := major.Shift(int32(asset.Decimals)).Floor()
	if !scaled.BigInt().IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Asset: asset, Minor: scaled.IntPart()}, nil
}

// FromMajor parses a major-unit string (e.g. "10.50").
//
// Examples:
//   - FromMajor(USD, "10.50")  → 1050
//   - FromMajor(USD, "10.555") → 1056
//   - FromMajor(JPY, "1200")   → 1200
func FromMajor(asset Asset, major string) (Money, error) {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return FromDecimal(asset, d)
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Minor, -int32(m.Asset.Decimals))
}

// ToMajor renders the amount in major units with the currency's fixed precision.
func (m Money) ToMajor() string {
	return m.Decimal().StringFixed(int32(m.Asset.Decimals))
}

// Add returns the sum of two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Asset.Code != other.Asset.Code {
		return Money{}, fmt.Errorf("%w: cannot add %s and %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}
	if (other.Minor > 0 && m.Minor > math.MaxInt64-other.Minor) ||
		(other.Minor < 0 && m.Minor < math.MinInt64-other.Minor) {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Minor: m.Minor + other.Minor}, nil
}

// Mul multiplies by an integer quantity.
func (m Money) Mul(qty int64) (Money, error) {
	product := new(big.Int).Mul(big.NewInt(m.Minor), big.NewInt(qty))
	if !product.IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Minor: product.Int64()}, nil
}

// Min returns the smaller of two amounts of the same currency.
func Min(a, b Money) Money {
	if b.Minor < a.Minor {
		return b
	}
	return a
}

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Minor > 0 }

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Minor == 0 }

// GreaterOrEqual reports m >= other. Currencies must already match.
func (m Money) GreaterOrEqual(other Money) bool {
	return m.Asset.Code == other.Asset.Code && m.Minor >= other.Minor
}

// String formats as "10.50 USD".
func (m Money) String() string {
	return m.ToMajor() + " " + m.Asset.Code
}
