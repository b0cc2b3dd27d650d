package numeric

import (
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human readable amount ("1.5") into integer base units
// for an asset with the given precision. Fractional base units are rejected.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "parse amount %q", amount)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, errors.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits renders integer base units as a decimal amount string.
func FromBaseUnits(n *big.Int, decimals int32) string {
	if n == nil {
		return "0"
	}
	return decimal.NewFromBigInt(n, -decimals).String()
}

// MulDecimal multiplies n by a decimal ratio such as "1.25" and rounds the
// result up to the next integer.
func MulDecimal(n *big.Int, ratio string) *big.Int {
	r := decimal.RequireFromString(ratio)
	return decimal.NewFromBigInt(n, 0).Mul(r).Ceil().BigInt()
}

// MulFloat is MulDecimal for ratios that come from configuration as floats.
func MulFloat(n *big.Int, ratio float64) *big.Int {
	return decimal.NewFromBigInt(n, 0).Mul(decimal.NewFromFloat(ratio)).Ceil().BigInt()
}

// CoinsToBaseUnits converts a coin-denominated decimal string ("0.00012")
// returned by explorers into base units, rounding up.
func CoinsToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "parse amount %q", amount)
	}
	return d.Shift(decimals).Ceil().BigInt(), nil
}
