package model

import "github.com/shopspring/decimal"

// BpsDenominator is the basis-point scale (10000 = 100%).
const BpsDenominator = 10000

var bpsDenom = decimal.NewFromInt(BpsDenominator)

// MulDiv computes a*b/c truncated toward zero at scale decimal places.
// Truncation at the asset's decimals matches integer division on base units.
func MulDiv(a, b, c decimal.Decimal, scale int32) decimal.Decimal {
	if c.IsZero() {
		return decimal.Zero
	}
	q, _ := a.Mul(b).QuoRem(c, scale)
	return q
}

// Bps returns amount × bps / 10000 truncated at scale.
func Bps(amount decimal.Decimal, bps int64, scale int32) decimal.Decimal {
	return MulDiv(amount, decimal.NewFromInt(bps), bpsDenom, scale)
}

// BpsFraction returns bps / 10000 as an exact decimal.
func BpsFraction(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(bpsDenom)
}

// MaxZero returns v, or zero if v is negative.
func MaxZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
