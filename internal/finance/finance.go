// Package finance holds the money arithmetic shared by the ledger and the
// transaction builder. Every function is pure and rounds to 2 decimals with
// round-half-up.
package finance

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Round2 rounds v to 2 decimal places, halves away from zero.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// LineItemTotal returns price × quantity.
func LineItemTotal(price float64, quantity int) float64 {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(quantity))).
		Round(2).
		InexactFloat64()
}

// TaxAmount returns base × percent / 100.
func TaxAmount(base float64, percent float64) float64 {
	return percentOf(base, percent)
}

// DiscountAmount returns base × percent / 100.
func DiscountAmount(base float64, percent float64) float64 {
	return percentOf(base, percent)
}

// TotalAmount returns subtotal + tax − discount.
func TotalAmount(subtotal float64, tax float64, discount float64) float64 {
	return decimal.NewFromFloat(subtotal).
		Add(decimal.NewFromFloat(tax)).
		Sub(decimal.NewFromFloat(discount)).
		Round(2).
		InexactFloat64()
}

// IsValidSellingPrice reports whether selling covers cost. Zero margin is valid.
func IsValidSellingPrice(selling float64, cost float64) bool {
	return decimal.NewFromFloat(selling).GreaterThanOrEqual(decimal.NewFromFloat(cost))
}

// MarginPercent returns (selling − cost) / cost × 100, or 100 when cost is zero.
func MarginPercent(selling float64, cost float64) float64 {
	c := decimal.NewFromFloat(cost)
	if c.IsZero() {
		return 100
	}
	return decimal.NewFromFloat(selling).
		Sub(c).
		Div(c).
		Mul(hundred).
		Round(2).
		InexactFloat64()
}

// Sum adds values exactly and rounds the result.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.Round(2).InexactFloat64()
}

// Sub returns a − b rounded.
func Sub(a float64, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Round(2).InexactFloat64()
}

func percentOf(base float64, percent float64) float64 {
	return decimal.NewFromFloat(base).
		Mul(decimal.NewFromFloat(percent)).
		Div(hundred).
		Round(2).
		InexactFloat64()
}
