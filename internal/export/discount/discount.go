// Package discount applies provider-level percentage discounts to raw
// usage costs before translation into billing records.
package discount

import (
	"github.com/shopspring/decimal"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
)

var one = decimal.NewFromInt(1)

// Apply returns the discounted cost for a provider. Providers without a
// configured discount pass through unchanged. The result is rounded to
// the exponent of the input cost so a cost recorded with 10 decimal
// places keeps 10 decimal places after discounting.
func Apply(cfg exportdomain.DiscountConfig, provider string, cost decimal.Decimal) decimal.Decimal {
	fraction, ok := cfg.Fraction(provider)
	if !ok || fraction.IsZero() {
		return cost
	}
	discounted := cost.Mul(one.Sub(fraction))
	return discounted.Round(-cost.Exponent())
}
