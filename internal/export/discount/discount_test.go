package discount

import (
	"testing"

	"github.com/shopspring/decimal"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestApply_ProviderDiscount(t *testing.T) {
	cfg := exportdomain.NewDiscountConfig(map[string]decimal.Decimal{
		"vertex_ai": mustDecimal(t, "0.05"),
	})

	first := Apply(cfg, "vertex_ai", mustDecimal(t, "1.00"))
	second := Apply(cfg, "vertex_ai", mustDecimal(t, "2.00"))

	assert.True(t, mustDecimal(t, "0.95").Equal(first), "got %s", first)
	assert.True(t, mustDecimal(t, "1.90").Equal(second), "got %s", second)
	assert.True(t, mustDecimal(t, "2.85").Equal(first.Add(second)))
}

func TestApply_UnknownProviderPassesThrough(t *testing.T) {
	cfg := exportdomain.NewDiscountConfig(map[string]decimal.Decimal{
		"vertex_ai": mustDecimal(t, "0.05"),
	})

	cost := mustDecimal(t, "3.1415")
	assert.True(t, cost.Equal(Apply(cfg, "openai", cost)))
}

func TestApply_ZeroDiscountPassesThrough(t *testing.T) {
	cfg := exportdomain.NewDiscountConfig(map[string]decimal.Decimal{
		"openai": decimal.Zero,
	})

	cost := mustDecimal(t, "0.42")
	assert.True(t, cost.Equal(Apply(cfg, "openai", cost)))
}

func TestApply_KeepsInputScale(t *testing.T) {
	cfg := exportdomain.NewDiscountConfig(map[string]decimal.Decimal{
		"anthropic": mustDecimal(t, "0.1"),
	})

	got := Apply(cfg, "anthropic", mustDecimal(t, "0.0000000033"))
	assert.True(t, mustDecimal(t, "0.0000000030").Equal(got), "got %s", got)
	assert.EqualValues(t, -10, got.Exponent())
}

func TestApply_FullDiscount(t *testing.T) {
	cfg := exportdomain.NewDiscountConfig(map[string]decimal.Decimal{
		"internal": one,
	})

	got := Apply(cfg, "internal", mustDecimal(t, "12.50"))
	assert.True(t, got.IsZero())
}
