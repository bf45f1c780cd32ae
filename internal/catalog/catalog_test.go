package catalog

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCatalog_Lookup(t *testing.T) {
	c := New([]Model{
		{ModelID: "flux-pro", Category: CategoryImage, PriceUSD: decimal.NewFromFloat(0.05)},
	})

	m, ok := c.Lookup("flux-pro")
	assert.True(t, ok)
	assert.Equal(t, CategoryImage, m.Category)

	_, ok = c.Lookup("unknown")
	assert.False(t, ok)
}

func TestPriceRUB(t *testing.T) {
	m := Model{PriceUSD: decimal.NewFromFloat(0.10)}
	price := PriceRUB(m, decimal.NewFromFloat(95.0), decimal.NewFromFloat(1.3))
	expected := decimal.NewFromFloat(0.10 * 95.0 * 1.3)
	assert.True(t, expected.Sub(price).Abs().LessThan(decimal.NewFromFloat(0.0001)))
}
