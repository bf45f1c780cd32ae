// Package catalog provides the static model-price lookup the External
// API Client and Job Lifecycle Engine validate requests against. The
// catalog loader itself (fetching/refreshing the source of truth) is
// out of scope here; this package only holds the in-memory lookup
// table once loaded.
package catalog

import "github.com/shopspring/decimal"

// Category is the media kind a model produces, used by the delivery
// coordinator to pick a fallback chain.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryUpscale  Category = "upscale"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryUnknown  Category = "unknown"
)

// Model describes one generative-media model known to the gateway.
type Model struct {
	ModelID   string
	Category  Category
	PriceUSD  decimal.Decimal
	FreeTier  bool
	Enabled   bool
}

// Catalog is a static, in-memory model registry.
type Catalog struct {
	models map[string]Model
}

// New builds a catalog from a preloaded slice of models (e.g. parsed
// from the free_models table or a config file at startup).
func New(models []Model) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		c.models[m.ModelID] = m
	}
	return c
}

// Lookup returns the model config, or false if modelID is unknown.
func (c *Catalog) Lookup(modelID string) (Model, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// PriceRUB computes price_rub = price_usd * usdToRub * priceMultiplier
// for a known model, rounded to two fractional digits (the precision
// of the price_rub and ledger amount columns).
func PriceRUB(m Model, usdToRUB, priceMultiplier decimal.Decimal) decimal.Decimal {
	return m.PriceUSD.Mul(usdToRUB).Mul(priceMultiplier).Round(2)
}
