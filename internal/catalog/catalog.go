// Package catalog holds static instrument metadata seeded at startup.
package catalog

import (
	"sync"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Catalog is a read-mostly table of instrument metadata keyed by pair
// symbol. Seeded once at construction; safe for concurrent reads.
type Catalog struct {
	mu   sync.RWMutex
	pairs map[string]types.Instrument
}

// New builds a catalog from the given seed list. A blank asset class
// defaults to AssetClassOther.
func New(seed []types.Instrument) *Catalog {
	c := &Catalog{pairs: make(map[string]types.Instrument, len(seed))}
	for _, inst := range seed {
		if inst.AssetClass == "" {
			inst.AssetClass = types.AssetClassOther
		}
		c.pairs[inst.Pair] = inst
	}
	return c
}

// Get returns the instrument metadata for pair, if known.
func (c *Catalog) Get(pair string) (types.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.pairs[pair]
	return inst, ok
}

// AssetClass returns the asset class for pair, or AssetClassOther if unknown.
func (c *Catalog) AssetClass(pair string) types.AssetClass {
	inst, ok := c.Get(pair)
	if !ok {
		return types.AssetClassOther
	}
	return inst.AssetClass
}

// PipSize returns the pip size for pair, defaulting to 0.0001 when unknown.
func (c *Catalog) PipSize(pair string) decimal.Decimal {
	inst, ok := c.Get(pair)
	if !ok {
		return decimal.NewFromFloat(0.0001)
	}
	return inst.PipSize
}

// AllPairs returns every seeded instrument, unordered.
func (c *Catalog) AllPairs() []types.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Instrument, 0, len(c.pairs))
	for _, inst := range c.pairs {
		out = append(out, inst)
	}
	return out
}

// Upsert adds or replaces an instrument's metadata. Used at startup to layer
// instrument-file overrides over the seed.
func (c *Catalog) Upsert(inst types.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs[inst.Pair] = inst
}

// DefaultSeed returns the built-in instrument table covering FX
// majors/minors/crosses, metals, and a handful of crypto pairs.
func DefaultSeed() []types.Instrument {
	pip := func(v string) decimal.Decimal { return decimal.RequireFromString(v) }
	return []types.Instrument{
		{Pair: "EURUSD", Base: "EUR", Quote: "USD", AssetClass: types.AssetClassForex, Category: types.CategoryMajors, PipSize: pip("0.0001"), PricePrecision: 5, SyntheticVolatility: pip("0.0007")},
		{Pair: "GBPUSD", Base: "GBP", Quote: "USD", AssetClass: types.AssetClassForex, Category: types.CategoryMajors, PipSize: pip("0.0001"), PricePrecision: 5, SyntheticVolatility: pip("0.0009")},
		{Pair: "USDJPY", Base: "USD", Quote: "JPY", AssetClass: types.AssetClassForex, Category: types.CategoryYen, PipSize: pip("0.01"), PricePrecision: 3, SyntheticVolatility: pip("0.08")},
		{Pair: "USDCHF", Base: "USD", Quote: "CHF", AssetClass: types.AssetClassForex, Category: types.CategoryMajors, PipSize: pip("0.0001"), PricePrecision: 5, SyntheticVolatility: pip("0.0007")},
		{Pair: "AUDUSD", Base: "AUD", Quote: "USD", AssetClass: types.AssetClassForex, Category: types.CategoryMajors, PipSize: pip("0.0001"), PricePrecision: 5, SyntheticVolatility: pip("0.0008")},
		{Pair: "USDCAD", Base: "USD", Quote: "CAD", AssetClass: types.AssetClassForex, Category: types.CategoryMajors, PipSize: pip("0.0001"), PricePrecision: 5, SyntheticVolatility: pip("0.0008")},
		{Pair: "NZDUSD", Base: "NZD", Quote: "USD", AssetClass: types.AssetClassForex, Category: types.CategoryMinors, PipSize: pip("0.0001"), PricePrecision: 5, SyntheticVolatility: pip("0.0009")},
		{Pair: "EURJPY", Base: "EUR", Quote: "JPY", AssetClass: types.AssetClassForex, Category: types.CategoryYen, PipSize: pip("0.01"), PricePrecision: 3, SyntheticVolatility: pip("0.09")},
		{Pair: "GBPJPY", Base: "GBP", Quote: "JPY", AssetClass: types.AssetClassForex, Category: types.CategoryYen, PipSize: pip("0.01"), PricePrecision: 3, SyntheticVolatility: pip("0.12")},
		{Pair: "EURGBP", Base: "EUR", Quote: "GBP", AssetClass: types.AssetClassForex, Category: types.CategoryCross, PipSize: pip("0.0001"), PricePrecision: 5, SyntheticVolatility: pip("0.0005")},
		{Pair: "AUDJPY", Base: "AUD", Quote: "JPY", AssetClass: types.AssetClassForex, Category: types.CategoryYen, PipSize: pip("0.01"), PricePrecision: 3, SyntheticVolatility: pip("0.10")},
		{Pair: "XAUUSD", Base: "XAU", Quote: "USD", AssetClass: types.AssetClassMetals, Category: types.CategoryNone, PipSize: pip("0.01"), PricePrecision: 2, SyntheticVolatility: pip("1.8")},
		{Pair: "XAGUSD", Base: "XAG", Quote: "USD", AssetClass: types.AssetClassMetals, Category: types.CategoryNone, PipSize: pip("0.001"), PricePrecision: 3, SyntheticVolatility: pip("0.05")},
		{Pair: "BTCUSD", Base: "BTC", Quote: "USD", AssetClass: types.AssetClassCrypto, Category: types.CategoryNone, PipSize: pip("1"), PricePrecision: 1, SyntheticVolatility: pip("180")},
		{Pair: "ETHUSD", Base: "ETH", Quote: "USD", AssetClass: types.AssetClassCrypto, Category: types.CategoryNone, PipSize: pip("0.1"), PricePrecision: 2, SyntheticVolatility: pip("18")},
	}
}
