package catalog

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

func TestDefaultSeedCoversAllAssetClasses(t *testing.T) {
	cat := New(DefaultSeed())

	inst, ok := cat.Get("EURUSD")
	require.True(t, ok)
	assert.Equal(t, types.AssetClassForex, inst.AssetClass)

	assert.Equal(t, types.AssetClassMetals, cat.AssetClass("XAUUSD"))
	assert.Equal(t, types.AssetClassCrypto, cat.AssetClass("BTCUSD"))
}

func TestUnknownPairDefaultsToAssetClassOther(t *testing.T) {
	cat := New(DefaultSeed())
	_, ok := cat.Get("NOPE")
	assert.False(t, ok)
	assert.Equal(t, types.AssetClassOther, cat.AssetClass("NOPE"))
	assert.True(t, cat.PipSize("NOPE").Equal(decimal.NewFromFloat(0.0001)))
}

func TestSeedWithBlankAssetClassDefaultsToOther(t *testing.T) {
	cat := New([]types.Instrument{{Pair: "XYZUSD"}})
	assert.Equal(t, types.AssetClassOther, cat.AssetClass("XYZUSD"))
}

func TestUpsertReplacesInstrument(t *testing.T) {
	cat := New(DefaultSeed())
	cat.Upsert(types.Instrument{Pair: "EURUSD", AssetClass: types.AssetClassForex, PipSize: decimal.NewFromFloat(0.001)})
	inst, ok := cat.Get("EURUSD")
	require.True(t, ok)
	assert.True(t, inst.PipSize.Equal(decimal.NewFromFloat(0.001)))
}

func TestAllPairsReturnsEverySeededInstrument(t *testing.T) {
	cat := New(DefaultSeed())
	all := cat.AllPairs()
	assert.Len(t, all, len(DefaultSeed()))
}
