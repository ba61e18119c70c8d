package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

func TestLoadInstrumentOverridesEmptyPathReturnsNil(t *testing.T) {
	overrides, err := LoadInstrumentOverrides("")
	require.NoError(t, err)
	assert.Nil(t, overrides)
}

func TestLoadInstrumentOverridesMissingFileReturnsNil(t *testing.T) {
	overrides, err := LoadInstrumentOverrides(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Nil(t, overrides)
}

func TestLoadInstrumentOverridesParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	body := `
instruments:
  - pair: EURUSD
    base: EUR
    quote: USD
    assetClass: forex
    category: majors
    pipSize: "0.0001"
    pricePrecision: 5
    syntheticVolatility: "0.0006"
  - pair: XPTUSD
    base: XPT
    quote: USD
    assetClass: metals
    pipSize: "0.01"
    pricePrecision: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	overrides, err := LoadInstrumentOverrides(path)
	require.NoError(t, err)
	require.Len(t, overrides, 2)

	assert.Equal(t, "EURUSD", overrides[0].Pair)
	assert.Equal(t, types.AssetClassForex, overrides[0].AssetClass)
	assert.Equal(t, types.CategoryMajors, overrides[0].Category)
	assert.True(t, overrides[0].PipSize.Equal(decimal.NewFromFloat(0.0001)))
	assert.Equal(t, 5, overrides[0].PricePrecision)

	assert.Equal(t, "XPTUSD", overrides[1].Pair)
	assert.Equal(t, types.AssetClassMetals, overrides[1].AssetClass)
	assert.True(t, overrides[1].PipSize.Equal(decimal.NewFromFloat(0.01)))
}

func TestLoadInstrumentOverridesRejectsBadDecimal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	body := `
instruments:
  - pair: EURUSD
    pipSize: "not-a-number"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadInstrumentOverrides(path)
	assert.Error(t, err)
}
