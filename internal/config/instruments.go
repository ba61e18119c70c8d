package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

// instrumentOverride mirrors types.Instrument with string-friendly decimal
// fields, since viper decodes YAML/JSON scalars as strings or floats rather
// than shopspring/decimal directly.
type instrumentOverride struct {
	Pair                string `mapstructure:"pair"`
	Base                string `mapstructure:"base"`
	Quote               string `mapstructure:"quote"`
	AssetClass          string `mapstructure:"assetClass"`
	Category            string `mapstructure:"category"`
	PipSize             string `mapstructure:"pipSize"`
	PricePrecision      int    `mapstructure:"pricePrecision"`
	SyntheticVolatility string `mapstructure:"syntheticVolatility"`
}

// LoadInstrumentOverrides reads an optional YAML/JSON file of instrument
// metadata (a top-level "instruments" list) and returns it as
// types.Instrument values the catalog can Upsert over its built-in seed. An
// empty path, or a path that doesn't exist, is not an error: the catalog
// simply runs with its defaults.
func LoadInstrumentOverrides(path string) ([]types.Instrument, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read instrument overrides: %w", err)
	}

	var raw []instrumentOverride
	if err := v.UnmarshalKey("instruments", &raw); err != nil {
		return nil, fmt.Errorf("config: decode instrument overrides: %w", err)
	}

	out := make([]types.Instrument, 0, len(raw))
	for _, r := range raw {
		inst := types.Instrument{
			Pair:           r.Pair,
			Base:           r.Base,
			Quote:          r.Quote,
			AssetClass:     types.AssetClass(r.AssetClass),
			Category:       types.PairCategory(r.Category),
			PricePrecision: r.PricePrecision,
		}
		if r.PipSize != "" {
			d, err := decimal.NewFromString(r.PipSize)
			if err != nil {
				return nil, fmt.Errorf("config: instrument %q pipSize: %w", r.Pair, err)
			}
			inst.PipSize = d
		}
		if r.SyntheticVolatility != "" {
			d, err := decimal.NewFromString(r.SyntheticVolatility)
			if err != nil {
				return nil, fmt.Errorf("config: instrument %q syntheticVolatility: %w", r.Pair, err)
			}
			inst.SyntheticVolatility = d
		}
		out = append(out, inst)
	}
	return out, nil
}
