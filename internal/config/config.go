// Package config layers engine configuration from built-in defaults, an
// optional YAML/JSON file, and environment variables, following the
// teacher's viper dependency through to an actual call site.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/api"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/backend"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EngineConfig aggregates the backend's full per-component config plus
// the HTTP/WebSocket surface and the symbol universe to trade.
type EngineConfig struct {
	Symbols []string       `mapstructure:"symbols"`
	Backend backend.Config `mapstructure:"backend"`
	API     api.Config     `mapstructure:"api"`
}

// DefaultEngineConfig returns the built-in defaults for every layer.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Symbols: []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA"},
		Backend: backend.DefaultConfig(),
		API:     api.DefaultConfig(),
	}
}

// Load builds an EngineConfig from, in increasing precedence: built-in
// defaults, an optional config file at path (if non-empty), then
// environment variables prefixed ROTATION_ (e.g. ROTATION_API_PORT).
func Load(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	v := viper.New()
	v.SetEnvPrefix("ROTATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToDecimalHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// stringToDecimalHookFunc lets startingCapital/minTradingCapital be
// overridden as plain strings in a config file or environment variable.
func stringToDecimalHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		return decimal.NewFromString(data.(string))
	}
}

// bindDefaults seeds viper with the zero-file defaults so AutomaticEnv
// and Unmarshal see every key even when no config file is present.
func bindDefaults(v *viper.Viper, cfg EngineConfig) {
	v.SetDefault("symbols", cfg.Symbols)
	v.SetDefault("backend.startingCapital", cfg.Backend.StartingCapital.String())
	v.SetDefault("backend.minTradingCapital", cfg.Backend.MinTradingCapital.String())
	v.SetDefault("backend.circuitBreakerEquityFraction", cfg.Backend.CircuitBreakerEquityFraction)
	v.SetDefault("backend.baseAllocationFraction", cfg.Backend.BaseAllocationFraction)
	v.SetDefault("backend.volScaleMin", cfg.Backend.VolScaleMin)
	v.SetDefault("backend.volScaleMax", cfg.Backend.VolScaleMax)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.webSocketPath", cfg.API.WebSocketPath)
}
