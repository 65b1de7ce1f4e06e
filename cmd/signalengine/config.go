package main

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/signalforge/engine/pkg/types"
)

// decodeHook lets EngineConfig's decimal.Decimal and time.Duration
// fields load straight from YAML strings via viper's Unmarshal, since
// decimal.Decimal satisfies encoding.TextUnmarshaler.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

// hostConfig is the demo host's own knobs, layered on top of
// types.EngineConfig. Both are loaded from the same YAML file so an
// operator tunes engine behavior and host wiring in one place, matching
// the teacher's single-config-file convention.
type hostConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	LogLevel string   `mapstructure:"log_level"`
	Symbols  []string `mapstructure:"symbols"`

	Exchange string `mapstructure:"exchange"`
	Strategy string `mapstructure:"strategy"`
	Risk     string `mapstructure:"risk"`
	Frame    string `mapstructure:"frame"`
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		Host:     "localhost",
		Port:     8080,
		LogLevel: "info",
		Symbols:  []string{"BTCUSDT", "ETHUSDT"},
		Exchange: "synthetic",
		Strategy: "vwap-cross",
		Risk:     "default",
		Frame:    "last-7d",
	}
}

// loadConfig reads a YAML file (if present) plus SIGNALENGINE_*
// environment overrides into both the host config and EngineConfig,
// mirroring the teacher's flag+env pattern but via viper per
// SPEC_FULL.md's "Configuration" section.
func loadConfig(path string) (hostConfig, types.EngineConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SIGNALENGINE")
	v.AutomaticEnv()

	host := defaultHostConfig()
	engine := types.DefaultEngineConfig()
	setEngineDefaults(v, engine)
	setHostDefaults(v, host)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return hostConfig{}, types.EngineConfig{}, fmt.Errorf("reading config %q: %w", path, err)
		}
	}

	if err := v.Unmarshal(&engine, decodeHook()); err != nil {
		return hostConfig{}, types.EngineConfig{}, fmt.Errorf("unmarshalling engine config: %w", err)
	}
	if err := v.Unmarshal(&host, decodeHook()); err != nil {
		return hostConfig{}, types.EngineConfig{}, fmt.Errorf("unmarshalling host config: %w", err)
	}
	engine.Normalize()

	return host, engine, nil
}

func setEngineDefaults(v *viper.Viper, cfg types.EngineConfig) {
	v.SetDefault("slippage", cfg.Slippage.String())
	v.SetDefault("fee", cfg.Fee.String())
	v.SetDefault("vwap_candle_count", cfg.VWAPCandleCount)
	v.SetDefault("min_tp_pct", cfg.MinTakeProfitPct.String())
	v.SetDefault("min_sl_pct", cfg.MinStopLossPct.String())
	v.SetDefault("max_sl_pct", cfg.MaxStopLossPct.String())
	v.SetDefault("schedule_await_minutes", cfg.ScheduleAwaitMinutes)
	v.SetDefault("max_lifetime_minutes", cfg.MaxLifetimeMinutes)
	v.SetDefault("tick_ttl", cfg.TickTTL.String())
	v.SetDefault("retry_count", cfg.RetryCount)
	v.SetDefault("retry_delay", cfg.RetryDelay.String())
	v.SetDefault("persist_root", cfg.PersistRoot)
	v.SetDefault("report_ring_buffer_cap", cfg.ReportRingBufferCap)
}

func setHostDefaults(v *viper.Viper, cfg hostConfig) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("symbols", cfg.Symbols)
	v.SetDefault("exchange", cfg.Exchange)
	v.SetDefault("strategy", cfg.Strategy)
	v.SetDefault("risk", cfg.Risk)
	v.SetDefault("frame", cfg.Frame)
}
