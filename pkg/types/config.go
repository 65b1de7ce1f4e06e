package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineConfig holds the runtime-settable knobs from spec §6. It is read
// once at process start (typically via viper, see cmd/signalengine) and
// must not be mutated after the first driver starts.
type EngineConfig struct {
	Slippage             decimal.Decimal `mapstructure:"slippage"`
	Fee                  decimal.Decimal `mapstructure:"fee"`
	VWAPCandleCount      int             `mapstructure:"vwap_candle_count"`
	MinTakeProfitPct     decimal.Decimal `mapstructure:"min_tp_pct"`
	MinStopLossPct       decimal.Decimal `mapstructure:"min_sl_pct"`
	MaxStopLossPct       decimal.Decimal `mapstructure:"max_sl_pct"`
	ScheduleAwaitMinutes int64           `mapstructure:"schedule_await_minutes"`
	MaxLifetimeMinutes   int             `mapstructure:"max_lifetime_minutes"`
	TickTTL              time.Duration   `mapstructure:"tick_ttl"`
	RetryCount           int             `mapstructure:"retry_count"`
	RetryDelay           time.Duration   `mapstructure:"retry_delay"`

	// PersistRoot is the configurable root for the four per-key JSON
	// stores (spec §6 "Persistence layout").
	PersistRoot string `mapstructure:"persist_root"`

	// ReportRingBufferCap bounds the report accumulators (Design Notes
	// item 5): default 250, also used for a non-positive value; larger
	// requests are clamped to the hard cap of 10000.
	ReportRingBufferCap int `mapstructure:"report_ring_buffer_cap"`
}

// DefaultEngineConfig returns the literal defaults listed in spec §6.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Slippage:             decimal.NewFromFloat(0.001),
		Fee:                  decimal.NewFromFloat(0.001),
		VWAPCandleCount:      5,
		MinTakeProfitPct:     decimal.NewFromFloat(0.5),
		MinStopLossPct:       decimal.NewFromFloat(0.5),
		MaxStopLossPct:       decimal.NewFromFloat(50),
		ScheduleAwaitMinutes: 1440,
		MaxLifetimeMinutes:   10080,
		TickTTL:              60001 * time.Millisecond,
		RetryCount:           5,
		RetryDelay:           1000 * time.Millisecond,
		PersistRoot:          "./dump/persist",
		ReportRingBufferCap:  250,
	}
}

// Normalize clamps out-of-range knobs to the documented bounds (Design
// Notes item 5's "unbounded" -> 10000 hard cap lives here).
func (c *EngineConfig) Normalize() {
	if c.VWAPCandleCount <= 0 {
		c.VWAPCandleCount = 5
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.ReportRingBufferCap <= 0 {
		c.ReportRingBufferCap = 250
	}
	if c.ReportRingBufferCap > 10000 {
		c.ReportRingBufferCap = 10000
	}
}
