// Package types holds the data model shared by every layer of the
// signal lifecycle engine: candles, signals, tick results and the
// small value types the engine persists to disk.
package types

import (
	"github.com/shopspring/decimal"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// CandleInterval is the union of SignalInterval and FrameInterval
// the core actually needs, plus 1m for VWAP (Design Notes item 3).
type CandleInterval string

const (
	Interval1m  CandleInterval = "1m"
	Interval3m  CandleInterval = "3m"
	Interval5m  CandleInterval = "5m"
	Interval15m CandleInterval = "15m"
	Interval30m CandleInterval = "30m"
	Interval1h  CandleInterval = "1h"
	Interval4h  CandleInterval = "4h"
	Interval1d  CandleInterval = "1d"
	Interval3d  CandleInterval = "3d"
)

// Minutes returns the interval's length in minutes, or 0 if unknown.
func (c CandleInterval) Minutes() int64 {
	switch c {
	case Interval1m:
		return 1
	case Interval3m:
		return 3
	case Interval5m:
		return 5
	case Interval15m:
		return 15
	case Interval30m:
		return 30
	case Interval1h:
		return 60
	case Interval4h:
		return 240
	case Interval1d:
		return 1440
	case Interval3d:
		return 4320
	default:
		return 0
	}
}

// Candle is a single OHLCV bar.
type Candle struct {
	TimestampMs int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
}

// Valid reports whether every OHLC component is a finite, non-zero number.
func (c Candle) Valid() bool {
	for _, v := range []decimal.Decimal{c.Open, c.High, c.Low, c.Close} {
		if v.IsZero() {
			return false
		}
	}
	return true
}

// CloseReason explains why an opened signal closed.
type CloseReason string

const (
	CloseTakeProfit  CloseReason = "take_profit"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseTimeExpired CloseReason = "time_expired"
)

// PnL is the realized profit/loss of a closed signal.
type PnL struct {
	GrossPct            decimal.Decimal
	NetPctAfterFeesSlip decimal.Decimal
}

// SignalCandidate is what a strategy schema's GetSignal callback returns.
type SignalCandidate struct {
	ID                  string
	Position            PositionSide
	PriceTakeProfit     decimal.Decimal
	PriceStopLoss       decimal.Decimal
	MinuteEstimatedTime int
	PriceOpenTarget     *decimal.Decimal // nil requests immediate market entry
	Note                string
}

// Signal is the in-memory, per-(symbol,strategy) row described in spec §3.
// It is a discriminated record: Scheduled/Opened carry the fields that
// only exist once the signal has reached that stage.
type Signal struct {
	ID                  string
	Symbol              string
	StrategyName        string
	ExchangeName        string
	Position            PositionSide
	PriceTakeProfit     decimal.Decimal
	PriceStopLoss       decimal.Decimal
	MinuteEstimatedTime int
	ScheduledAt         int64
	PendingAt           int64
	Note                string

	// Scheduled-only.
	PriceOpenTarget *decimal.Decimal

	// Opened-only.
	PriceOpen *decimal.Decimal
	OpenedAt  *int64
}

// IsScheduled reports whether the signal is awaiting activation.
func (s *Signal) IsScheduled() bool {
	return s.PriceOpenTarget != nil && s.PriceOpen == nil
}

// IsOpened reports whether the signal has filled and is being monitored.
func (s *Signal) IsOpened() bool {
	return s.PriceOpen != nil
}

// TickAction is the tag of a TickResult.
type TickAction string

const (
	ActionIdle      TickAction = "idle"
	ActionScheduled TickAction = "scheduled"
	ActionOpened    TickAction = "opened"
	ActionActive    TickAction = "active"
	ActionClosed    TickAction = "closed"
	ActionCancelled TickAction = "cancelled"
)

// TickResult is the tagged union produced by one state-machine transition.
type TickResult struct {
	Action TickAction
	Signal *Signal

	// Action == closed only.
	CloseReason      CloseReason
	CloseTimestampMs int64
	PnL              PnL
}

// PartialState tracks which ±10..100% milestones have fired for one signal.
type PartialState struct {
	ProfitLevels map[int]struct{}
	LossLevels   map[int]struct{}
}

// NewPartialState returns an empty, ready-to-use PartialState.
func NewPartialState() *PartialState {
	return &PartialState{
		ProfitLevels: make(map[int]struct{}),
		LossLevels:   make(map[int]struct{}),
	}
}

// Clone deep-copies the state so callers never alias the tracker's map.
func (p *PartialState) Clone() *PartialState {
	c := NewPartialState()
	for k := range p.ProfitLevels {
		c.ProfitLevels[k] = struct{}{}
	}
	for k := range p.LossLevels {
		c.LossLevels[k] = struct{}{}
	}
	return c
}

// RiskPosition is one open position tracked by a risk profile.
type RiskPosition struct {
	StrategyName string
	Symbol       string
	ExchangeName string
	OpenedAt     int64
}

// RiskPositionKey identifies a RiskPosition within a profile's map.
type RiskPositionKey struct {
	StrategyName string
	Symbol       string
}

// ExecutionContext is passed explicitly into every Strategy/Exchange/
// Risk/Partial operation instead of being read from ambient/goroutine-
// local state (Design Notes item 1).
type ExecutionContext struct {
	Symbol       string
	StrategyName string
	ExchangeName string
	WhenMs       int64
	Backtest     bool
}

// MilestoneLevels are the ten fixed P&L steps the partial tracker emits.
var MilestoneLevels = [...]int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

// ActivePosition is one entry in a risk profile's position map, as
// seen by a validation predicate (spec §4.2).
type ActivePosition struct {
	StrategyName string
	Symbol       string
	ExchangeName string
	OpenedAt     int64
}

// RiskValidationPayload is what every risk predicate receives. It
// exposes every position sharing the same risk profile, not just the
// caller's own — composite risk gating is the entire point of a shared
// profile (spec §4.2).
type RiskValidationPayload struct {
	Symbol              string
	StrategyName         string
	ExchangeName         string
	CurrentPrice         decimal.Decimal
	TimestampMs          int64
	PendingSignal        *SignalCandidate
	ActivePositionCount  int
	ActivePositions      []ActivePosition
}
