// Package validation implements the signal invariants from spec §3:
// price ordering, minimum/maximum distance percentages, and maximum
// lifetime. Grounded on the teacher's inline order-validation checks
// in internal/backtester/risk.go (AllowOrder), generalized into a
// standalone, config-driven checker the Strategy Client calls before
// a candidate signal is scheduled or opened.
package validation

import (
	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/pkg/engineerr"
	"github.com/signalforge/engine/pkg/types"
)

// Limits are the configured thresholds a candidate signal must satisfy.
type Limits struct {
	MinTakeProfitPct decimal.Decimal
	MinStopLossPct   decimal.Decimal
	MaxStopLossPct   decimal.Decimal
	MaxLifetimeMin   int
}

// Checker validates a SignalCandidate against a reference price (the
// intended or actual entry) and the configured Limits.
type Checker struct {
	limits Limits
}

// NewChecker builds a Checker bound to limits.
func NewChecker(limits Limits) *Checker {
	return &Checker{limits: limits}
}

// Validate checks candidate against priceOpen (the signal's entry
// price, real or target) per spec §3's invariants. It returns a
// *engineerr.ValidationError describing the first violated rule, or
// nil if the candidate is admissible.
func (c *Checker) Validate(symbol, strategyName string, candidate *types.SignalCandidate, priceOpen decimal.Decimal) error {
	reject := func(reason string) error {
		return &engineerr.ValidationError{Symbol: symbol, StrategyName: strategyName, Reason: reason}
	}

	if priceOpen.IsZero() {
		return reject("reference entry price is zero")
	}

	tp := candidate.PriceTakeProfit
	sl := candidate.PriceStopLoss

	switch candidate.Position {
	case types.PositionLong:
		if !(tp.GreaterThan(priceOpen) && priceOpen.GreaterThan(sl)) {
			return reject("long signal must satisfy take_profit > open > stop_loss")
		}
	case types.PositionShort:
		if !(tp.LessThan(priceOpen) && priceOpen.LessThan(sl)) {
			return reject("short signal must satisfy take_profit < open < stop_loss")
		}
	default:
		return reject("unknown position side")
	}

	tpDistancePct := tp.Sub(priceOpen).Abs().Div(priceOpen).Mul(decimal.NewFromInt(100))
	if tpDistancePct.LessThan(c.limits.MinTakeProfitPct) {
		return reject("take_profit distance below configured minimum")
	}

	slDistancePct := sl.Sub(priceOpen).Abs().Div(priceOpen).Mul(decimal.NewFromInt(100))
	if slDistancePct.LessThan(c.limits.MinStopLossPct) {
		return reject("stop_loss distance below configured minimum")
	}
	if slDistancePct.GreaterThan(c.limits.MaxStopLossPct) {
		return reject("stop_loss distance above configured maximum")
	}

	if candidate.MinuteEstimatedTime <= 0 {
		return reject("minute_estimated_time must be positive")
	}
	if candidate.MinuteEstimatedTime > c.limits.MaxLifetimeMin {
		return reject("minute_estimated_time exceeds configured maximum lifetime")
	}

	return nil
}
