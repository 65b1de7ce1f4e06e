// Package engineerr is the error taxonomy from spec §7: each category
// is a distinct Go type so callers can branch on it with errors.As
// instead of string matching.
package engineerr

import (
	"errors"
	"fmt"
)

// ConfigurationError is fatal to the run that triggers it (missing
// schema, unknown reference).
type ConfigurationError struct {
	Reference string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Reference, e.Reason)
}

// ValidationError means a candidate signal violates the price
// invariants in spec §3; the signal is discarded and the loop continues.
type ValidationError struct {
	Symbol       string
	StrategyName string
	Reason       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error [%s/%s]: %s", e.StrategyName, e.Symbol, e.Reason)
}

// RiskRejectedError describes a signal rejected by a risk predicate.
// The risk profile reports rejections as a reason string and a
// RiskRejected event; no engine component returns this type.
type RiskRejectedError struct {
	Symbol       string
	StrategyName string
	Comment      string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("risk rejected [%s/%s]: %s", e.StrategyName, e.Symbol, e.Comment)
}

// CandleFetchError is an upstream transient failure that has exhausted
// its retries.
type CandleFetchError struct {
	Symbol   string
	Interval string
	Err      error
}

func (e *CandleFetchError) Error() string {
	return fmt.Sprintf("candle fetch failed [%s %s]: %v", e.Symbol, e.Interval, e.Err)
}

func (e *CandleFetchError) Unwrap() error { return e.Err }

// NoLiquidityError is raised by the Exchange Client's VWAP calculation
// when the candle window has zero cumulative volume.
type NoLiquidityError struct {
	Symbol string
}

func (e *NoLiquidityError) Error() string {
	return fmt.Sprintf("no liquidity for VWAP on %s", e.Symbol)
}

// PersistenceError is raised on disk I/O failure. The strategy client
// logs it and carries on with its in-memory state; the failed write is
// not retried, and the engine does not crash.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error [%s]: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InternalError signals an invariant breach, such as GetNextCandles
// called outside backtest mode. Panics from user callbacks are not
// recovered into this type. The drivers handle it like any other tick
// error: it is published on the Error channel and the pair is not
// terminated.
type InternalError struct {
	Component string
	Reason    string
	Err       error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error [%s]: %s: %v", e.Component, e.Reason, e.Err)
	}
	return fmt.Sprintf("internal error [%s]: %s", e.Component, e.Reason)
}

func (e *InternalError) Unwrap() error { return e.Err }

// ExitCode maps an error to the CLI host's advisory exit code (spec §6).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return 1
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return 2
	}
	return 3
}
