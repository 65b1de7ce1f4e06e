// Package strategy implements the Strategy Client from spec §4.4: the
// per-(symbol,strategy) state machine owning at most one signal at a
// time, with interval-throttled signal generation, TP/SL/time
// monitoring, and the backtest fast-fold. Grounded on the teacher's
// BaseStrategy/Strategy split (internal/strategy/strategy.go) for the
// composition idiom, but restructured away from the teacher's
// concrete-indicator model toward the spec's opaque get_signal
// callback, since the two models are not the same shape.
package strategy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/exchange"
	"github.com/signalforge/engine/internal/partial"
	"github.com/signalforge/engine/internal/persist"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/internal/validation"
	"github.com/signalforge/engine/pkg/types"
)

// RiskGate is the subset of risk.Profile/risk.Composite the Strategy
// Client depends on; defined here to avoid a direct import cycle risk
// <-> strategy and to let a nil gate mean "no risk profile configured".
type RiskGate interface {
	CheckAndAdd(payload types.RiskValidationPayload, openedAt int64) (bool, string)
	Remove(strategyName, symbol string) error
}

// Client is the per-(symbol,strategy,mode) signal state machine.
type Client struct {
	mu sync.Mutex

	logger       *zap.Logger
	symbol       string
	strategyName string
	exchangeName string
	backtestMode bool

	schema   registry.StrategySchema
	xchg     *exchange.Client
	riskGate RiskGate
	tracker  *partial.Tracker
	layout   *persist.Layout
	bus      *events.Bus
	checker  *validation.Checker
	cfg      types.EngineConfig

	initialized     bool
	stopped         atomic.Bool
	lastConsultedAt int64
	scheduled       *types.Signal
	opened          *types.Signal
}

// Config bundles everything one Client needs; passed as a single
// struct so New's signature doesn't grow every time a dependency is added.
type Config struct {
	Logger       *zap.Logger
	Symbol       string
	Exchange     *exchange.Client
	ExchangeName string
	RiskGate     RiskGate // nil if the strategy names no risk profile
	Tracker      *partial.Tracker
	Layout       *persist.Layout
	Bus          *events.Bus
	EngineConfig types.EngineConfig
	Backtest     bool
}

// New builds a Client for schema bound to cfg. Persisted state is not
// read until the first Tick/Backtest call (lazy init, spec §4.4 step 2).
func New(schema registry.StrategySchema, cfg Config) *Client {
	limits := validation.Limits{
		MinTakeProfitPct: cfg.EngineConfig.MinTakeProfitPct,
		MinStopLossPct:   cfg.EngineConfig.MinStopLossPct,
		MaxStopLossPct:   cfg.EngineConfig.MaxStopLossPct,
		MaxLifetimeMin:   cfg.EngineConfig.MaxLifetimeMinutes,
	}
	return &Client{
		logger:       cfg.Logger,
		symbol:       cfg.Symbol,
		strategyName: schema.Name,
		exchangeName: cfg.ExchangeName,
		backtestMode: cfg.Backtest,
		schema:       schema,
		xchg:         cfg.Exchange,
		riskGate:     cfg.RiskGate,
		tracker:      cfg.Tracker,
		layout:       cfg.Layout,
		bus:          cfg.Bus,
		checker:      validation.NewChecker(limits),
		cfg:          cfg.EngineConfig,
	}
}

// Stop sets the stop flag consulted at the next safe point (spec §5
// "Cancellation & shutdown"): before a new tick, after idle, after closed.
func (c *Client) Stop() {
	c.stopped.Store(true)
}

func (c *Client) lazyInit() {
	if c.initialized {
		return
	}
	c.initialized = true
	if c.backtestMode || c.layout == nil {
		return
	}
	if sig, err := c.layout.LoadSchedule(c.strategyName, c.symbol); err == nil && sig != nil {
		c.scheduled = sig
	}
	if sig, err := c.layout.LoadSignal(c.strategyName, c.symbol); err == nil && sig != nil {
		c.opened = sig
	}
}

// Tick performs exactly one transition attempt for wall/sim time when,
// fetching candles through the Exchange Client (spec §4.4 "tick(when)").
func (c *Client) Tick(ctx context.Context, when int64) (types.TickResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lazyInit()
	if c.stopped.Load() && c.scheduled == nil && c.opened == nil {
		return types.TickResult{Action: types.ActionIdle}, nil
	}

	ectx := types.ExecutionContext{
		Symbol: c.symbol, StrategyName: c.strategyName, ExchangeName: c.exchangeName,
		WhenMs: when, Backtest: c.backtestMode,
	}

	if c.scheduled != nil || c.opened != nil {
		candles, err := c.xchg.GetCandles(ctx, ectx, types.Interval1m, 1)
		if err != nil {
			return types.TickResult{Action: types.ActionIdle}, err
		}
		if len(candles) == 0 {
			if c.scheduled != nil {
				return types.TickResult{Action: types.ActionScheduled, Signal: c.scheduled}, nil
			}
			return types.TickResult{Action: types.ActionActive, Signal: c.opened}, nil
		}
		candle := candles[len(candles)-1]
		vwap, err := c.xchg.GetAveragePrice(ctx, ectx)
		if err != nil {
			return types.TickResult{Action: types.ActionIdle}, err
		}
		if c.scheduled != nil {
			return c.scheduledStep(ectx, candle, vwap)
		}
		return c.openedStep(ectx, candle, vwap)
	}

	intervalMs := c.schema.Interval.Minutes() * 60_000
	if c.lastConsultedAt != 0 && when-c.lastConsultedAt < intervalMs {
		return types.TickResult{Action: types.ActionIdle}, nil
	}
	c.lastConsultedAt = when

	vwap, err := c.xchg.GetAveragePrice(ctx, ectx)
	if err != nil {
		return types.TickResult{Action: types.ActionIdle}, err
	}
	return c.idleConsultStep(ectx, vwap)
}

// Backtest fast-folds over a prefetched candle buffer starting at or
// before fromWhen, resuming whatever scheduled/opened state a prior
// Tick call already produced, until a terminal (closed/cancelled)
// result or the buffer is exhausted (spec §4.4 "backtest(candles, from_when)").
func (c *Client) Backtest(candles []types.Candle, fromWhen int64) (types.TickResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lazyInit()
	last := types.TickResult{Action: types.ActionIdle}

	for i, candle := range candles {
		if candle.TimestampMs < fromWhen {
			continue
		}
		ectx := types.ExecutionContext{
			Symbol: c.symbol, StrategyName: c.strategyName, ExchangeName: c.exchangeName,
			WhenMs: candle.TimestampMs, Backtest: true,
		}
		window := trailingWindow(candles, i, c.cfg.VWAPCandleCount)
		vwap, err := exchange.VWAP(window, c.symbol)
		if err != nil {
			return last, err
		}

		var result types.TickResult
		switch {
		case c.scheduled != nil:
			result, err = c.scheduledStep(ectx, candle, vwap)
		case c.opened != nil:
			result, err = c.openedStep(ectx, candle, vwap)
		default:
			result, err = c.idleConsultStep(ectx, vwap)
		}
		if err != nil {
			return result, err
		}
		last = result
		if result.Action == types.ActionClosed || result.Action == types.ActionCancelled {
			return result, nil
		}
	}
	return last, nil
}

func trailingWindow(candles []types.Candle, idx, count int) []types.Candle {
	if count <= 0 {
		count = 5
	}
	start := idx - count + 1
	if start < 0 {
		start = 0
	}
	return candles[start : idx+1]
}

func (c *Client) scheduledStep(ectx types.ExecutionContext, candle types.Candle, vwap decimal.Decimal) (types.TickResult, error) {
	sig := c.scheduled
	target := *sig.PriceOpenTarget
	touched := candle.Low.LessThanOrEqual(target) && target.LessThanOrEqual(candle.High)

	if touched {
		priceOpen := vwap
		openedAt := ectx.WhenMs
		sig.PriceOpen = &priceOpen
		sig.OpenedAt = &openedAt
		sig.PendingAt = ectx.WhenMs
		c.opened = sig
		c.scheduled = nil
		c.persistOpen(sig)
		c.fireOpen(ectx, sig)
		return types.TickResult{Action: types.ActionOpened, Signal: sig}, nil
	}

	if ectx.WhenMs-sig.ScheduledAt > c.cfg.ScheduleAwaitMinutes*60_000 {
		c.scheduled = nil
		c.persistCancel(sig)
		c.fireCancel(ectx, sig)
		// CloseTimestampMs is only documented for Action==closed (spec
		// §3), but drivers need a terminal timestamp to fast-forward
		// past a cancellation too, so it is populated here as well.
		return types.TickResult{Action: types.ActionCancelled, Signal: sig, CloseTimestampMs: ectx.WhenMs}, nil
	}
	return types.TickResult{Action: types.ActionScheduled, Signal: sig}, nil
}

func (c *Client) openedStep(ectx types.ExecutionContext, candle types.Candle, vwap decimal.Decimal) (types.TickResult, error) {
	sig := c.opened

	var reason types.CloseReason
	closed := false
	if sig.Position == types.PositionLong {
		if candle.Low.LessThanOrEqual(sig.PriceStopLoss) {
			reason, closed = types.CloseStopLoss, true
		} else if candle.High.GreaterThanOrEqual(sig.PriceTakeProfit) {
			reason, closed = types.CloseTakeProfit, true
		}
	} else {
		if candle.High.GreaterThanOrEqual(sig.PriceStopLoss) {
			reason, closed = types.CloseStopLoss, true
		} else if candle.Low.LessThanOrEqual(sig.PriceTakeProfit) {
			reason, closed = types.CloseTakeProfit, true
		}
	}
	if !closed && ectx.WhenMs-*sig.OpenedAt >= int64(sig.MinuteEstimatedTime)*60_000 {
		reason, closed = types.CloseTimeExpired, true
	}

	if closed {
		closePrice := vwap
		switch reason {
		case types.CloseTakeProfit:
			closePrice = sig.PriceTakeProfit
		case types.CloseStopLoss:
			closePrice = sig.PriceStopLoss
		}
		pnl := computePnL(sig.Position, *sig.PriceOpen, closePrice, c.cfg.Slippage, c.cfg.Fee)
		result := types.TickResult{
			Action: types.ActionClosed, Signal: sig,
			CloseReason: reason, CloseTimestampMs: ectx.WhenMs, PnL: pnl,
		}
		c.opened = nil
		c.persistClose(sig)
		if c.riskGate != nil {
			if err := c.riskGate.Remove(c.strategyName, c.symbol); err != nil {
				c.logger.Warn("failed to release risk position on close", zap.Error(err))
			}
		}
		if c.tracker != nil {
			if err := c.tracker.Clear(sig.ID); err != nil {
				c.logger.Warn("failed to clear partial tracker state on close", zap.Error(err))
			}
		}
		c.fireClose(ectx, result)
		return result, nil
	}

	revenue := grossPct(sig.Position, *sig.PriceOpen, vwap)
	if c.tracker != nil {
		c.tracker.Observe(sig.ID, revenue)
	}
	c.fireActive(ectx, sig)
	return types.TickResult{Action: types.ActionActive, Signal: sig}, nil
}

func (c *Client) idleConsultStep(ectx types.ExecutionContext, vwap decimal.Decimal) (types.TickResult, error) {
	candidate := c.schema.GetSignal(c.symbol)
	if candidate == nil {
		c.fireIdle(ectx)
		return types.TickResult{Action: types.ActionIdle}, nil
	}

	priceOpen := vwap
	if candidate.PriceOpenTarget != nil {
		priceOpen = *candidate.PriceOpenTarget
	}
	if err := c.checker.Validate(c.symbol, c.strategyName, candidate, priceOpen); err != nil {
		if c.bus != nil {
			c.bus.Publish(events.ChannelValidation, c.symbol, c.strategyName, c.exchangeName, c.backtestMode, err)
		}
		return types.TickResult{Action: types.ActionIdle}, nil
	}

	id := candidate.ID
	if id == "" {
		id = uuid.NewString()
	}

	if candidate.PriceOpenTarget != nil {
		sig := &types.Signal{
			ID: id, Symbol: c.symbol, StrategyName: c.strategyName, ExchangeName: c.exchangeName,
			Position: candidate.Position, PriceTakeProfit: candidate.PriceTakeProfit, PriceStopLoss: candidate.PriceStopLoss,
			MinuteEstimatedTime: candidate.MinuteEstimatedTime, ScheduledAt: ectx.WhenMs, Note: candidate.Note,
			PriceOpenTarget: candidate.PriceOpenTarget,
		}
		c.scheduled = sig
		c.persistSchedule(sig)
		c.fireSchedule(ectx, sig)
		return types.TickResult{Action: types.ActionScheduled, Signal: sig}, nil
	}

	openedAt := ectx.WhenMs
	if c.riskGate != nil {
		payload := types.RiskValidationPayload{
			Symbol: c.symbol, StrategyName: c.strategyName, ExchangeName: c.exchangeName,
			CurrentPrice: priceOpen, TimestampMs: ectx.WhenMs, PendingSignal: candidate,
		}
		ok, reason := c.riskGate.CheckAndAdd(payload, openedAt)
		if !ok {
			_ = reason
			return types.TickResult{Action: types.ActionIdle}, nil
		}
	}

	sig := &types.Signal{
		ID: id, Symbol: c.symbol, StrategyName: c.strategyName, ExchangeName: c.exchangeName,
		Position: candidate.Position, PriceTakeProfit: candidate.PriceTakeProfit, PriceStopLoss: candidate.PriceStopLoss,
		MinuteEstimatedTime: candidate.MinuteEstimatedTime, ScheduledAt: ectx.WhenMs, PendingAt: ectx.WhenMs,
		Note: candidate.Note, PriceOpen: &priceOpen, OpenedAt: &openedAt,
	}
	c.opened = sig
	c.persistOpen(sig)
	c.fireOpen(ectx, sig)
	return types.TickResult{Action: types.ActionOpened, Signal: sig}, nil
}

func (c *Client) persistSchedule(sig *types.Signal) {
	if c.backtestMode || c.layout == nil {
		return
	}
	if err := c.layout.SaveSchedule(c.strategyName, c.symbol, sig); err != nil {
		c.logger.Warn("failed to persist scheduled signal", zap.Error(err))
	}
}

func (c *Client) persistOpen(sig *types.Signal) {
	if c.backtestMode || c.layout == nil {
		return
	}
	if err := c.layout.SaveSignal(c.strategyName, c.symbol, sig); err != nil {
		c.logger.Warn("failed to persist opened signal", zap.Error(err))
	}
	if err := c.layout.DeleteSchedule(c.strategyName, c.symbol); err != nil {
		c.logger.Warn("failed to clear schedule record on activation", zap.Error(err))
	}
}

func (c *Client) persistClose(sig *types.Signal) {
	if c.backtestMode || c.layout == nil {
		return
	}
	if err := c.layout.DeleteSignal(c.strategyName, c.symbol); err != nil {
		c.logger.Warn("failed to purge closed signal", zap.Error(err))
	}
	_ = sig
}

func (c *Client) persistCancel(sig *types.Signal) {
	if c.backtestMode || c.layout == nil {
		return
	}
	if err := c.layout.DeleteSchedule(c.strategyName, c.symbol); err != nil {
		c.logger.Warn("failed to purge cancelled schedule", zap.Error(err))
	}
	_ = sig
}

func (c *Client) fireOpen(ectx types.ExecutionContext, sig *types.Signal) {
	if c.schema.Callbacks.OnOpen != nil {
		c.schema.Callbacks.OnOpen(ectx, sig)
	}
	c.publish(ectx, types.TickResult{Action: types.ActionOpened, Signal: sig})
}

func (c *Client) fireActive(ectx types.ExecutionContext, sig *types.Signal) {
	if c.schema.Callbacks.OnActive != nil {
		c.schema.Callbacks.OnActive(ectx, sig)
	}
	c.publish(ectx, types.TickResult{Action: types.ActionActive, Signal: sig})
}

func (c *Client) fireIdle(ectx types.ExecutionContext) {
	if c.schema.Callbacks.OnIdle != nil {
		c.schema.Callbacks.OnIdle(ectx)
	}
	c.publish(ectx, types.TickResult{Action: types.ActionIdle})
}

func (c *Client) fireClose(ectx types.ExecutionContext, result types.TickResult) {
	if c.schema.Callbacks.OnClose != nil {
		c.schema.Callbacks.OnClose(ectx, result)
	}
	c.publish(ectx, result)
}

func (c *Client) fireSchedule(ectx types.ExecutionContext, sig *types.Signal) {
	if c.schema.Callbacks.OnSchedule != nil {
		c.schema.Callbacks.OnSchedule(ectx, sig)
	}
	c.publish(ectx, types.TickResult{Action: types.ActionScheduled, Signal: sig})
}

func (c *Client) fireCancel(ectx types.ExecutionContext, sig *types.Signal) {
	if c.schema.Callbacks.OnCancel != nil {
		c.schema.Callbacks.OnCancel(ectx, sig)
	}
	c.publish(ectx, types.TickResult{Action: types.ActionCancelled, Signal: sig})
}

func (c *Client) publish(ectx types.ExecutionContext, result types.TickResult) {
	if c.bus == nil {
		return
	}
	channel := events.ChannelSignalLive
	if ectx.Backtest {
		channel = events.ChannelSignalBacktest
	}
	c.bus.Publish(events.ChannelSignal, c.symbol, c.strategyName, c.exchangeName, ectx.Backtest, result)
	c.bus.Publish(channel, c.symbol, c.strategyName, c.exchangeName, ectx.Backtest, result)
}
