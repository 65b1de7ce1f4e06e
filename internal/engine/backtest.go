package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/exchange"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/internal/strategy"
	"github.com/signalforge/engine/pkg/types"
)

// StreamResult is one item of a driver's output stream: either a
// terminal TickResult or a non-fatal error observed along the way.
// Errors are also published to the event bus (spec §7): surfacing them
// here too lets a caller drain one channel without a separate
// subscription.
type StreamResult struct {
	Result types.TickResult
	Err    error
}

// BacktestRequest names the strategy/exchange/frame schemas one
// Backtest.run call binds together (spec §6).
type BacktestRequest struct {
	StrategyName string
	ExchangeName string
	FrameName    string
}

// BacktestDriver realizes spec §4.5: it drives one Strategy Client
// across a frame's timestamp sequence, fast-folding through the
// Client's Backtest method whenever a signal opens or schedules, and
// only yielding closed/cancelled results to its caller.
type BacktestDriver struct {
	rt *Runtime

	mu    sync.Mutex
	stops map[string]*atomic.Bool
}

// NewBacktestDriver builds a driver sharing rt's registries/singletons.
func NewBacktestDriver(rt *Runtime) *BacktestDriver {
	return &BacktestDriver{rt: rt, stops: make(map[string]*atomic.Bool)}
}

func pairKey(symbol, strategyName string) string { return symbol + "|" + strategyName }

func (d *BacktestDriver) stopFlag(symbol, strategyName string) *atomic.Bool {
	key := pairKey(symbol, strategyName)
	d.mu.Lock()
	defer d.mu.Unlock()
	flag, ok := d.stops[key]
	if !ok {
		flag = &atomic.Bool{}
		d.stops[key] = flag
	}
	return flag
}

// Stop sets the stop flag for (symbol, strategyName), consulted at the
// top of the driver's loop on its next safe point (spec §5).
func (d *BacktestDriver) Stop(symbol, strategyName string) {
	d.stopFlag(symbol, strategyName).Store(true)
}

// Run drives req against symbol and returns a channel of StreamResult,
// closed once the frame is exhausted or the driver is stopped. This is
// the Go realization of spec §6's `stream<TickResult>`.
func (d *BacktestDriver) Run(ctx context.Context, symbol string, req BacktestRequest) <-chan StreamResult {
	out := make(chan StreamResult)
	go d.run(ctx, symbol, req, out)
	return out
}

// Background starts Run in the background and returns a cancel func
// (spec §6 `.background(...)` entry point).
func (d *BacktestDriver) Background(ctx context.Context, symbol string, req BacktestRequest, onResult func(StreamResult)) context.CancelFunc {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		for sr := range d.Run(runCtx, symbol, req) {
			onResult(sr)
		}
	}()
	return cancel
}

func (d *BacktestDriver) run(ctx context.Context, symbol string, req BacktestRequest, out chan<- StreamResult) {
	defer close(out)

	logger := d.rt.logger
	frame, err := d.rt.Frame(req.FrameName, req.StrategyName)
	if err != nil {
		out <- StreamResult{Err: err}
		return
	}
	client, err := d.rt.NewStrategyClient(symbol, req.StrategyName, req.ExchangeName, true)
	if err != nil {
		out <- StreamResult{Err: err}
		return
	}
	xchg, err := d.rt.exchangeClient(req.ExchangeName)
	if err != nil {
		out <- StreamResult{Err: err}
		return
	}

	timestamps := frameTimestamps(frame)
	n := len(timestamps)
	stop := d.stopFlag(symbol, req.StrategyName)

	i := 0
	for i < n {
		if stop.Load() {
			break
		}
		d.rt.bus.Publish(events.ChannelProgressBacktest, symbol, req.StrategyName, req.ExchangeName, true, ProgressBody{Index: i, Total: n})

		result, err := client.Tick(ctx, timestamps[i])
		if err != nil {
			logger.Warn("backtest tick failed, skipping frame",
				zap.String("symbol", symbol), zap.String("strategy", req.StrategyName), zap.Error(err))
			d.rt.bus.Publish(events.ChannelError, symbol, req.StrategyName, req.ExchangeName, true, err)
			i++
			continue
		}

		if result.Action != types.ActionOpened && result.Action != types.ActionScheduled {
			i++
			continue
		}

		fold, foldErr := d.fastForward(ctx, client, xchg, symbol, req, timestamps[i], result)
		if foldErr != nil {
			logger.Warn("backtest fast-forward failed, skipping frame",
				zap.String("symbol", symbol), zap.String("strategy", req.StrategyName), zap.Error(foldErr))
			d.rt.bus.Publish(events.ChannelError, symbol, req.StrategyName, req.ExchangeName, true, foldErr)
			i++
			continue
		}

		if fold.Action != types.ActionClosed && fold.Action != types.ActionCancelled {
			// Buffer exhausted before a terminal result; the frame is
			// dropped rather than retried forever (spec §4.5).
			i++
			continue
		}

		select {
		case out <- StreamResult{Result: fold}:
		case <-ctx.Done():
			return
		}

		for i < n && timestamps[i] <= fold.CloseTimestampMs {
			i++
		}
	}

	d.rt.bus.Publish(events.ChannelDoneBacktest, symbol, req.StrategyName, req.ExchangeName, true, DoneBody{TicksProcessed: i})
}

// fastForward fetches the forward candle buffer and runs the Client's
// fast-fold over it, per spec §4.5's buffer sizing rule:
// length = minute_estimated_time + VWAP_BUFFER (+ SCHEDULE_AWAIT_MIN if scheduled).
func (d *BacktestDriver) fastForward(ctx context.Context, client *strategy.Client, xchg *exchange.Client, symbol string, req BacktestRequest, when int64, pending types.TickResult) (types.TickResult, error) {
	vwapBuffer := d.rt.cfg.VWAPCandleCount
	length := pending.Signal.MinuteEstimatedTime + vwapBuffer
	if pending.Action == types.ActionScheduled {
		length += int(d.rt.cfg.ScheduleAwaitMinutes)
	}

	bufferStart := when - int64(vwapBuffer-1)*60_000
	ectx := types.ExecutionContext{Symbol: symbol, StrategyName: req.StrategyName, ExchangeName: req.ExchangeName, WhenMs: bufferStart, Backtest: true}
	candles, err := xchg.GetNextCandles(ctx, ectx, types.Interval1m, length)
	if err != nil {
		return types.TickResult{}, err
	}
	return client.Backtest(candles, when)
}

func frameTimestamps(frame registry.FrameSchema) []int64 {
	stepMs := frame.Interval.Minutes() * 60_000
	if stepMs <= 0 {
		return nil
	}
	var out []int64
	for t := frame.StartDateMs; t <= frame.EndDateMs; t += stepMs {
		out = append(out, t)
	}
	return out
}

// ProgressBody is the payload for ProgressBacktest/ProgressWalker events.
type ProgressBody struct {
	Index int
	Total int
}

// DoneBody is the payload for DoneBacktest/DoneWalker events.
type DoneBody struct {
	TicksProcessed int
}
