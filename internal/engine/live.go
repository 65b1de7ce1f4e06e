package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/pkg/types"
)

// LiveRequest names the strategy/exchange schemas one Live.run call
// binds together (spec §6).
type LiveRequest struct {
	StrategyName string
	ExchangeName string
}

// PerformanceBody is the payload for Performance events (spec §4.6).
type PerformanceBody struct {
	DurationMs int64
}

// LiveDriver realizes spec §4.6: it ticks one Strategy Client on
// wall-clock time every TICK_TTL, yielding only opened/closed results
// to its caller while every action still flows through the event bus.
// Grounded on the teacher's backtester.Engine run-loop shape
// (atomic running/cancelled flags, deferred cleanup) but restructured
// around a `time.Sleep`-paced infinite loop instead of a finite event
// queue, since a live driver has no queue to drain.
type LiveDriver struct {
	rt *Runtime

	mu    sync.Mutex
	stops map[string]*atomic.Bool

	// nowFunc is overridable in tests so the live loop can be driven by
	// a simulated clock instead of real wall-clock time.
	nowFunc func() int64
}

// NewLiveDriver builds a driver sharing rt's registries/singletons.
func NewLiveDriver(rt *Runtime) *LiveDriver {
	return &LiveDriver{
		rt:      rt,
		stops:   make(map[string]*atomic.Bool),
		nowFunc: func() int64 { return time.Now().UnixMilli() },
	}
}

func (d *LiveDriver) stopFlag(symbol, strategyName string) *atomic.Bool {
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

// Stop requests the live loop for (symbol, strategyName) to terminate
// at its next safe point: after idle, or after a closed result (spec
// §5 "Cancellation & shutdown" — never mid-signal).
func (d *LiveDriver) Stop(symbol, strategyName string) {
	d.stopFlag(symbol, strategyName).Store(true)
}

// Run drives req against symbol forever, until Stop is called or an
// unrecoverable fault publishes Exit and terminates the loop.
func (d *LiveDriver) Run(ctx context.Context, symbol string, req LiveRequest) <-chan StreamResult {
	out := make(chan StreamResult)
	go d.run(ctx, symbol, req, out)
	return out
}

// Background starts Run in the background and returns a cancel func
// (spec §6 `.background(...)` entry point).
func (d *LiveDriver) Background(ctx context.Context, symbol string, req LiveRequest, onResult func(StreamResult)) context.CancelFunc {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		for sr := range d.Run(runCtx, symbol, req) {
			onResult(sr)
		}
	}()
	return cancel
}

func (d *LiveDriver) run(ctx context.Context, symbol string, req LiveRequest, out chan<- StreamResult) {
	defer close(out)

	logger := d.rt.logger
	client, err := d.rt.NewStrategyClient(symbol, req.StrategyName, req.ExchangeName, false)
	if err != nil {
		out <- StreamResult{Err: err}
		d.rt.bus.Publish(events.ChannelExit, symbol, req.StrategyName, req.ExchangeName, false, err)
		return
	}

	stop := d.stopFlag(symbol, req.StrategyName)
	ttl := d.rt.cfg.TickTTL

	for {
		t0 := time.Now()
		when := d.nowFunc()

		result, tickErr := client.Tick(ctx, when)
		if tickErr != nil {
			logger.Warn("live tick failed, retrying next slot",
				zap.String("symbol", symbol), zap.String("strategy", req.StrategyName), zap.Error(tickErr))
			d.rt.bus.Publish(events.ChannelError, symbol, req.StrategyName, req.ExchangeName, false, tickErr)
			if !sleepOrDone(ctx, ttl) {
				return
			}
			continue
		}

		d.rt.bus.Publish(events.ChannelPerformance, symbol, req.StrategyName, req.ExchangeName, false,
			PerformanceBody{DurationMs: time.Since(t0).Milliseconds()})

		switch result.Action {
		case types.ActionClosed:
			select {
			case out <- StreamResult{Result: result}:
			case <-ctx.Done():
				return
			}
			if stop.Load() {
				return
			}
		case types.ActionOpened:
			select {
			case out <- StreamResult{Result: result}:
			case <-ctx.Done():
				return
			}
		case types.ActionIdle:
			if stop.Load() {
				return
			}
		case types.ActionScheduled, types.ActionActive, types.ActionCancelled:
			// Intermediate actions flow through the bus only; the
			// consumer-facing stream yields opened/closed exclusively
			// (spec §4.6).
		}

		if !sleepOrDone(ctx, ttl) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
