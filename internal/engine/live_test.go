package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/engine"
	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/pkg/types"
)

// triggeredFixture ignores the requested timestamp window entirely and
// instead flips from a flat background candle to a take-profit-sweeping
// candle once it has been called triggerAfter times. LiveDriver runs on
// real wall-clock time (spec §4.6), so a fixture keyed by absolute
// candle timestamps the way the backtest/strategy fixtures are would
// never line up with time.Now(); counting calls sidesteps that.
type triggeredFixture struct {
	calls        atomic.Int64
	triggerAfter int64
}

func (f *triggeredFixture) fetch(_ string, interval types.CandleInterval, since int64, limit int) ([]types.Candle, error) {
	n := f.calls.Add(1)
	step := interval.Minutes() * 60_000
	out := make([]types.Candle, limit)
	for i := range out {
		ts := since + int64(i)*step
		if n >= f.triggerAfter {
			out[i] = types.Candle{TimestampMs: ts, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(103), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(101), Volume: decimal.NewFromInt(10)}
		} else {
			out[i] = types.Candle{TimestampMs: ts, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(10)}
		}
	}
	return out, nil
}

// TestLiveDriverYieldsOpenedThenClosed drives LiveDriver on real
// wall-clock time with a near-zero TICK_TTL, and asserts the consumer
// stream yields exactly opened then closed, per spec §4.6 ("only
// opened/closed reach the caller").
func TestLiveDriverYieldsOpenedThenClosed(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.TickTTL = time.Millisecond

	fixture := &triggeredFixture{triggerAfter: 2}
	strategySchema := registry.StrategySchema{
		Name: "vwap-cross", Interval: types.Interval1m,
		GetSignal: onceSignal(&types.SignalCandidate{
			Position: types.PositionLong, PriceTakeProfit: decimal.NewFromInt(102),
			PriceStopLoss: decimal.NewFromInt(98), MinuteEstimatedTime: 10,
		}),
	}
	exchSchema := registry.ExchangeSchema{
		Name: "fixture", FetchCandles: fixture.fetch,
		FormatPrice: func(_, p string) string { return p }, FormatQty: func(_, q string) string { return q },
	}
	frameSchema := registry.FrameSchema{Name: "unused", Interval: types.Interval1m, StartDateMs: 0, EndDateMs: minuteMs}

	set := newRegistrySet(t, strategySchema, exchSchema, frameSchema)
	bus := events.NewBus(zap.NewNop())
	rt := engine.NewRuntime(zap.NewNop(), set, nil, bus, cfg)
	driver := engine.NewLiveDriver(rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := driver.Run(ctx, "BTCUSDT", engine.LiveRequest{StrategyName: "vwap-cross", ExchangeName: "fixture"})

	var results []types.TickResult
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case sr, ok := <-stream:
			if !ok {
				break loop
			}
			require.NoError(t, sr.Err)
			results = append(results, sr.Result)
			if sr.Result.Action == types.ActionClosed {
				driver.Stop("BTCUSDT", "vwap-cross")
				cancel()
			}
		case <-timeout:
			t.Fatal("timed out waiting for the live driver to close the position")
		}
	}

	require.Len(t, results, 2)
	assert.Equal(t, types.ActionOpened, results[0].Action)
	assert.Equal(t, types.ActionClosed, results[1].Action)
	assert.Equal(t, types.CloseTakeProfit, results[1].CloseReason)
}
