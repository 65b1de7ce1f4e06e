package strategy_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/exchange"
	"github.com/signalforge/engine/internal/partial"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/internal/strategy"
	"github.com/signalforge/engine/pkg/types"
)

const minuteMs = int64(60_000)

// candleFixture is a hand-authored OHLCV series keyed by candle
// timestamp, with a flat background price for every timestamp not
// explicitly overridden so VWAP math never starves for data. Scenario
// authors only need to set the handful of minutes that matter.
type candleFixture struct {
	background decimal.Decimal
	overrides  map[int64]types.Candle
}

func newFixture(background float64) *candleFixture {
	return &candleFixture{background: decimal.NewFromFloat(background), overrides: map[int64]types.Candle{}}
}

func (f *candleFixture) set(ts int64, o, h, l, c, v float64) {
	f.overrides[ts] = types.Candle{
		TimestampMs: ts,
		Open:        decimal.NewFromFloat(o),
		High:        decimal.NewFromFloat(h),
		Low:         decimal.NewFromFloat(l),
		Close:       decimal.NewFromFloat(c),
		Volume:      decimal.NewFromFloat(v),
	}
}

func (f *candleFixture) at(ts int64) types.Candle {
	if c, ok := f.overrides[ts]; ok {
		return c
	}
	return types.Candle{
		TimestampMs: ts,
		Open:        f.background, High: f.background, Low: f.background, Close: f.background,
		Volume: decimal.NewFromInt(10),
	}
}

func (f *candleFixture) fetch(_ string, interval types.CandleInterval, since int64, limit int) ([]types.Candle, error) {
	step := interval.Minutes() * 60_000
	out := make([]types.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, f.at(since+int64(i)*step))
	}
	return out, nil
}

func newExchangeClient(fixture *candleFixture, cfg types.EngineConfig) *exchange.Client {
	schema := registry.ExchangeSchema{
		Name:         "fixture",
		FetchCandles: fixture.fetch,
		FormatPrice:  func(_, p string) string { return p },
		FormatQty:    func(_, q string) string { return q },
	}
	return exchange.New(zap.NewNop(), schema, cfg)
}

// onceSignal returns a GetSignal callback that yields candidate exactly
// once, then idles forever after — the standard shape for a scenario
// that opens or schedules a single signal and then only monitors it.
func onceSignal(candidate *types.SignalCandidate) func(string) *types.SignalCandidate {
	var called bool
	return func(string) *types.SignalCandidate {
		if called {
			return nil
		}
		called = true
		return candidate
	}
}

func newClient(schema registry.StrategySchema, xchg *exchange.Client, bus *events.Bus, tracker *partial.Tracker, cfg types.EngineConfig) *strategy.Client {
	return strategy.New(schema, strategy.Config{
		Logger: zap.NewNop(), Symbol: "BTCUSDT", Exchange: xchg, ExchangeName: "fixture",
		Tracker: tracker, Bus: bus, EngineConfig: cfg, Backtest: true,
	})
}

// TestImmediateTakeProfitScenarioS1 implements spec.md scenario S1: a
// long signal opens at VWAP 100, a candle one minute later sweeps the
// take-profit at 102 without ever touching the stop-loss, and the
// 2% gross move is too small to cross the first 10% partial milestone.
func TestImmediateTakeProfitScenarioS1(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	fixture := newFixture(100)
	fixture.set(0, 100, 103, 99, 101, 10)

	xchg := newExchangeClient(fixture, cfg)
	bus := events.NewBus(zap.NewNop())
	tracker, err := partial.NewTracker("s1", "BTCUSDT", nil, bus, true)
	require.NoError(t, err)

	var partialLevels []int
	bus.Subscribe(events.ChannelPartialProfit, func(ev events.Envelope) {
		partialLevels = append(partialLevels, ev.Body.(partial.MilestoneBody).Level)
	})

	schema := registry.StrategySchema{
		Name: "s1", Interval: types.Interval1m,
		GetSignal: onceSignal(&types.SignalCandidate{
			Position: types.PositionLong, PriceTakeProfit: decimal.NewFromInt(102),
			PriceStopLoss: decimal.NewFromInt(98), MinuteEstimatedTime: 10,
		}),
	}
	client := newClient(schema, xchg, bus, tracker, cfg)

	opened, err := client.Tick(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, types.ActionOpened, opened.Action)
	require.NotNil(t, opened.Signal.PriceOpen)
	assert.True(t, opened.Signal.PriceOpen.Equal(decimal.NewFromInt(100)))

	closed, err := client.Tick(context.Background(), minuteMs)
	require.NoError(t, err)
	require.Equal(t, types.ActionClosed, closed.Action)
	assert.Equal(t, types.CloseTakeProfit, closed.CloseReason)
	assert.EqualValues(t, minuteMs, closed.CloseTimestampMs)
	assert.True(t, closed.PnL.NetPctAfterFeesSlip.Equal(decimal.NewFromFloat(1.6)),
		"expected net pnl 1.6%%, got %s", closed.PnL.NetPctAfterFeesSlip)
	assert.Empty(t, partialLevels, "a 2%% move must not cross the 10%% milestone")
}

// TestScheduledActivationThenStopLossScenarioS2 implements spec.md
// scenario S2: a short signal waits at a limit target, activates once
// a candle touches it, then closes on a subsequent stop-loss sweep.
func TestScheduledActivationThenStopLossScenarioS2(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	fixture := newFixture(110) // far from the 100 target until it is meant to touch
	fixture.set(29*minuteMs, 100, 101, 99, 100, 10)
	fixture.set(30*minuteMs, 100, 100, 100, 100, 10)
	fixture.set(31*minuteMs, 100, 100, 100, 100, 10)
	fixture.set(32*minuteMs, 100, 100, 100, 100, 10)
	fixture.set(33*minuteMs, 100, 100, 100, 100, 10)
	fixture.set(34*minuteMs, 100, 104, 99, 100, 10)

	xchg := newExchangeClient(fixture, cfg)
	bus := events.NewBus(zap.NewNop())
	tracker, err := partial.NewTracker("s2", "BTCUSDT", nil, bus, true)
	require.NoError(t, err)

	target := decimal.NewFromInt(100)
	schema := registry.StrategySchema{
		Name: "s2", Interval: types.Interval1m,
		GetSignal: onceSignal(&types.SignalCandidate{
			Position: types.PositionShort, PriceTakeProfit: decimal.NewFromInt(95),
			PriceStopLoss: decimal.NewFromInt(103), MinuteEstimatedTime: 60,
			PriceOpenTarget: &target,
		}),
	}
	client := newClient(schema, xchg, bus, tracker, cfg)

	scheduled, err := client.Tick(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, types.ActionScheduled, scheduled.Action)

	opened, err := client.Tick(context.Background(), 30*minuteMs)
	require.NoError(t, err)
	require.Equal(t, types.ActionOpened, opened.Action)

	closed, err := client.Tick(context.Background(), 35*minuteMs)
	require.NoError(t, err)
	require.Equal(t, types.ActionClosed, closed.Action)
	assert.Equal(t, types.CloseStopLoss, closed.CloseReason)
}

// TestScheduleExpiryScenarioS3 implements spec.md scenario S3: a
// scheduled signal whose target is never touched cancels once
// SCHEDULE_AWAIT_MINUTES has elapsed, without ever opening.
func TestScheduleExpiryScenarioS3(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	fixture := newFixture(110) // the 100 target is never touched

	xchg := newExchangeClient(fixture, cfg)
	bus := events.NewBus(zap.NewNop())
	tracker, err := partial.NewTracker("s3", "BTCUSDT", nil, bus, true)
	require.NoError(t, err)

	target := decimal.NewFromInt(100)
	schema := registry.StrategySchema{
		Name: "s3", Interval: types.Interval1m,
		GetSignal: onceSignal(&types.SignalCandidate{
			Position: types.PositionShort, PriceTakeProfit: decimal.NewFromInt(95),
			PriceStopLoss: decimal.NewFromInt(103), MinuteEstimatedTime: 60,
			PriceOpenTarget: &target,
		}),
	}
	client := newClient(schema, xchg, bus, tracker, cfg)

	scheduled, err := client.Tick(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, types.ActionScheduled, scheduled.Action)

	cancelled, err := client.Tick(context.Background(), cfg.ScheduleAwaitMinutes*minuteMs+minuteMs)
	require.NoError(t, err)
	assert.Equal(t, types.ActionCancelled, cancelled.Action)
}

// TestPartialMilestonesDedupedScenarioS6 implements spec.md scenario
// S6: unrealised P&L drifts +12% -> +11% -> +22%, and exactly two
// PartialProfit events fire, for levels 10 and 20, in that order.
func TestPartialMilestonesDedupedScenarioS6(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	fixture := newFixture(100)
	for _, ts := range []int64{5, 6, 7, 8, 9} {
		fixture.set(ts*minuteMs, 112, 112, 112, 112, 10)
	}
	for _, ts := range []int64{15, 16, 17, 18, 19} {
		fixture.set(ts*minuteMs, 111, 111, 111, 111, 10)
	}
	for _, ts := range []int64{25, 26, 27, 28, 29} {
		fixture.set(ts*minuteMs, 122, 122, 122, 122, 10)
	}

	xchg := newExchangeClient(fixture, cfg)
	bus := events.NewBus(zap.NewNop())
	tracker, err := partial.NewTracker("s6", "BTCUSDT", nil, bus, true)
	require.NoError(t, err)

	var mu sync.Mutex
	var levels []int
	done := make(chan struct{})
	bus.Subscribe(events.ChannelPartialProfit, func(ev events.Envelope) {
		mu.Lock()
		levels = append(levels, ev.Body.(partial.MilestoneBody).Level)
		n := len(levels)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	})

	schema := registry.StrategySchema{
		Name: "s6", Interval: types.Interval1m,
		GetSignal: onceSignal(&types.SignalCandidate{
			Position: types.PositionLong, PriceTakeProfit: decimal.NewFromInt(1000),
			PriceStopLoss: decimal.NewFromInt(60), MinuteEstimatedTime: 10080,
		}),
	}
	client := newClient(schema, xchg, bus, tracker, cfg)

	opened, err := client.Tick(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, types.ActionOpened, opened.Action)

	for _, when := range []int64{10 * minuteMs, 20 * minuteMs, 30 * minuteMs} {
		result, err := client.Tick(context.Background(), when)
		require.NoError(t, err)
		require.Equal(t, types.ActionActive, result.Action)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected exactly 2 PartialProfit events")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 20}, levels)
}

// TestAdverseFirstWhenTPAndSLBothInCandle covers Design Notes item 1:
// when a single candle's range brackets both the take-profit and the
// stop-loss, the close must resolve to the adverse (stop-loss) fill.
func TestAdverseFirstWhenTPAndSLBothInCandle(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	fixture := newFixture(100)
	fixture.set(0, 100, 110, 90, 100, 10)

	xchg := newExchangeClient(fixture, cfg)
	bus := events.NewBus(zap.NewNop())
	tracker, err := partial.NewTracker("adverse", "BTCUSDT", nil, bus, true)
	require.NoError(t, err)

	schema := registry.StrategySchema{
		Name: "adverse", Interval: types.Interval1m,
		GetSignal: onceSignal(&types.SignalCandidate{
			Position: types.PositionLong, PriceTakeProfit: decimal.NewFromInt(105),
			PriceStopLoss: decimal.NewFromInt(95), MinuteEstimatedTime: 60,
		}),
	}
	client := newClient(schema, xchg, bus, tracker, cfg)

	opened, err := client.Tick(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, types.ActionOpened, opened.Action)

	closed, err := client.Tick(context.Background(), minuteMs)
	require.NoError(t, err)
	require.Equal(t, types.ActionClosed, closed.Action)
	assert.Equal(t, types.CloseStopLoss, closed.CloseReason,
		"both TP and SL fall inside the candle; adverse-first must pick stop-loss")
}

// TestOneSignalInvariantWhileActive asserts spec.md invariant 1: once a
// signal is opened, get_signal is never consulted again until it
// reaches a terminal state.
func TestOneSignalInvariantWhileActive(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	fixture := newFixture(100)
	fixture.set(4*minuteMs, 100, 110, 99, 101, 10)

	xchg := newExchangeClient(fixture, cfg)
	bus := events.NewBus(zap.NewNop())
	tracker, err := partial.NewTracker("invariant", "BTCUSDT", nil, bus, true)
	require.NoError(t, err)

	var calls int
	schema := registry.StrategySchema{
		Name: "invariant", Interval: types.Interval1m,
		GetSignal: func(string) *types.SignalCandidate {
			calls++
			if calls > 1 {
				return nil
			}
			return &types.SignalCandidate{
				Position: types.PositionLong, PriceTakeProfit: decimal.NewFromInt(105),
				PriceStopLoss: decimal.NewFromInt(90), MinuteEstimatedTime: 120,
			}
		},
	}
	client := newClient(schema, xchg, bus, tracker, cfg)

	opened, err := client.Tick(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, types.ActionOpened, opened.Action)

	for _, when := range []int64{minuteMs, 2 * minuteMs, 3 * minuteMs} {
		active, err := client.Tick(context.Background(), when)
		require.NoError(t, err)
		assert.Equal(t, types.ActionActive, active.Action)
	}

	closed, err := client.Tick(context.Background(), 5*minuteMs)
	require.NoError(t, err)
	assert.Equal(t, types.ActionClosed, closed.Action)
	assert.Equal(t, 1, calls, "get_signal must be consulted exactly once while a signal is non-terminal")
}

// TestThrottleLimitsSignalConsultationRate asserts spec.md invariant 5:
// get_signal is consulted no more than once per configured interval
// while no signal is pending.
func TestThrottleLimitsSignalConsultationRate(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	fixture := newFixture(100)
	xchg := newExchangeClient(fixture, cfg)
	bus := events.NewBus(zap.NewNop())
	tracker, err := partial.NewTracker("throttle", "BTCUSDT", nil, bus, true)
	require.NoError(t, err)

	var calls int
	schema := registry.StrategySchema{
		Name: "throttle", Interval: types.Interval5m,
		GetSignal: func(string) *types.SignalCandidate { calls++; return nil },
	}
	client := newClient(schema, xchg, bus, tracker, cfg)

	const base = int64(1_000_000_000)
	for _, offset := range []int64{0, minuteMs, 2 * minuteMs, 3 * minuteMs, 4 * minuteMs, 5 * minuteMs} {
		result, err := client.Tick(context.Background(), base+offset)
		require.NoError(t, err)
		assert.Equal(t, types.ActionIdle, result.Action)
	}
	assert.Equal(t, 2, calls, "expected consultation at the start and at the 5 minute boundary only")
}

// TestPnLRoundTripLaw asserts spec.md's law: when the close price
// equals the open price, net PnL is exactly -(2*(slippage+fee)) for
// both sides, expressed as a percentage.
func TestPnLRoundTripLaw(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	expectedNet := cfg.Slippage.Add(cfg.Fee).Mul(decimal.NewFromInt(2)).Mul(decimal.NewFromInt(100)).Neg()

	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		side := side
		t.Run(string(side), func(t *testing.T) {
			fixture := newFixture(100) // flat throughout: close == open
			xchg := newExchangeClient(fixture, cfg)
			bus := events.NewBus(zap.NewNop())
			tracker, err := partial.NewTracker("roundtrip", "BTCUSDT", nil, bus, true)
			require.NoError(t, err)

			var tp, sl decimal.Decimal
			if side == types.PositionLong {
				tp, sl = decimal.NewFromInt(1_000_000), decimal.NewFromInt(90)
			} else {
				tp, sl = decimal.NewFromInt(1), decimal.NewFromInt(110)
			}
			schema := registry.StrategySchema{
				Name: "roundtrip", Interval: types.Interval1m,
				GetSignal: onceSignal(&types.SignalCandidate{
					Position: side, PriceTakeProfit: tp, PriceStopLoss: sl, MinuteEstimatedTime: 1,
				}),
			}
			client := newClient(schema, xchg, bus, tracker, cfg)

			opened, err := client.Tick(context.Background(), 0)
			require.NoError(t, err)
			require.Equal(t, types.ActionOpened, opened.Action)

			closed, err := client.Tick(context.Background(), minuteMs)
			require.NoError(t, err)
			require.Equal(t, types.ActionClosed, closed.Action)
			assert.Equal(t, types.CloseTimeExpired, closed.CloseReason)
			assert.True(t, closed.PnL.NetPctAfterFeesSlip.Equal(expectedNet),
				"expected net pnl %s, got %s", expectedNet, closed.PnL.NetPctAfterFeesSlip)
		})
	}
}
