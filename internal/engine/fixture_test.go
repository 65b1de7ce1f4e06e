package engine_test

import (
	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/pkg/types"
)

const minuteMs = int64(60_000)

// candleFixture is a flat-background OHLCV series with sparse overrides,
// shared by the driver-level tests in this package. See
// internal/strategy/client_test.go for the same idiom at the Strategy
// Client layer; it is kept as an unexported duplicate here rather than
// exported from either package, since neither package's tests are a
// dependency of the other.
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
