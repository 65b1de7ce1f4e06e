package main

import (
	"hash/fnv"
	"math"

	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/pkg/types"
)

// syntheticExchange is the demo host's candle source: a deterministic,
// hash-seeded price walk rather than a live exchange connection, so the
// host is runnable without network access or API keys. Grounded on the
// teacher's paper-trading default (`cmd/server/main.go`'s
// `-paper=true` flag) — this carries that "never touch a real venue by
// default" posture all the way down into the candle source itself.
// Every candle is a pure function of (symbol, timestamp), so repeated
// or overlapping fetches — which the Backtest Driver's fast-forward
// buffer issues constantly — always agree.
type syntheticExchange struct{}

func newSyntheticExchange() *syntheticExchange {
	return &syntheticExchange{}
}

func symbolSeed(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return float64(h.Sum32()%5000) + 100 // base price band: 100..5100
}

// midPrice returns a smooth, deterministic price for symbol at tsMs:
// a slow sine wave (the "trend") plus a faster, hash-seeded ripple
// (the "noise"), so a strategy has both structure and texture to react
// to without any external data.
func midPrice(symbol string, tsMs int64) float64 {
	base := symbolSeed(symbol)
	trend := base * 0.1 * math.Sin(float64(tsMs)/(1000*60*60*6))
	h := fnv.New64a()
	h.Write([]byte(symbol))
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(tsMs >> (8 * i))
	}
	h.Write(buf[:])
	ripple := base * 0.01 * math.Sin(float64(h.Sum64()%10_000)/1591.0)
	return base + trend + ripple
}

func (s *syntheticExchange) fetchCandles(symbol string, interval types.CandleInterval, sinceMs int64, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	stepMs := interval.Minutes() * 60_000
	if stepMs <= 0 {
		stepMs = 60_000
	}
	candles := make([]types.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		ts := sinceMs + int64(i)*stepMs
		open := midPrice(symbol, ts)
		close := midPrice(symbol, ts+stepMs)
		high := math.Max(open, close) * 1.0015
		low := math.Min(open, close) * 0.9985
		volume := 50 + symbolSeed(symbol)*0.5

		candles = append(candles, types.Candle{
			TimestampMs: ts,
			Open:        decimal.NewFromFloat(open),
			High:        decimal.NewFromFloat(high),
			Low:         decimal.NewFromFloat(low),
			Close:       decimal.NewFromFloat(close),
			Volume:      decimal.NewFromFloat(volume),
		})
	}
	return candles, nil
}

func formatPrice(symbol string, p string) string {
	d, err := decimal.NewFromString(p)
	if err != nil {
		return p
	}
	return d.StringFixed(2)
}

func formatQty(symbol string, q string) string {
	d, err := decimal.NewFromString(q)
	if err != nil {
		return q
	}
	return d.StringFixed(4)
}

func exchangeSchema(name string) registry.ExchangeSchema {
	ex := newSyntheticExchange()
	return registry.ExchangeSchema{
		Name:         name,
		FetchCandles: ex.fetchCandles,
		FormatPrice:  formatPrice,
		FormatQty:    formatQty,
	}
}
