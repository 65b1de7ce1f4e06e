package events

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/pkg/types"
)

// record is one closed-trade observation fed into an Accumulator.
type record struct {
	PnL      types.PnL
	ClosedAt int64
}

// Accumulator is a bounded ring buffer of closed-trade records for one
// (symbol, strategy) pair, per Design Notes item 5: an "unbounded"
// report is still capped at hardCap so a long-running live driver
// cannot grow memory without limit.
type Accumulator struct {
	mu       sync.Mutex
	symbol   string
	strategy string
	cap      int
	buf      []record
	next     int
	count    int // total ever pushed, may exceed len(buf)
}

const accumulatorHardCap = 10000

// NewAccumulator creates a ring buffer capped at capacity. A
// non-positive capacity selects the default of 250; a capacity above
// accumulatorHardCap is clamped to it.
func NewAccumulator(symbol, strategy string, capacity int) *Accumulator {
	if capacity <= 0 {
		capacity = 250
	}
	if capacity > accumulatorHardCap {
		capacity = accumulatorHardCap
	}
	return &Accumulator{
		symbol:   symbol,
		strategy: strategy,
		cap:      capacity,
		buf:      make([]record, 0, capacity),
	}
}

// Push records one closed trade, overwriting the oldest entry once the
// buffer is full.
func (a *Accumulator) Push(pnl types.PnL, closedAt int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := record{PnL: pnl, ClosedAt: closedAt}
	if len(a.buf) < a.cap {
		a.buf = append(a.buf, r)
	} else {
		a.buf[a.next] = r
		a.next = (a.next + 1) % a.cap
	}
	a.count++
}

// Stats is the summary snapshot returned by SnapshotStats. Every
// amount is a net-of-fees-and-slippage percentage (spec §4.4.1), since
// that is the unit PnL is tracked in — there is no notion of absolute
// position size in this engine.
type Stats struct {
	Symbol          string
	Strategy        string
	TotalSeen       int
	SampleSize      int
	Wins            int
	Losses          int
	WinRatePct      decimal.Decimal
	GrossProfitPct  decimal.Decimal
	GrossLossPct    decimal.Decimal
	NetPct          decimal.Decimal
	AveragePct      decimal.Decimal
	LargestWinPct   decimal.Decimal
	LargestLossPct  decimal.Decimal
	ProfitFactor    decimal.Decimal
	Truncated       bool
}

// SnapshotStats computes aggregate statistics over the current buffer
// contents. It never mutates state, so it's safe to call concurrently
// with Push.
func (a *Accumulator) SnapshotStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{
		Symbol:         a.symbol,
		Strategy:       a.strategy,
		TotalSeen:      a.count,
		SampleSize:     len(a.buf),
		Truncated:      a.count > len(a.buf),
		GrossProfitPct: decimal.Zero,
		GrossLossPct:   decimal.Zero,
		NetPct:         decimal.Zero,
		LargestWinPct:  decimal.Zero,
		LargestLossPct: decimal.Zero,
	}

	for _, r := range a.buf {
		net := r.PnL.NetPctAfterFeesSlip
		st.NetPct = st.NetPct.Add(net)
		if net.IsPositive() {
			st.Wins++
			st.GrossProfitPct = st.GrossProfitPct.Add(net)
			if net.GreaterThan(st.LargestWinPct) {
				st.LargestWinPct = net
			}
		} else if net.IsNegative() {
			st.Losses++
			st.GrossLossPct = st.GrossLossPct.Add(net)
			if net.LessThan(st.LargestLossPct) {
				st.LargestLossPct = net
			}
		}
	}

	if st.SampleSize > 0 {
		st.AveragePct = st.NetPct.Div(decimal.NewFromInt(int64(st.SampleSize)))
		st.WinRatePct = decimal.NewFromInt(int64(st.Wins)).
			Div(decimal.NewFromInt(int64(st.SampleSize))).
			Mul(decimal.NewFromInt(100))
	}
	if !st.GrossLossPct.IsZero() {
		st.ProfitFactor = st.GrossProfitPct.Div(st.GrossLossPct.Abs())
	}
	return st
}

// RenderReport formats the current snapshot as a human-readable block,
// matching the teacher's plain fmt.Sprintf report style rather than a
// templating engine.
func (a *Accumulator) RenderReport() string {
	st := a.SnapshotStats()
	var b strings.Builder
	fmt.Fprintf(&b, "Report for %s / %s\n", st.Symbol, st.Strategy)
	fmt.Fprintf(&b, "  sample:        %d of %d seen", st.SampleSize, st.TotalSeen)
	if st.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  wins/losses:   %d / %d (%.2f%% win rate)\n", st.Wins, st.Losses, st.WinRatePct.InexactFloat64())
	fmt.Fprintf(&b, "  net pnl %%:     %s\n", st.NetPct.StringFixed(4))
	fmt.Fprintf(&b, "  average pnl %%: %s\n", st.AveragePct.StringFixed(4))
	fmt.Fprintf(&b, "  gross profit %%:%s\n", st.GrossProfitPct.StringFixed(4))
	fmt.Fprintf(&b, "  gross loss %%:  %s\n", st.GrossLossPct.StringFixed(4))
	fmt.Fprintf(&b, "  largest win %%: %s\n", st.LargestWinPct.StringFixed(4))
	fmt.Fprintf(&b, "  largest loss %%:%s\n", st.LargestLossPct.StringFixed(4))
	fmt.Fprintf(&b, "  profit factor: %s\n", st.ProfitFactor.StringFixed(4))
	return b.String()
}

// DumpToFile writes the current snapshot as indented JSON to path.
func (a *Accumulator) DumpToFile(path string) error {
	st := a.SnapshotStats()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// AccumulatorSet keys accumulators by (symbol, strategy), created
// lazily on first observation.
type AccumulatorSet struct {
	mu       sync.Mutex
	capacity int
	byKey    map[string]*Accumulator
}

// NewAccumulatorSet creates an empty set where new accumulators are
// sized to capacity.
func NewAccumulatorSet(capacity int) *AccumulatorSet {
	return &AccumulatorSet{capacity: capacity, byKey: make(map[string]*Accumulator)}
}

// Get returns (creating if needed) the accumulator for (symbol, strategy).
func (s *AccumulatorSet) Get(symbol, strategy string) *Accumulator {
	key := symbol + "|" + strategy
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byKey[key]
	if !ok {
		acc = NewAccumulator(symbol, strategy, s.capacity)
		s.byKey[key] = acc
	}
	return acc
}

// All returns every accumulator currently tracked, in no particular order.
func (s *AccumulatorSet) All() []*Accumulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Accumulator, 0, len(s.byKey))
	for _, acc := range s.byKey {
		out = append(out, acc)
	}
	return out
}

// Subscribe wires the set into bus as a live Report Accumulator (spec
// §2: "Event Bus + Report Accumulators"): every closed-signal event on
// either the live or backtest signal channel is pushed into the
// accumulator for its (symbol, strategy) pair. Scheduled/opened/idle
// ticks on the same channels are ignored, since only a closed trade has
// a PnL to record.
func (s *AccumulatorSet) Subscribe(bus *Bus) *Subscription {
	onClosed := func(ev Envelope) {
		result, ok := ev.Body.(types.TickResult)
		if !ok || result.Action != types.ActionClosed {
			return
		}
		s.Get(ev.Symbol, ev.StrategyName).Push(result.PnL, result.CloseTimestampMs)
	}
	live := bus.Subscribe(ChannelSignalLive, onClosed)
	backtest := bus.Subscribe(ChannelSignalBacktest, onClosed)
	return &Subscription{sub: live.sub, bus: bus, extra: []*subscriber{backtest.sub}}
}
