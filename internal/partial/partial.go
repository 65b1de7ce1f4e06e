// Package partial implements the Partial Milestone Tracker from spec
// §4.3: idempotent emission of a profit or loss event exactly once per
// ±10..100% level crossed by a signal's unrealised P&L. Grounded on
// the teacher's RiskManager consecutive-loss bookkeeping style
// (internal/backtester/risk.go) for the "track then emit once" idiom,
// generalized to ten independent levels per side.
package partial

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/persist"
	"github.com/signalforge/engine/pkg/types"
)

// MilestoneBody is the payload carried by a PartialProfit/PartialLoss event.
type MilestoneBody struct {
	SignalID string
	Level    int
	RevenuePct decimal.Decimal
}

// Tracker owns the in-memory (and, in live mode, on-disk) per-signal
// milestone state for one (strategy, symbol) pair.
type Tracker struct {
	mu       sync.Mutex
	strategy string
	symbol   string
	layout   *persist.Layout
	bus      *events.Bus
	backtest bool
	states   map[string]*types.PartialState
}

// NewTracker restores persisted state (when not in backtest mode) for
// (strategy, symbol) and returns a ready-to-use Tracker. A nil layout
// means no persistence.
func NewTracker(strategy, symbol string, layout *persist.Layout, bus *events.Bus, backtest bool) (*Tracker, error) {
	states := map[string]*types.PartialState{}
	if !backtest && layout != nil {
		loaded, err := layout.LoadPartials(strategy, symbol)
		if err != nil {
			return nil, err
		}
		states = loaded
	}
	return &Tracker{
		strategy: strategy,
		symbol:   symbol,
		layout:   layout,
		bus:      bus,
		backtest: backtest,
		states:   states,
	}, nil
}

// Observe evaluates revenuePct (signed, fees excluded) for signalID
// and emits any newly-crossed milestone, on the profit side if
// positive or the loss side if negative. It persists atomically in
// live mode when state changed.
func (t *Tracker) Observe(signalID string, revenuePct decimal.Decimal) {
	t.mu.Lock()
	state, ok := t.states[signalID]
	if !ok {
		state = types.NewPartialState()
		t.states[signalID] = state
	}

	dirty := false
	if revenuePct.IsPositive() {
		dirty = t.crossLocked(state.ProfitLevels, revenuePct, events.ChannelPartialProfit, signalID) || dirty
	} else if revenuePct.IsNegative() {
		dirty = t.crossLocked(state.LossLevels, revenuePct.Abs(), events.ChannelPartialLoss, signalID) || dirty
	}
	t.mu.Unlock()

	if dirty && !t.backtest && t.layout != nil {
		_ = t.layout.SavePartials(t.strategy, t.symbol, t.snapshot())
	}
}

// crossLocked must be called with t.mu held. It mutates levels in
// place and publishes one event per newly-crossed level, smallest
// first, so an observer sees milestones in increasing order even if a
// single candle jumps several at once.
func (t *Tracker) crossLocked(levels map[int]struct{}, magnitudePct decimal.Decimal, channel events.Channel, signalID string) bool {
	dirty := false
	for _, level := range types.MilestoneLevels {
		if magnitudePct.LessThan(decimal.NewFromInt(int64(level))) {
			continue
		}
		if _, already := levels[level]; already {
			continue
		}
		levels[level] = struct{}{}
		dirty = true
		if t.bus != nil {
			t.bus.Publish(channel, t.symbol, t.strategy, "", t.backtest, MilestoneBody{
				SignalID:   signalID,
				Level:      level,
				RevenuePct: magnitudePct,
			})
		}
	}
	return dirty
}

// Clear removes in-memory and on-disk state for signalID on signal close.
func (t *Tracker) Clear(signalID string) error {
	t.mu.Lock()
	delete(t.states, signalID)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if t.backtest || t.layout == nil {
		return nil
	}
	if len(snapshot) == 0 {
		return t.layout.DeletePartials(t.strategy, t.symbol)
	}
	return t.layout.SavePartials(t.strategy, t.symbol, snapshot)
}

func (t *Tracker) snapshot() map[string]*types.PartialState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() map[string]*types.PartialState {
	out := make(map[string]*types.PartialState, len(t.states))
	for id, state := range t.states {
		out[id] = state.Clone()
	}
	return out
}
