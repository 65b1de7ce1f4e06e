// Package registry holds the name-keyed, host-supplied schemas
// (Strategy, Exchange, Frame, Risk, Walker) described in spec §6. Registration
// is mutable until the first driver starts; afterward the registry
// freezes and rejects further writes, per Design Notes' "Registries
// with post-registration freeze" pattern, grounded on the teacher's
// StrategyRegistry (internal/strategy/strategy.go) but generalized
// from one concrete type to five schema kinds plus the freeze gate.
package registry

import (
	"fmt"
	"sync"

	"github.com/signalforge/engine/pkg/engineerr"
	"github.com/signalforge/engine/pkg/types"
)

// StrategyCallbacks are optional lifecycle hooks a strategy schema may
// supply; any of them may be nil.
type StrategyCallbacks struct {
	OnTick     func(ctx types.ExecutionContext)
	OnOpen     func(ctx types.ExecutionContext, sig *types.Signal)
	OnActive   func(ctx types.ExecutionContext, sig *types.Signal)
	OnIdle     func(ctx types.ExecutionContext)
	OnClose    func(ctx types.ExecutionContext, result types.TickResult)
	OnSchedule func(ctx types.ExecutionContext, sig *types.Signal)
	OnCancel   func(ctx types.ExecutionContext, sig *types.Signal)
}

// StrategySchema is the host-supplied description of one strategy.
type StrategySchema struct {
	Name      string
	Note      string
	Interval  types.CandleInterval
	GetSignal func(symbol string) *types.SignalCandidate
	Callbacks StrategyCallbacks

	// Exactly one of RiskName/RiskList should be set; RiskList composes
	// as logical AND across every named profile (spec §4.2).
	RiskName string
	RiskList []string
}

// ExchangeCallbacks are optional hooks for an exchange schema.
type ExchangeCallbacks struct {
	OnCandleData func(symbol string, candles []types.Candle)
}

// ExchangeSchema is the host-supplied candle source and formatter.
type ExchangeSchema struct {
	Name          string
	FetchCandles  func(symbol string, interval types.CandleInterval, sinceMs int64, limit int) ([]types.Candle, error)
	FormatPrice   func(symbol string, p string) string
	FormatQty     func(symbol string, q string) string
	Callbacks     ExchangeCallbacks
}

// FrameSchema is the host-supplied backtest/walker window.
type FrameSchema struct {
	Name        string
	Interval    types.CandleInterval
	StartDateMs int64
	EndDateMs   int64
}

// RiskCallbacks are optional hooks for a risk schema.
type RiskCallbacks struct {
	OnRejected func(key types.RiskPositionKey)
	OnAllowed  func(key types.RiskPositionKey)
}

// Predicate evaluates one admission rule against the full state of a
// risk profile. It returns a non-empty rejection reason to reject the
// candidate, or an empty string to accept it.
type Predicate func(payload types.RiskValidationPayload) (rejectReason string)

// RiskSchema is the host-supplied admission rule for one risk profile.
type RiskSchema struct {
	Name        string
	Validations []Predicate
	Callbacks   RiskCallbacks
}

// WalkerCallbacks are optional hooks for a walker schema.
type WalkerCallbacks struct {
	OnStep func(strategyName string, metric float64)
}

// WalkerSchema is the host-supplied sweep of candidate strategy names
// compared by the Walker Driver (spec §4.7). StrategyNames is evaluated
// in order; the driver selects the one maximising the declared metric.
type WalkerSchema struct {
	Name          string
	StrategyNames []string
	Callbacks     WalkerCallbacks
}

// Registry is a generic, name-keyed, freeze-once store.
type Registry[T any] struct {
	mu     sync.RWMutex
	items  map[string]T
	frozen bool
	kind   string
}

func newRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{items: make(map[string]T), kind: kind}
}

// Register adds an item under name. Registering after Freeze returns a
// ConfigurationError.
func (r *Registry[T]) Register(name string, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return &engineerr.ConfigurationError{
			Reason: fmt.Sprintf("%s registry is frozen; cannot register %q after first driver start", r.kind, name),
		}
	}
	r.items[name] = item
	return nil
}

// Get returns the item registered under name.
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[name]
	if !ok {
		var zero T
		return zero, &engineerr.ConfigurationError{
			Reason: fmt.Sprintf("unknown %s reference %q", r.kind, name),
		}
	}
	return item, nil
}

// Freeze transitions the registry from mutable to read-only. It is
// idempotent.
func (r *Registry[T]) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Names returns every currently registered name, in no particular order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	return out
}

// Set bundles the five schema registries a host constructs once at
// startup and shares across every driver.
type Set struct {
	Strategies *Registry[StrategySchema]
	Exchanges  *Registry[ExchangeSchema]
	Frames     *Registry[FrameSchema]
	Risks      *Registry[RiskSchema]
	Walkers    *Registry[WalkerSchema]
}

// NewSet creates five empty, mutable registries.
func NewSet() *Set {
	return &Set{
		Strategies: newRegistry[StrategySchema]("strategy"),
		Exchanges:  newRegistry[ExchangeSchema]("exchange"),
		Frames:     newRegistry[FrameSchema]("frame"),
		Risks:      newRegistry[RiskSchema]("risk"),
		Walkers:    newRegistry[WalkerSchema]("walker"),
	}
}

// FreezeAll freezes every registry in the set. Called by
// engine.NewRuntime, before any driver is built on the runtime.
func (s *Set) FreezeAll() {
	s.Strategies.Freeze()
	s.Exchanges.Freeze()
	s.Frames.Freeze()
	s.Risks.Freeze()
	s.Walkers.Freeze()
}
