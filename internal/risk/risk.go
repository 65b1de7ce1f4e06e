// Package risk implements the Risk Validator from spec §4.2: a
// portfolio-level gate with a shared position map per risk-profile
// name, composing as logical AND when a strategy names an ordered
// list of profiles. Grounded on the teacher's RiskManager
// (internal/backtester/risk.go) for the mutex-guarded position-count
// shape, restructured around the spec's predicate-list contract and a
// compare-and-swap admit path (spec §5 "shared mutable state").
package risk

import (
	"sync"

	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/persist"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/pkg/types"
)

// Profile is one named risk validator: an ordered list of predicates
// plus the shared position map every strategy bound to it reads and
// writes.
type Profile struct {
	mu        sync.Mutex
	logger    *zap.Logger
	schema    registry.RiskSchema
	layout    *persist.Layout
	bus       *events.Bus
	positions map[types.RiskPositionKey]types.RiskPosition
}

// NewProfile loads (or initializes) the shared position map for schema
// from disk and returns a ready-to-use Profile.
func NewProfile(logger *zap.Logger, schema registry.RiskSchema, layout *persist.Layout, bus *events.Bus) (*Profile, error) {
	positions, err := layout.LoadRisk(schema.Name)
	if err != nil {
		return nil, err
	}
	return &Profile{
		logger:    logger,
		schema:    schema,
		layout:    layout,
		bus:       bus,
		positions: positions,
	}, nil
}

// NewEphemeralProfile builds a Profile with an empty, never-persisted
// position map. The Walker Driver uses this for every candidate
// strategy it evaluates: backtest mode bypasses persistence entirely
// (spec §4.8), and each child must start from a clean position map so
// risk state never leaks across candidates (spec §4.7 "Walker
// isolation").
func NewEphemeralProfile(logger *zap.Logger, schema registry.RiskSchema, bus *events.Bus) *Profile {
	return &Profile{
		logger:    logger,
		schema:    schema,
		bus:       bus,
		positions: make(map[types.RiskPositionKey]types.RiskPosition),
	}
}

// Check runs every predicate in declaration order against the current
// shared state. The first rejection short-circuits and publishes a
// RiskRejected event. Check does not add the position; CheckAndAdd
// performs the check and the add under one lock so that two concurrent
// callers cannot both observe room for one more position and both add
// (spec §5, invariant "shared risk limit").
func (p *Profile) Check(payload types.RiskValidationPayload) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload.ActivePositionCount = len(p.positions)
	payload.ActivePositions = p.snapshotLocked()

	for _, predicate := range p.schema.Validations {
		if reason := predicate(payload); reason != "" {
			p.publishRejectedLocked(payload, reason)
			return false, reason
		}
	}
	return true, ""
}

// Add records a new position under the critical section shared with
// Check, so a Check-then-Add pair from the same caller can be made
// atomic by calling CheckAndAdd instead when that matters.
func (p *Profile) Add(strategyName, symbol, exchangeName string, openedAt int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(strategyName, symbol, exchangeName, openedAt)
}

// CheckAndAdd atomically re-validates and admits one position, closing
// the race between two strategies that both observed room under the
// shared cap (spec invariant: observed concurrent count never exceeds
// the configured limit).
func (p *Profile) CheckAndAdd(payload types.RiskValidationPayload, openedAt int64) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload.ActivePositionCount = len(p.positions)
	payload.ActivePositions = p.snapshotLocked()

	for _, predicate := range p.schema.Validations {
		if reason := predicate(payload); reason != "" {
			p.publishRejectedLocked(payload, reason)
			return false, reason
		}
	}
	if err := p.addLocked(payload.StrategyName, payload.Symbol, payload.ExchangeName, openedAt); err != nil {
		p.logger.Warn("risk profile failed to persist admitted position", zap.Error(err))
	}
	if p.schema.Callbacks.OnAllowed != nil {
		p.schema.Callbacks.OnAllowed(types.RiskPositionKey{StrategyName: payload.StrategyName, Symbol: payload.Symbol})
	}
	return true, ""
}

// Remove deletes a position and persists the map.
func (p *Profile) Remove(strategyName, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, types.RiskPositionKey{StrategyName: strategyName, Symbol: symbol})
	if p.layout == nil {
		return nil
	}
	return p.layout.SaveRisk(p.schema.Name, p.positions)
}

func (p *Profile) addLocked(strategyName, symbol, exchangeName string, openedAt int64) error {
	key := types.RiskPositionKey{StrategyName: strategyName, Symbol: symbol}
	p.positions[key] = types.RiskPosition{
		StrategyName: strategyName,
		Symbol:       symbol,
		ExchangeName: exchangeName,
		OpenedAt:     openedAt,
	}
	if p.layout == nil {
		return nil
	}
	return p.layout.SaveRisk(p.schema.Name, p.positions)
}

func (p *Profile) snapshotLocked() []types.ActivePosition {
	out := make([]types.ActivePosition, 0, len(p.positions))
	for key, pos := range p.positions {
		out = append(out, types.ActivePosition{
			StrategyName: key.StrategyName,
			Symbol:       key.Symbol,
			ExchangeName: pos.ExchangeName,
			OpenedAt:     pos.OpenedAt,
		})
	}
	return out
}

func (p *Profile) publishRejectedLocked(payload types.RiskValidationPayload, reason string) {
	if p.schema.Callbacks.OnRejected != nil {
		p.schema.Callbacks.OnRejected(types.RiskPositionKey{StrategyName: payload.StrategyName, Symbol: payload.Symbol})
	}
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.ChannelRiskRejected, payload.Symbol, payload.StrategyName, payload.ExchangeName, false, RejectedBody{
		ActivePositionCount: payload.ActivePositionCount,
		Comment:             reason,
	})
}

// RejectedBody is the payload carried by a RiskRejected event.
type RejectedBody struct {
	ActivePositionCount int
	Comment             string
}

// Composite is an ordered list of Profiles that gates as logical AND:
// a candidate is admitted only if every child admits it. Children
// share nothing beyond their own schema, as each maintains an
// independent position map (spec §4.2 "Composite form").
type Composite struct {
	children []*Profile
}

// NewComposite wraps an ordered slice of profiles.
func NewComposite(children []*Profile) *Composite {
	return &Composite{children: children}
}

// CheckAndAdd runs CheckAndAdd across every child in order. If any
// child rejects, the ones that already admitted are rolled back via
// Remove so the composite leaves no partial admission behind.
func (c *Composite) CheckAndAdd(payload types.RiskValidationPayload, openedAt int64) (bool, string) {
	admitted := make([]*Profile, 0, len(c.children))
	for _, child := range c.children {
		ok, reason := child.CheckAndAdd(payload, openedAt)
		if !ok {
			for _, done := range admitted {
				_ = done.Remove(payload.StrategyName, payload.Symbol)
			}
			return false, reason
		}
		admitted = append(admitted, child)
	}
	return true, ""
}

// Remove fans out to every child.
func (c *Composite) Remove(strategyName, symbol string) error {
	var firstErr error
	for _, child := range c.children {
		if err := child.Remove(strategyName, symbol); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
