// Package engine implements the three execution drivers from spec
// §4.5-4.7 (Backtest, Live, Walker) that compose the Strategy Client,
// Exchange Client, Risk Validator and Partial Tracker into the
// lazily-sequenced tick streams described in spec §6's entry points.
// Grounded on the teacher's internal/backtester.Engine for the
// mutex-guarded, atomic-flag driver shape (constructor injection of a
// *zap.Logger, an atomic "stopped" flag consulted at safe points, a
// progress channel) but restructured from the teacher's one
// monolithic portfolio engine into three small drivers sharing a
// common Runtime, since the spec names three independent entry points
// rather than one.
package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/exchange"
	"github.com/signalforge/engine/internal/partial"
	"github.com/signalforge/engine/internal/persist"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/internal/risk"
	"github.com/signalforge/engine/internal/strategy"
	"github.com/signalforge/engine/pkg/engineerr"
	"github.com/signalforge/engine/pkg/types"
)

// Runtime bundles the registries and shared singletons every driver
// needs: one Exchange Client per exchange name and one Risk Profile per
// risk-profile name, both memoised by a concurrent map keyed by a plain
// string rather than the teacher's "symbol:strategy:backtest"-style
// composite string key (Design Notes item 2).
type Runtime struct {
	logger       *zap.Logger
	registries   *registry.Set
	layout       *persist.Layout
	bus          *events.Bus
	cfg          types.EngineConfig
	accumulators *events.AccumulatorSet

	mu           sync.Mutex
	exchanges    map[string]*exchange.Client
	riskProfiles map[string]*risk.Profile
}

// NewRuntime builds a Runtime shared by every driver constructed
// against the same registries/config. It freezes the registry set on
// first use (Design Notes "Registries with post-registration freeze")
// and subscribes a Report Accumulator set to every closed signal on the
// live and backtest channels (spec §2 "Event Bus + Report
// Accumulators"), so SnapshotStats/RenderReport/DumpToFile reflect
// every closed trade this Runtime's drivers produce.
func NewRuntime(logger *zap.Logger, registries *registry.Set, layout *persist.Layout, bus *events.Bus, cfg types.EngineConfig) *Runtime {
	registries.FreezeAll()
	accumulators := events.NewAccumulatorSet(cfg.ReportRingBufferCap)
	accumulators.Subscribe(bus)
	return &Runtime{
		logger:       logger,
		registries:   registries,
		layout:       layout,
		bus:          bus,
		cfg:          cfg,
		accumulators: accumulators,
		exchanges:    make(map[string]*exchange.Client),
		riskProfiles: make(map[string]*risk.Profile),
	}
}

// Accumulators returns the Runtime's shared Report Accumulator set, so
// a host can render or dump per-(symbol,strategy) trade statistics.
func (r *Runtime) Accumulators() *events.AccumulatorSet {
	return r.accumulators
}

func (r *Runtime) exchangeClient(name string) (*exchange.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.exchanges[name]; ok {
		return c, nil
	}
	schema, err := r.registries.Exchanges.Get(name)
	if err != nil {
		return nil, err
	}
	c := exchange.New(r.logger, schema, r.cfg)
	r.exchanges[name] = c
	return c, nil
}

// persistedRiskProfile returns (creating and caching on first use) the
// shared, disk-backed Profile for a risk-schema name. Every strategy
// that names the same profile shares this one instance and its
// position map, which is the entire point of a shared risk profile
// (spec §4.2).
func (r *Runtime) persistedRiskProfile(name string) (*risk.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.riskProfiles[name]; ok {
		return p, nil
	}
	schema, err := r.registries.Risks.Get(name)
	if err != nil {
		return nil, err
	}
	p, err := risk.NewProfile(r.logger, schema, r.layout, r.bus)
	if err != nil {
		return nil, err
	}
	r.riskProfiles[name] = p
	return p, nil
}

func riskNames(schema registry.StrategySchema) []string {
	if schema.RiskName != "" {
		return []string{schema.RiskName}
	}
	return schema.RiskList
}

// riskGate builds the strategy.RiskGate (nil, a single Profile, or a
// Composite) a strategy schema resolves to. In backtest mode every
// profile is ephemeral and in-memory-only: persistence is bypassed
// entirely for performance (spec §4.8), and — when called from the
// Walker Driver — every child strategy gets a fresh position map so
// risk state never leaks across candidates (spec §4.7).
func (r *Runtime) riskGate(schema registry.StrategySchema, backtest bool) (strategy.RiskGate, error) {
	names := riskNames(schema)
	if len(names) == 0 {
		return nil, nil
	}

	profiles := make([]*risk.Profile, 0, len(names))
	for _, name := range names {
		riskSchema, err := r.registries.Risks.Get(name)
		if err != nil {
			return nil, err
		}
		var profile *risk.Profile
		if backtest {
			profile = risk.NewEphemeralProfile(r.logger, riskSchema, r.bus)
		} else {
			profile, err = r.persistedRiskProfile(name)
			if err != nil {
				return nil, err
			}
		}
		profiles = append(profiles, profile)
	}
	if len(profiles) == 1 {
		return profiles[0], nil
	}
	return risk.NewComposite(profiles), nil
}

// NewStrategyClient resolves schema and assembles every dependency a
// Strategy Client needs for one (symbol, strategy, mode) pair (spec §3
// "Lifecycles": Strategy Clients are created lazily and live until the
// driver completes).
func (r *Runtime) NewStrategyClient(symbol, strategyName, exchangeName string, backtest bool) (*strategy.Client, error) {
	schema, err := r.registries.Strategies.Get(strategyName)
	if err != nil {
		return nil, err
	}
	xchg, err := r.exchangeClient(exchangeName)
	if err != nil {
		return nil, err
	}
	gate, err := r.riskGate(schema, backtest)
	if err != nil {
		return nil, err
	}
	tracker, err := partial.NewTracker(strategyName, symbol, r.layout, r.bus, backtest)
	if err != nil {
		return nil, err
	}

	return strategy.New(schema, strategy.Config{
		Logger:       r.logger,
		Symbol:       symbol,
		Exchange:     xchg,
		ExchangeName: exchangeName,
		RiskGate:     gate,
		Tracker:      tracker,
		Layout:       r.layout,
		Bus:          r.bus,
		EngineConfig: r.cfg,
		Backtest:     backtest,
	}), nil
}

// Frame resolves a registered frame schema and validates it against
// the strategy's interval (Design Notes item 3: frame interval must be
// an integer multiple of the strategy interval).
func (r *Runtime) Frame(frameName, strategyName string) (registry.FrameSchema, error) {
	frame, err := r.registries.Frames.Get(frameName)
	if err != nil {
		return registry.FrameSchema{}, err
	}
	strat, err := r.registries.Strategies.Get(strategyName)
	if err != nil {
		return registry.FrameSchema{}, err
	}
	stratMin := strat.Interval.Minutes()
	frameMin := frame.Interval.Minutes()
	if stratMin <= 0 || frameMin <= 0 || frameMin%stratMin != 0 {
		return registry.FrameSchema{}, &engineerr.ConfigurationError{
			Reference: frameName,
			Reason: fmt.Sprintf("frame interval %s is not an integer multiple of strategy %q interval %s",
				frame.Interval, strategyName, strat.Interval),
		}
	}
	return frame, nil
}
