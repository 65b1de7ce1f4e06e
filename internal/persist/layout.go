package persist

import (
	"go.uber.org/zap"

	"github.com/signalforge/engine/pkg/types"
)

// Layout wires the generic Store to the four per-key file layouts named
// in spec §6: signal/{strategy}/{symbol}.json, schedule/{strategy}/{symbol}.json,
// risk/{risk_name}.json, partial/{strategy}/{symbol}.json.
type Layout struct {
	store *Store
}

// NewLayout creates a Layout rooted at root.
func NewLayout(logger *zap.Logger, root string) *Layout {
	return &Layout{store: NewStore(logger, root)}
}

// signalRow is the on-disk shape of an opened or scheduled Signal.
type signalRow struct {
	ID                  string
	Symbol              string
	StrategyName        string
	ExchangeName        string
	Position            types.PositionSide
	PriceTakeProfit     string
	PriceStopLoss       string
	MinuteEstimatedTime int
	ScheduledAt         int64
	PendingAt           int64
	Note                string
	PriceOpenTarget     string
	PriceOpen           string
	OpenedAt            int64
	HasOpenTarget       bool
	HasOpenedAt         bool
}

// --- Signal store (opened signals) ---

// LoadSignal returns the persisted opened signal for (strategy,symbol), if any.
func (l *Layout) LoadSignal(strategy, symbol string) (*types.Signal, error) {
	return loadSignalRow(l.store, "signal", strategy, symbol)
}

// SaveSignal persists sig as the opened signal for (strategy,symbol).
func (l *Layout) SaveSignal(strategy, symbol string, sig *types.Signal) error {
	return saveSignalRow(l.store, "signal", strategy, symbol, sig)
}

// DeleteSignal removes the opened-signal file for (strategy,symbol).
func (l *Layout) DeleteSignal(strategy, symbol string) error {
	return l.store.Delete("signal", strategy, symbol)
}

// --- Schedule store (scheduled signals) ---

// LoadSchedule returns the persisted scheduled signal for (strategy,symbol), if any.
func (l *Layout) LoadSchedule(strategy, symbol string) (*types.Signal, error) {
	return loadSignalRow(l.store, "schedule", strategy, symbol)
}

// SaveSchedule persists sig as the scheduled signal for (strategy,symbol).
func (l *Layout) SaveSchedule(strategy, symbol string, sig *types.Signal) error {
	return saveSignalRow(l.store, "schedule", strategy, symbol, sig)
}

// DeleteSchedule removes the scheduled-signal file for (strategy,symbol).
func (l *Layout) DeleteSchedule(strategy, symbol string) error {
	return l.store.Delete("schedule", strategy, symbol)
}

func loadSignalRow(store *Store, kind, strategy, symbol string) (*types.Signal, error) {
	var row signalRow
	ok, err := store.Read(&row, kind, strategy, symbol)
	if err != nil || !ok {
		return nil, err
	}
	return rowToSignal(row), nil
}

func saveSignalRow(store *Store, kind, strategy, symbol string, sig *types.Signal) error {
	return store.Write(signalToRow(sig), kind, strategy, symbol)
}

func signalToRow(sig *types.Signal) signalRow {
	row := signalRow{
		ID:                  sig.ID,
		Symbol:              sig.Symbol,
		StrategyName:        sig.StrategyName,
		ExchangeName:        sig.ExchangeName,
		Position:            sig.Position,
		PriceTakeProfit:     sig.PriceTakeProfit.String(),
		PriceStopLoss:       sig.PriceStopLoss.String(),
		MinuteEstimatedTime: sig.MinuteEstimatedTime,
		ScheduledAt:         sig.ScheduledAt,
		PendingAt:           sig.PendingAt,
		Note:                sig.Note,
	}
	if sig.PriceOpenTarget != nil {
		row.HasOpenTarget = true
		row.PriceOpenTarget = sig.PriceOpenTarget.String()
	}
	if sig.PriceOpen != nil {
		row.HasOpenedAt = true
		row.PriceOpen = sig.PriceOpen.String()
		row.OpenedAt = *sig.OpenedAt
	}
	return row
}

func rowToSignal(row signalRow) *types.Signal {
	sig := &types.Signal{
		ID:                  row.ID,
		Symbol:              row.Symbol,
		StrategyName:        row.StrategyName,
		ExchangeName:        row.ExchangeName,
		Position:            row.Position,
		MinuteEstimatedTime: row.MinuteEstimatedTime,
		ScheduledAt:         row.ScheduledAt,
		PendingAt:           row.PendingAt,
		Note:                row.Note,
	}
	sig.PriceTakeProfit = mustDecimal(row.PriceTakeProfit)
	sig.PriceStopLoss = mustDecimal(row.PriceStopLoss)
	if row.HasOpenTarget {
		d := mustDecimal(row.PriceOpenTarget)
		sig.PriceOpenTarget = &d
	}
	if row.HasOpenedAt {
		d := mustDecimal(row.PriceOpen)
		sig.PriceOpen = &d
		openedAt := row.OpenedAt
		sig.OpenedAt = &openedAt
	}
	return sig
}

// --- Risk store ---

type riskRow struct {
	Positions map[string]types.RiskPosition // key: "strategy|symbol"
}

// LoadRisk returns the persisted position map for a risk profile name.
func (l *Layout) LoadRisk(riskName string) (map[types.RiskPositionKey]types.RiskPosition, error) {
	var row riskRow
	ok, err := l.store.Read(&row, "risk", riskName)
	if err != nil || !ok {
		return map[types.RiskPositionKey]types.RiskPosition{}, err
	}
	out := make(map[types.RiskPositionKey]types.RiskPosition, len(row.Positions))
	for k, v := range row.Positions {
		out[riskKeyFromString(k)] = v
	}
	return out, nil
}

// SaveRisk persists the position map for a risk profile name.
func (l *Layout) SaveRisk(riskName string, positions map[types.RiskPositionKey]types.RiskPosition) error {
	row := riskRow{Positions: make(map[string]types.RiskPosition, len(positions))}
	for k, v := range positions {
		row.Positions[riskKeyToString(k)] = v
	}
	return l.store.Write(row, "risk", riskName)
}

func riskKeyToString(k types.RiskPositionKey) string {
	return k.StrategyName + "|" + k.Symbol
}

func riskKeyFromString(s string) types.RiskPositionKey {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return types.RiskPositionKey{StrategyName: s[:i], Symbol: s[i+1:]}
		}
	}
	return types.RiskPositionKey{StrategyName: s}
}

// --- Partial store ---

type partialRow struct {
	Signals map[string]partialStateRow // key: signal id
}

type partialStateRow struct {
	ProfitLevels []int
	LossLevels   []int
}

// LoadPartials returns signal id -> PartialState for (strategy,symbol).
func (l *Layout) LoadPartials(strategy, symbol string) (map[string]*types.PartialState, error) {
	var row partialRow
	ok, err := l.store.Read(&row, "partial", strategy, symbol)
	if err != nil || !ok {
		return map[string]*types.PartialState{}, err
	}
	out := make(map[string]*types.PartialState, len(row.Signals))
	for id, r := range row.Signals {
		ps := types.NewPartialState()
		for _, lvl := range r.ProfitLevels {
			ps.ProfitLevels[lvl] = struct{}{}
		}
		for _, lvl := range r.LossLevels {
			ps.LossLevels[lvl] = struct{}{}
		}
		out[id] = ps
	}
	return out, nil
}

// SavePartials persists signal id -> PartialState for (strategy,symbol).
func (l *Layout) SavePartials(strategy, symbol string, states map[string]*types.PartialState) error {
	row := partialRow{Signals: make(map[string]partialStateRow, len(states))}
	for id, ps := range states {
		r := partialStateRow{}
		for lvl := range ps.ProfitLevels {
			r.ProfitLevels = append(r.ProfitLevels, lvl)
		}
		for lvl := range ps.LossLevels {
			r.LossLevels = append(r.LossLevels, lvl)
		}
		row.Signals[id] = r
	}
	return l.store.Write(row, "partial", strategy, symbol)
}

// DeletePartials removes the partial-state file for (strategy,symbol).
func (l *Layout) DeletePartials(strategy, symbol string) error {
	return l.store.Delete("partial", strategy, symbol)
}
