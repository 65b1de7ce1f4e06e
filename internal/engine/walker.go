package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/pkg/types"
	"github.com/signalforge/engine/pkg/utils"
)

// WalkerRequest names the walker/exchange/frame schemas one
// Walker.run call binds together (spec §6).
type WalkerRequest struct {
	WalkerName   string
	ExchangeName string
	FrameName    string
}

// WalkerStepBody is the payload for WalkerStep events: the result of
// backtesting one candidate strategy, plus the best metric seen so far.
type WalkerStepBody struct {
	StrategyName string
	Metric       decimal.Decimal
	BestSoFar    string
	BestMetric   decimal.Decimal
}

// WalkerCompleteBody is the payload for WalkerComplete events.
type WalkerCompleteBody struct {
	WalkerName   string
	BestStrategy string
	BestMetric   decimal.Decimal
	Candidates   int
}

// WalkerResult is what WalkerDriver.Run eventually settles on: the
// candidate strategy name that maximised the declared metric, and the
// closed trades that winning candidate produced. The other candidates'
// closes are not included.
type WalkerResult struct {
	StrategyName string
	Metric       decimal.Decimal
	Closes       []types.TickResult
}

// WalkerDriver realizes spec §4.7: it runs the Backtest Driver once per
// candidate strategy named in a WalkerSchema, each against its own
// ephemeral risk profile and partial tracker so no state leaks between
// candidates, then selects the candidate maximising the Sharpe ratio of
// its net-PnL return series. Grounded on the teacher's
// internal/backtester walk-forward pass (walkforward.go) for the
// sequential-candidate-then-compare shape, rebuilt around the new
// BacktestDriver instead of the teacher's portfolio engine.
type WalkerDriver struct {
	rt  *Runtime
	bt  *BacktestDriver
	cfg WalkerConfig
}

// WalkerConfig tunes the metric computed per candidate. RiskFreeRate
// and PeriodsPerYear feed utils.CalculateSharpeRatio directly; both
// default to values that annualize a per-trade return series as if it
// were daily.
type WalkerConfig struct {
	RiskFreeRate   decimal.Decimal
	PeriodsPerYear int
}

// DefaultWalkerConfig returns the zero risk-free-rate, 252-period
// (trading-day) annualization the Walker Driver uses unless overridden.
func DefaultWalkerConfig() WalkerConfig {
	return WalkerConfig{RiskFreeRate: decimal.Zero, PeriodsPerYear: 252}
}

// NewWalkerDriver builds a driver sharing rt's registries/singletons.
func NewWalkerDriver(rt *Runtime, cfg WalkerConfig) *WalkerDriver {
	return &WalkerDriver{rt: rt, bt: NewBacktestDriver(rt), cfg: cfg}
}

// Run backtests every candidate strategy named by req.WalkerName's
// schema, in order, against symbol and req's shared exchange/frame, and
// returns the candidate with the highest Sharpe ratio over its closed
// trades' net PnL. A candidate with fewer than two closed trades scores
// zero, since Sharpe is undefined on a single sample (spec §4.7 is
// silent here; this mirrors utils.CalculateSharpeRatio's own guard).
func (d *WalkerDriver) Run(ctx context.Context, symbol string, req WalkerRequest) (WalkerResult, error) {
	schema, err := d.rt.registries.Walkers.Get(req.WalkerName)
	if err != nil {
		return WalkerResult{}, err
	}

	var best WalkerResult
	haveBest := false

	for i, strategyName := range schema.StrategyNames {
		d.rt.bus.Publish(events.ChannelProgressWalker, symbol, req.WalkerName, req.ExchangeName, true,
			ProgressBody{Index: i, Total: len(schema.StrategyNames)})

		closes, err := d.runCandidate(ctx, symbol, strategyName, req)
		if err != nil {
			return WalkerResult{}, err
		}

		metric := d.scoreCandidate(closes)
		if schema.Callbacks.OnStep != nil {
			schema.Callbacks.OnStep(strategyName, metric.InexactFloat64())
		}

		bestSoFarName := best.StrategyName
		bestSoFarMetric := best.Metric
		if haveBest && metric.GreaterThan(best.Metric) || !haveBest {
			best = WalkerResult{StrategyName: strategyName, Metric: metric, Closes: closes}
			haveBest = true
			bestSoFarName = strategyName
			bestSoFarMetric = metric
		}

		d.rt.bus.Publish(events.ChannelWalkerStep, symbol, req.WalkerName, req.ExchangeName, true, WalkerStepBody{
			StrategyName: strategyName,
			Metric:       metric,
			BestSoFar:    bestSoFarName,
			BestMetric:   bestSoFarMetric,
		})
	}

	d.rt.bus.Publish(events.ChannelWalkerComplete, symbol, req.WalkerName, req.ExchangeName, true, WalkerCompleteBody{
		WalkerName:   req.WalkerName,
		BestStrategy: best.StrategyName,
		BestMetric:   best.Metric,
		Candidates:   len(schema.StrategyNames),
	})
	d.rt.bus.Publish(events.ChannelDoneWalker, symbol, req.WalkerName, req.ExchangeName, true, DoneBody{TicksProcessed: len(schema.StrategyNames)})

	return best, nil
}

func (d *WalkerDriver) runCandidate(ctx context.Context, symbol, strategyName string, req WalkerRequest) ([]types.TickResult, error) {
	var closes []types.TickResult
	btReq := BacktestRequest{StrategyName: strategyName, ExchangeName: req.ExchangeName, FrameName: req.FrameName}
	for sr := range d.bt.Run(ctx, symbol, btReq) {
		if sr.Err != nil {
			return nil, sr.Err
		}
		if sr.Result.Action == types.ActionClosed {
			closes = append(closes, sr.Result)
		}
	}
	return closes, nil
}

func (d *WalkerDriver) scoreCandidate(closes []types.TickResult) decimal.Decimal {
	if len(closes) < 2 {
		return decimal.Zero
	}
	returns := make([]decimal.Decimal, 0, len(closes))
	for _, c := range closes {
		returns = append(returns, c.PnL.NetPctAfterFeesSlip)
	}
	return utils.CalculateSharpeRatio(returns, d.cfg.RiskFreeRate, d.cfg.PeriodsPerYear)
}
