// Command signalengine is the minimal, real host for the Signal
// Lifecycle Engine (SPEC_FULL.md §6 "Host adapter contracts"). It
// wires a registry of demo strategy/exchange/frame/risk schemas from
// config, drives a Live Driver per configured symbol against a
// deterministic synthetic exchange, and exposes the engine's state
// over the thin HTTP/WebSocket API in server.go. Grounded on the
// teacher's cmd/server/main.go for the flag-parse, logger-build,
// wire-everything-up, wait-for-signal, graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/signalforge/engine/internal/engine"
	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/persist"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional; defaults apply otherwise)")
	flag.Parse()

	host, cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "signalengine: ", err)
		os.Exit(1)
	}

	logger := setupLogger(host.LogLevel)
	defer logger.Sync()

	logger.Info("starting signalengine",
		zap.String("host", host.Host),
		zap.Int("port", host.Port),
		zap.Strings("symbols", host.Symbols),
		zap.String("persistRoot", cfg.PersistRoot),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	set := registry.NewSet()
	if err := registerDemoSchemas(set, host); err != nil {
		logger.Fatal("failed to register demo schemas", zap.Error(err))
	}

	layout := persist.NewLayout(logger, cfg.PersistRoot)
	bus := events.NewBus(logger)
	rt := engine.NewRuntime(logger, set, layout, bus, cfg)
	live := engine.NewLiveDriver(rt)

	reg := prometheus.NewRegistry()
	server := NewServer(logger, host, bus, rt.Accumulators(), reg)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("host API server error", zap.Error(err))
		}
	}()

	for _, symbol := range host.Symbols {
		runLiveSymbol(ctx, logger, live, symbol, host)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	for _, symbol := range host.Symbols {
		live.Stop(symbol, host.Strategy)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during host API shutdown", zap.Error(err))
	}

	dumpReports(logger, rt, cfg.PersistRoot)
	logger.Info("signalengine stopped")
}

// dumpReports writes every (symbol, strategy) pair's Report Accumulator
// snapshot to <persistRoot>/reports/<symbol>_<strategy>.json on
// shutdown, so the accumulated stats survive the process rather than
// only ever being queryable over /report while it runs.
func dumpReports(logger *zap.Logger, rt *engine.Runtime, persistRoot string) {
	dir := filepath.Join(persistRoot, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("failed to create reports directory", zap.Error(err))
		return
	}
	for _, acc := range rt.Accumulators().All() {
		stats := acc.SnapshotStats()
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", stats.Symbol, stats.Strategy))
		if err := acc.DumpToFile(path); err != nil {
			logger.Warn("failed to dump report", zap.String("path", path), zap.Error(err))
		}
	}
}

// runLiveSymbol starts one background Live Driver stream for symbol
// and logs every opened/closed tick it yields; this is the host's only
// consumer of the driver's stream besides the HTTP API's event-bus
// subscription, matching the teacher's "agent.SetTradeCallback"-style
// wiring of a background trading loop into logging plus a broadcast
// hub.
func runLiveSymbol(ctx context.Context, logger *zap.Logger, live *engine.LiveDriver, symbol string, host hostConfig) {
	stream := live.Run(ctx, symbol, engine.LiveRequest{
		StrategyName: host.Strategy,
		ExchangeName: host.Exchange,
	})

	go func() {
		for sr := range stream {
			if sr.Err != nil {
				logger.Warn("live tick error", zap.String("symbol", symbol), zap.Error(sr.Err))
				continue
			}
			logger.Info("live tick",
				zap.String("symbol", symbol),
				zap.String("strategy", host.Strategy),
				zap.String("action", string(sr.Result.Action)),
				zap.String("closeReason", string(sr.Result.CloseReason)),
			)
		}
	}()
}

// registerDemoSchemas wires the synthetic exchange, a single demo
// strategy, a max-open-positions risk profile, and a fixed 7-day
// backtest/walker frame starting at the Unix epoch, matching SPEC_FULL.md's "minimal, real host"
// requirement: every schema is a genuine, runnable implementation, not
// a stub.
func registerDemoSchemas(set *registry.Set, host hostConfig) error {
	if err := set.Exchanges.Register(host.Exchange, exchangeSchema(host.Exchange)); err != nil {
		return err
	}
	if err := set.Strategies.Register(host.Strategy, demoStrategySchema(host.Strategy, host.Risk)); err != nil {
		return err
	}
	if err := set.Risks.Register(host.Risk, demoRiskSchema(host.Risk)); err != nil {
		return err
	}
	const day = 24 * 60 * 60 * 1000
	if err := set.Frames.Register(host.Frame, registry.FrameSchema{
		Name:        host.Frame,
		Interval:    types.Interval1m,
		StartDateMs: 0,
		EndDateMs:   7 * day,
	}); err != nil {
		return err
	}
	return set.Walkers.Register("sweep", registry.WalkerSchema{
		Name:          "sweep",
		StrategyNames: []string{host.Strategy},
	})
}

// demoStrategySchema is a deterministic, state-free VWAP-band strategy:
// it always proposes a long entry bracketing the symbol's synthetic
// base price with a fixed take-profit/stop-loss spread. It exists to
// give the host something real to run against the synthetic exchange,
// not to demonstrate trading skill.
func demoStrategySchema(name, riskName string) registry.StrategySchema {
	return registry.StrategySchema{
		Name:     name,
		Note:     "deterministic long-only band around the synthetic base price",
		Interval: types.Interval1m,
		RiskName: riskName,
		GetSignal: func(symbol string) *types.SignalCandidate {
			base := decimal.NewFromFloat(symbolSeed(symbol))
			return &types.SignalCandidate{
				Position:            types.PositionLong,
				PriceTakeProfit:     base.Mul(decimal.NewFromFloat(1.02)),
				PriceStopLoss:       base.Mul(decimal.NewFromFloat(0.99)),
				MinuteEstimatedTime: 60,
			}
		},
	}
}

// demoRiskSchema caps a profile at three concurrent open positions
// across every (symbol, strategy) pair sharing it, grounded on the
// teacher's RiskConfig.MaxOpenPositions knob but realized as a
// registry.Predicate instead of a config field, per this engine's
// admission-rule-as-function design (spec §4.2).
func demoRiskSchema(name string) registry.RiskSchema {
	const maxOpenPositions = 3
	return registry.RiskSchema{
		Name: name,
		Validations: []registry.Predicate{
			func(payload types.RiskValidationPayload) string {
				if payload.ActivePositionCount >= maxOpenPositions {
					return fmt.Sprintf("risk profile %q already has %d open positions (max %d)", name, payload.ActivePositionCount, maxOpenPositions)
				}
				return ""
			},
		},
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
