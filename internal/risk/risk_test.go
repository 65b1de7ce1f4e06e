package risk_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/internal/persist"
	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/internal/risk"
	"github.com/signalforge/engine/pkg/types"
)

func capPredicate(limit int) registry.Predicate {
	return func(payload types.RiskValidationPayload) string {
		if payload.ActivePositionCount >= limit {
			return fmt.Sprintf("active_position_count %d >= limit %d", payload.ActivePositionCount, limit)
		}
		return ""
	}
}

func TestProfileCheckAndAddEnforcesCap(t *testing.T) {
	layout := persist.NewLayout(zap.NewNop(), t.TempDir())
	bus := events.NewBus(zap.NewNop())
	schema := registry.RiskSchema{Name: "cap2", Validations: []registry.Predicate{capPredicate(2)}}
	profile, err := risk.NewProfile(zap.NewNop(), schema, layout, bus)
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}

	ok, _ := profile.CheckAndAdd(types.RiskValidationPayload{StrategyName: "A", Symbol: "BTCUSDT"}, 1)
	if !ok {
		t.Fatal("expected first admission to succeed")
	}
	ok, _ = profile.CheckAndAdd(types.RiskValidationPayload{StrategyName: "B", Symbol: "ETHUSDT"}, 2)
	if !ok {
		t.Fatal("expected second admission to succeed")
	}
	ok, reason := profile.CheckAndAdd(types.RiskValidationPayload{StrategyName: "C", Symbol: "SOLUSDT"}, 3)
	if ok {
		t.Fatal("expected third admission to be rejected by the cap")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestProfileConcurrentCheckAndAddNeverExceedsCap(t *testing.T) {
	layout := persist.NewLayout(zap.NewNop(), t.TempDir())
	bus := events.NewBus(zap.NewNop())
	schema := registry.RiskSchema{Name: "cap3", Validations: []registry.Predicate{capPredicate(3)}}
	profile, err := risk.NewProfile(zap.NewNop(), schema, layout, bus)
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := profile.CheckAndAdd(types.RiskValidationPayload{
				StrategyName: fmt.Sprintf("S%d", i),
				Symbol:       fmt.Sprintf("SYM%d", i),
			}, int64(i))
			if ok {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if admitted.Load() != 3 {
		t.Fatalf("expected exactly 3 admissions under a cap of 3, got %d", admitted.Load())
	}
}

func TestProfileRemoveFreesCapacity(t *testing.T) {
	layout := persist.NewLayout(zap.NewNop(), t.TempDir())
	bus := events.NewBus(zap.NewNop())
	schema := registry.RiskSchema{Name: "cap1", Validations: []registry.Predicate{capPredicate(1)}}
	profile, err := risk.NewProfile(zap.NewNop(), schema, layout, bus)
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}

	ok, _ := profile.CheckAndAdd(types.RiskValidationPayload{StrategyName: "A", Symbol: "BTCUSDT"}, 1)
	if !ok {
		t.Fatal("expected first admission to succeed")
	}
	ok, _ = profile.CheckAndAdd(types.RiskValidationPayload{StrategyName: "B", Symbol: "ETHUSDT"}, 2)
	if ok {
		t.Fatal("expected second admission to be rejected while first is open")
	}
	if err := profile.Remove("A", "BTCUSDT"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, _ = profile.CheckAndAdd(types.RiskValidationPayload{StrategyName: "B", Symbol: "ETHUSDT"}, 2)
	if !ok {
		t.Fatal("expected admission to succeed after the slot was freed")
	}
}

func TestCompositeRequiresAllChildrenToAdmit(t *testing.T) {
	layoutA := persist.NewLayout(zap.NewNop(), t.TempDir())
	layoutB := persist.NewLayout(zap.NewNop(), t.TempDir())
	bus := events.NewBus(zap.NewNop())

	alwaysAllow := registry.RiskSchema{Name: "always", Validations: []registry.Predicate{capPredicate(100)}}
	neverAllow := registry.RiskSchema{Name: "never", Validations: []registry.Predicate{capPredicate(0)}}

	profA, _ := risk.NewProfile(zap.NewNop(), alwaysAllow, layoutA, bus)
	profB, _ := risk.NewProfile(zap.NewNop(), neverAllow, layoutB, bus)

	composite := risk.NewComposite([]*risk.Profile{profA, profB})
	ok, reason := composite.CheckAndAdd(types.RiskValidationPayload{StrategyName: "A", Symbol: "BTCUSDT"}, 1)
	if ok {
		t.Fatal("expected composite to reject when any child rejects")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}

	// profA must not have been left with a phantom admitted position.
	ok2, _ := profA.CheckAndAdd(types.RiskValidationPayload{StrategyName: "A", Symbol: "BTCUSDT"}, 1)
	if !ok2 {
		t.Fatal("expected the rolled-back profile to accept the same key again")
	}
}
