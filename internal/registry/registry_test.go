package registry_test

import (
	"errors"
	"testing"

	"github.com/signalforge/engine/internal/registry"
	"github.com/signalforge/engine/pkg/engineerr"
	"github.com/signalforge/engine/pkg/types"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	set := registry.NewSet()
	err := set.Strategies.Register("trend", registry.StrategySchema{
		Name:     "trend",
		Interval: types.Interval1m,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := set.Strategies.Get("trend")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "trend" {
		t.Fatalf("unexpected schema: %+v", got)
	}
}

func TestRegistryGetUnknownIsConfigurationError(t *testing.T) {
	set := registry.NewSet()
	_, err := set.Strategies.Get("missing")
	var ce *engineerr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestRegistryFreezeRejectsFurtherRegistration(t *testing.T) {
	set := registry.NewSet()
	if err := set.Risks.Register("cap3", registry.RiskSchema{Name: "cap3"}); err != nil {
		t.Fatalf("Register before freeze: %v", err)
	}

	set.FreezeAll()

	err := set.Risks.Register("cap4", registry.RiskSchema{Name: "cap4"})
	var ce *engineerr.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError after freeze, got %v", err)
	}

	// Pre-freeze registrations remain readable.
	if _, err := set.Risks.Get("cap3"); err != nil {
		t.Fatalf("expected cap3 to still be readable after freeze: %v", err)
	}
}

func TestRegistryNamesListsEverythingRegistered(t *testing.T) {
	set := registry.NewSet()
	set.Frames.Register("1m-f1", registry.FrameSchema{Name: "1m-f1"})
	set.Frames.Register("1h-f2", registry.FrameSchema{Name: "1h-f2"})

	names := set.Frames.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d: %v", len(names), names)
	}
}
