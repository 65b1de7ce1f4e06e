package events_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/internal/events"
	"github.com/signalforge/engine/pkg/types"
)

func pnl(netPct string) types.PnL {
	return types.PnL{NetPctAfterFeesSlip: decimal.RequireFromString(netPct)}
}

func TestAccumulatorSnapshotStats(t *testing.T) {
	acc := events.NewAccumulator("BTCUSDT", "trend", 10)
	acc.Push(pnl("5"), 100)
	acc.Push(pnl("-2"), 200)
	acc.Push(pnl("3"), 300)

	st := acc.SnapshotStats()
	if st.SampleSize != 3 || st.TotalSeen != 3 {
		t.Fatalf("unexpected sample/total: %+v", st)
	}
	if st.Wins != 2 || st.Losses != 1 {
		t.Fatalf("unexpected win/loss counts: %+v", st)
	}
	if !st.NetPct.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected net pct 6, got %s", st.NetPct)
	}
}

func TestAccumulatorRingBufferEvictsOldest(t *testing.T) {
	acc := events.NewAccumulator("BTCUSDT", "trend", 2)
	acc.Push(pnl("1"), 1)
	acc.Push(pnl("2"), 2)
	acc.Push(pnl("3"), 3)

	st := acc.SnapshotStats()
	if st.SampleSize != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", st.SampleSize)
	}
	if st.TotalSeen != 3 {
		t.Fatalf("expected total seen 3, got %d", st.TotalSeen)
	}
	if !st.Truncated {
		t.Fatal("expected Truncated once pushes exceed capacity")
	}
	if !st.NetPct.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected only the last two entries (2+3), got %s", st.NetPct)
	}
}

func TestAccumulatorCapacityHardCapped(t *testing.T) {
	acc := events.NewAccumulator("BTCUSDT", "trend", 999999)
	for i := 0; i < 3; i++ {
		acc.Push(pnl("1"), int64(i))
	}
	// Hard cap only affects buffer allocation, not observable via
	// SnapshotStats directly with few pushes; this just exercises the
	// constructor path without panicking on an oversized make().
	if st := acc.SnapshotStats(); st.SampleSize != 3 {
		t.Fatalf("expected 3 samples, got %d", st.SampleSize)
	}
}

func TestAccumulatorDumpToFile(t *testing.T) {
	acc := events.NewAccumulator("BTCUSDT", "trend", 10)
	acc.Push(pnl("1.5"), 42)

	path := filepath.Join(t.TempDir(), "report.json")
	if err := acc.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty report file")
	}
}

func TestAccumulatorSetGetIsLazyAndStable(t *testing.T) {
	set := events.NewAccumulatorSet(10)
	a := set.Get("BTCUSDT", "trend")
	b := set.Get("BTCUSDT", "trend")
	if a != b {
		t.Fatal("expected Get to return the same accumulator for the same key")
	}
	c := set.Get("ETHUSDT", "trend")
	if a == c {
		t.Fatal("expected distinct accumulators for distinct symbols")
	}
	if len(set.All()) != 2 {
		t.Fatalf("expected 2 tracked accumulators, got %d", len(set.All()))
	}
}
