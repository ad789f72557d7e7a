package rotation

import (
	"testing"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/ensemble"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/signalrank"
	"go.uber.org/zap"
)

func ranked(symbol string, strength float64, rank int, typ ensemble.SignalType) signalrank.Ranked {
	return signalrank.Ranked{
		Signal:   ensemble.Signal{Symbol: symbol, Type: typ},
		Rank:     rank,
		Strength: strength,
	}
}

func enterAll(t *testing.T, m *Manager, decisions []Decision, prices map[string]float64, barID int64) {
	t.Helper()
	for _, d := range decisions {
		if d.Kind == EnterLong || d.Kind == EnterShort {
			m.ExecuteDecision(d, prices[d.Symbol], 10, barID, 1, 0.5)
		}
	}
}

func TestEvaluate_OpensEntriesUnderCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 3
	m := New(zap.NewNop(), cfg)

	signals := []signalrank.Ranked{
		ranked("AAA", 0.5, 1, ensemble.SignalLong),
		ranked("BBB", 0.4, 2, ensemble.SignalLong),
	}
	prices := map[string]float64{"AAA": 100, "BBB": 50}

	decisions := m.Evaluate(signals, prices, 10, 1)
	entries := 0
	for _, d := range decisions {
		if d.Kind == EnterLong {
			entries++
		}
	}
	if entries != 2 {
		t.Fatalf("expected 2 entries, got %d (%+v)", entries, decisions)
	}
}

func TestEvaluate_MinHoldBlocksRankExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHoldBars = 5
	m := New(zap.NewNop(), cfg)

	signals := []signalrank.Ranked{ranked("AAA", 0.5, 1, ensemble.SignalLong)}
	prices := map[string]float64{"AAA": 100}
	decisions := m.Evaluate(signals, prices, 0, 0)
	enterAll(t, m, decisions, prices, 0)

	// push rank beyond MinRankToHold while still under min-hold
	for i := 0; i < 3; i++ {
		signals = []signalrank.Ranked{ranked("AAA", 0.01, 50, ensemble.SignalLong)}
		decisions = m.Evaluate(signals, prices, 0, int64(i+1))
		for _, d := range decisions {
			if d.Symbol == "AAA" && d.Kind != Hold {
				t.Fatalf("expected HOLD under min-hold gate at bar %d, got %v", i, d.Kind)
			}
		}
	}
}

func TestEvaluate_StopLossOverridesMinHold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHoldBars = 30
	cfg.StopLossPct = 0.02
	m := New(zap.NewNop(), cfg)

	signals := []signalrank.Ranked{ranked("AAA", 0.5, 1, ensemble.SignalLong)}
	prices := map[string]float64{"AAA": 100}
	decisions := m.Evaluate(signals, prices, 0, 0)
	enterAll(t, m, decisions, prices, 0)

	prices["AAA"] = 97 // -3%, beyond -2% stop
	decisions = m.Evaluate(signals, prices, 0, 1)

	found := false
	for _, d := range decisions {
		if d.Symbol == "AAA" {
			found = true
			if d.Kind != StopLoss {
				t.Fatalf("expected STOP_LOSS to override min-hold, got %v", d.Kind)
			}
		}
	}
	if !found {
		t.Fatalf("expected a decision for AAA")
	}
}

func TestEvaluate_EODExitIgnoresMinHold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHoldBars = 30
	cfg.EODExitTimeMinutes = 390
	m := New(zap.NewNop(), cfg)

	signals := []signalrank.Ranked{ranked("AAA", 0.5, 1, ensemble.SignalLong)}
	prices := map[string]float64{"AAA": 100}
	decisions := m.Evaluate(signals, prices, 0, 0)
	enterAll(t, m, decisions, prices, 0)

	decisions = m.Evaluate(signals, prices, 390, 1)
	var kind DecisionKind
	for _, d := range decisions {
		if d.Symbol == "AAA" {
			kind = d.Kind
		}
	}
	if kind != EODExit {
		t.Fatalf("expected EOD_EXIT, got %v", kind)
	}
}

func TestEvaluate_RotationAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 3
	cfg.RotationStrengthDelta = 0.20
	cfg.MinHoldBars = 0
	m := New(zap.NewNop(), cfg)

	prices := map[string]float64{"A": 10, "B": 10, "C": 10, "D": 10}
	open := []signalrank.Ranked{
		ranked("A", 0.30, 1, ensemble.SignalLong),
		ranked("B", 0.25, 2, ensemble.SignalLong),
		ranked("C", 0.20, 3, ensemble.SignalLong),
	}
	decisions := m.Evaluate(open, prices, 0, 0)
	enterAll(t, m, decisions, prices, 0)
	if m.OpenCount() != 3 {
		t.Fatalf("expected 3 open positions, got %d", m.OpenCount())
	}

	next := []signalrank.Ranked{
		ranked("A", 0.28, 2, ensemble.SignalLong),
		ranked("B", 0.24, 3, ensemble.SignalLong),
		ranked("C", 0.19, 4, ensemble.SignalLong),
		ranked("D", 0.45, 1, ensemble.SignalLong),
	}
	decisions = m.Evaluate(next, prices, 0, 1)

	var rotateOut, enterIn string
	for _, d := range decisions {
		if d.Kind == RotateOut {
			rotateOut = d.Symbol
			enterIn = d.RotateIn
		}
	}
	if rotateOut != "C" {
		t.Fatalf("expected C to be rotated out, got %q", rotateOut)
	}
	if enterIn != "D" {
		t.Fatalf("expected D to rotate in, got %q", enterIn)
	}
}

func TestEvaluate_AtMostOneRotationPerBar(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 1
	cfg.RotationStrengthDelta = 0.05
	cfg.MinHoldBars = 0
	m := New(zap.NewNop(), cfg)

	prices := map[string]float64{"A": 10, "B": 10, "C": 10}
	decisions := m.Evaluate([]signalrank.Ranked{ranked("A", 0.30, 1, ensemble.SignalLong)}, prices, 0, 0)
	enterAll(t, m, decisions, prices, 0)

	next := []signalrank.Ranked{
		ranked("A", 0.10, 3, ensemble.SignalLong),
		ranked("B", 0.50, 1, ensemble.SignalLong),
		ranked("C", 0.45, 2, ensemble.SignalLong),
	}
	decisions = m.Evaluate(next, prices, 0, 1)

	rotations := 0
	for _, d := range decisions {
		if d.Kind == RotateOut {
			rotations++
		}
	}
	if rotations > 1 {
		t.Fatalf("expected at most one rotation per bar, got %d", rotations)
	}
}
