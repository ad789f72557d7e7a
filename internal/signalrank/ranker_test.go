package signalrank

import (
	"testing"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/ensemble"
	"go.uber.org/zap"
)

func sig(probability, confidence float64) ensemble.Signal {
	return ensemble.Signal{Probability: probability, Confidence: confidence}
}

func TestRank_OrdersByStrengthDescending(t *testing.T) {
	r := New(zap.NewNop())
	signals := map[string]ensemble.Signal{
		"AAA": sig(0.60, 1.0), // strength 0.2
		"BBB": sig(0.80, 1.0), // strength 0.6
		"CCC": sig(0.52, 1.0), // strength 0.04
	}
	staleness := map[string]float64{"AAA": 1, "BBB": 1, "CCC": 1}

	ranked := r.Rank(signals, staleness)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked signals, got %d", len(ranked))
	}
	if ranked[0].Symbol != "BBB" || ranked[0].Rank != 1 {
		t.Fatalf("expected BBB ranked first, got %s rank %d", ranked[0].Symbol, ranked[0].Rank)
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Strength > ranked[i-1].Strength {
			t.Fatalf("strengths not monotonically non-increasing by rank")
		}
	}
}

func TestRank_TiesBrokenLexicographically(t *testing.T) {
	r := New(zap.NewNop())
	signals := map[string]ensemble.Signal{
		"ZETA":  sig(0.7, 1.0),
		"ALPHA": sig(0.7, 1.0),
	}
	staleness := map[string]float64{"ZETA": 1, "ALPHA": 1}

	ranked := r.Rank(signals, staleness)
	if ranked[0].Symbol != "ALPHA" {
		t.Fatalf("expected ALPHA before ZETA on tie, got %s first", ranked[0].Symbol)
	}
}

func TestRank_StalenessPenalizesStrength(t *testing.T) {
	r := New(zap.NewNop())
	signals := map[string]ensemble.Signal{
		"FRESH": sig(0.7, 1.0),
		"STALE": sig(0.7, 1.0),
	}
	staleness := map[string]float64{"FRESH": 1.0, "STALE": 0.5}

	ranked := r.Rank(signals, staleness)
	if ranked[0].Symbol != "FRESH" {
		t.Fatalf("expected fresher signal ranked first, got %s", ranked[0].Symbol)
	}
}

func TestRank_RanksArePermutation(t *testing.T) {
	r := New(zap.NewNop())
	signals := map[string]ensemble.Signal{
		"A": sig(0.51, 0.5),
		"B": sig(0.9, 0.9),
		"C": sig(0.3, 0.7),
		"D": sig(0.6, 0.6),
	}
	staleness := map[string]float64{"A": 1, "B": 1, "C": 1, "D": 1}
	ranked := r.Rank(signals, staleness)

	seen := make(map[int]bool)
	for _, rk := range ranked {
		if seen[rk.Rank] {
			t.Fatalf("duplicate rank %d", rk.Rank)
		}
		seen[rk.Rank] = true
	}
	for i := 1; i <= len(ranked); i++ {
		if !seen[i] {
			t.Fatalf("ranks are not a permutation of 1..N, missing %d", i)
		}
	}
}
