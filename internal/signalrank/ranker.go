// Package signalrank cross-sectionally ranks per-symbol ensemble
// signals by strength, applying a staleness penalty to symbols whose
// latest bar lags the logical clock.
package signalrank

import (
	"sort"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/ensemble"
	"go.uber.org/zap"
)

// Ranked is a Signal augmented with its cross-sectional rank and
// strength (§3 RankedSignal).
type Ranked struct {
	ensemble.Signal
	Rank     int
	Strength float64
}

// Ranker computes strength and rank for a per-bar universe of signals.
// It is stateless aside from its logger; the backend calls Rank once
// per bar with the latest signal and staleness-weight maps (§4.6).
type Ranker struct {
	logger *zap.Logger
}

// New constructs a Ranker.
func New(logger *zap.Logger) *Ranker {
	r := &Ranker{logger: logger.Named("signalrank")}
	return r
}

// Rank computes strength := |probability-0.5| * 2 * confidence *
// staleness_weight for each signal, sorts descending by strength with
// ties broken by symbol lexicographic order, and assigns ranks 1..N.
func (r *Ranker) Rank(signals map[string]ensemble.Signal, staleness map[string]float64) []Ranked {
	out := make([]Ranked, 0, len(signals))
	for symbol, sig := range signals {
		w, ok := staleness[symbol]
		if !ok {
			w = 1.0
		}
		sig.Symbol = symbol
		strength := abs(sig.Probability-0.5) * 2 * sig.Confidence * w
		out = append(out, Ranked{Signal: sig, Strength: strength})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Symbol < out[j].Symbol
	})

	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
