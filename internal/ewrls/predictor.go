// Package ewrls implements an Exponentially-Weighted Recursive Least
// Squares online predictor with ridge regularization. The predictor
// maintains a weight vector and an inverse-covariance matrix and
// updates both incrementally as realized labels arrive; there is no
// offline training phase.
package ewrls

import (
	"fmt"
	"math"

	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/tradeerrors"
	"go.uber.org/zap"
)

// Config configures a single EWRLS predictor instance.
type Config struct {
	Dimension        int     `json:"dimension"`
	Lambda           float64 `json:"lambda"`           // forgetting factor, clamped to [0.98, 1.0]
	Ridge            float64 `json:"ridge"`             // regularization, > 0
	MinUpdates       int     `json:"minUpdates"`        // warmup before predictions are trusted
	ConfidenceWindow int     `json:"confidenceWindow"`  // trailing innovation window for confidence
	VolatilityDecay  float64 `json:"volatilityDecay"`   // EWMA decay for squared-innovation volatility
	TraceBound       float64 `json:"traceBound"`        // reset P if trace(P) exceeds this
}

// DefaultConfig returns the standard single-horizon predictor configuration.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:        dimension,
		Lambda:           0.995,
		Ridge:            0.01,
		MinUpdates:       50,
		ConfidenceWindow: 100,
		VolatilityDecay:  0.98,
		TraceBound:       1e8,
	}
}

// AggressiveConfig adapts faster (lower lambda, smaller ridge) at the
// cost of additional variance; useful for the shortest ensemble horizon.
func AggressiveConfig(dimension int) Config {
	c := DefaultConfig(dimension)
	c.Lambda = 0.98
	c.Ridge = 0.005
	return c
}

func clampLambda(l float64) float64 {
	if l < 0.98 {
		return 0.98
	}
	if l > 1.0 {
		return 1.0
	}
	return l
}

// Predictor is an online EWRLS regressor over a fixed-dimension feature
// vector. It is not safe for concurrent use; callers (the ensemble) own
// exclusive access (§5, §9).
type Predictor struct {
	logger *zap.Logger
	config Config

	w []float64   // weights
	p [][]float64 // inverse covariance

	updates int

	innovations []float64 // trailing window, ring via slice trim
	volatility  float64    // EWMA of squared innovation
}

// New constructs a Predictor with w := 0 and P := (1/ridge)*I.
func New(logger *zap.Logger, config Config) *Predictor {
	config.Lambda = clampLambda(config.Lambda)
	if config.Ridge <= 0 {
		config.Ridge = 0.01
	}
	pred := &Predictor{
		logger: logger.Named("ewrls"),
		config: config,
		w:      make([]float64, config.Dimension),
		p:      identityScaled(config.Dimension, 1.0/config.Ridge),
	}
	pred.logger.Info("ewrls predictor constructed",
		zap.Int("dimension", config.Dimension),
		zap.Float64("lambda", config.Lambda),
		zap.Float64("ridge", config.Ridge))
	return pred
}

func identityScaled(d int, scale float64) [][]float64 {
	m := make([][]float64, d)
	for i := range m {
		m[i] = make([]float64, d)
		m[i][i] = scale
	}
	return m
}

// IsReady reports whether enough updates have occurred to trust
// predictions (§4.2 failure semantics: NotReady before MinUpdates).
func (p *Predictor) IsReady() bool {
	return p.updates >= p.config.MinUpdates
}

// Predict returns ŷ = wᵀx. Before IsReady(), returns (0, ErrNotReady);
// this is a local-recovery condition per §7 and callers should treat it
// as neutral rather than propagate it further.
func (p *Predictor) Predict(x []float64) (float64, error) {
	if !p.IsReady() {
		return 0, fmt.Errorf("%w: ewrls predictor has %d/%d warmup updates", tradeerrors.ErrNotReady, p.updates, p.config.MinUpdates)
	}
	return dot(p.w, x), nil
}

// Confidence returns a bounded [0,1] score derived from the recent
// innovation variance: lower recent residual variance yields a higher
// confidence.
func (p *Predictor) Confidence() float64 {
	if len(p.innovations) < 2 {
		return 0
	}
	variance := sampleVariance(p.innovations)
	// Maps variance in [0, inf) to confidence in (0, 1]; scale chosen so
	// a variance equal to the running volatility estimate yields ~0.5.
	scale := p.volatility
	if scale <= 0 {
		scale = 1e-6
	}
	conf := 1.0 / (1.0 + variance/scale)
	return clamp01(conf)
}

// Volatility returns the EWMA of squared innovations.
func (p *Predictor) Volatility() float64 {
	return p.volatility
}

// Update applies a realized label y for the features x that were used
// to produce the prediction being trained against. Numerical
// degeneracy is recovered locally by resetting P; it is never surfaced
// (§4.2, §7).
func (p *Predictor) Update(x []float64, y float64) {
	lambda := p.config.Lambda

	g := matVec(p.p, x)       // g := P*x
	denom := lambda + dot(x, g)
	if denom == 0 {
		denom = 1e-12
	}
	k := scale(g, 1.0/denom) // k := g / (lambda + x'g)

	yhat := dot(p.w, x)
	e := y - yhat // innovation

	for i := range p.w {
		p.w[i] += k[i] * e
	}

	// P := (P - k*g') / lambda
	newP := make([][]float64, len(p.p))
	for i := range p.p {
		newP[i] = make([]float64, len(p.p))
		for j := range p.p[i] {
			newP[i][j] = (p.p[i][j] - k[i]*g[j]) / lambda
		}
	}
	p.p = newP
	symmetrize(p.p)

	p.updates++
	p.recordInnovation(e)
	p.volatility = p.config.VolatilityDecay*p.volatility + (1-p.config.VolatilityDecay)*e*e

	if p.degenerate() {
		p.logger.Warn("ewrls numerical degeneracy detected, resetting covariance",
			zap.Int("updates", p.updates))
		p.p = identityScaled(p.config.Dimension, 1.0/p.config.Ridge)
	}
}

func (p *Predictor) recordInnovation(e float64) {
	p.innovations = append(p.innovations, e)
	if len(p.innovations) > p.config.ConfidenceWindow {
		p.innovations = p.innovations[len(p.innovations)-p.config.ConfidenceWindow:]
	}
}

// degenerate reports whether P has drifted outside safe numerical
// bounds: non-positive diagonal or an excessive trace.
func (p *Predictor) degenerate() bool {
	trace := 0.0
	for i := range p.p {
		d := p.p[i][i]
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return true
		}
		trace += d
	}
	return trace > p.config.TraceBound || math.IsNaN(trace) || math.IsInf(trace, 0)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func matVec(m [][]float64, x []float64) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		out[i] = dot(m[i], x)
	}
	return out
}

func scale(v []float64, s float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] * s
	}
	return out
}

func symmetrize(m [][]float64) {
	n := len(m)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			avg := 0.5 * (m[i][j] + m[j][i])
			m[i][j] = avg
			m[j][i] = avg
		}
	}
}

func sampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return sq / float64(len(xs)-1)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
