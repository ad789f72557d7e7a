// Package ensemble fuses independent EWRLS predictors running at
// several horizons into a single blended signal per symbol.
package ensemble

import (
	"math"
	"time"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/ewrls"
	"go.uber.org/zap"
)

// SignalType classifies a probability against the configured buy/sell
// thresholds.
type SignalType string

const (
	SignalLong    SignalType = "LONG"
	SignalShort   SignalType = "SHORT"
	SignalNeutral SignalType = "NEUTRAL"
)

// Signal is the ensemble's per-bar output for one symbol.
type Signal struct {
	Symbol      string
	Timestamp   time.Time
	BarID       int64
	Probability float64
	Type        SignalType
	Confidence  float64
	Horizon     int
	TargetBarID int64
	Agreement   float64
	YStar       float64
}

// Config configures an ensemble instance. BuyThreshold/SellThreshold and
// Alpha/BaseWeights are pushed in from the regime parameter manager
// (C5) before each prediction (§4.8 step 5).
type Config struct {
	Horizons        []int     `json:"horizons"`
	BaseWeights     []float64 `json:"baseWeights"` // aligned with Horizons
	Alpha           float64   `json:"alpha"`        // probability scaling factor
	BuyThreshold    float64   `json:"buyThreshold"`
	SellThreshold   float64   `json:"sellThreshold"`
	MinAgreement    float64   `json:"minAgreement"`
	EmissionCadence int       `json:"emissionCadence"` // emit every k bars
	PendingRingSize int       `json:"pendingRingSize"`
	Predictor       ewrls.Config `json:"predictor"`
}

// DefaultConfig returns the standard three-horizon ensemble configuration.
func DefaultConfig(dimension int) Config {
	return Config{
		Horizons:        []int{1, 5, 10},
		BaseWeights:     []float64{0.15, 0.60, 0.25},
		Alpha:           8.0,
		BuyThreshold:    0.55,
		SellThreshold:   0.45,
		MinAgreement:    0.5,
		EmissionCadence: 1,
		PendingRingSize: 1000,
		Predictor:       ewrls.DefaultConfig(dimension),
	}
}

type pendingLabel struct {
	barID       int64
	features    []float64
	closeAtPred float64
	horizon     int
	horizonIdx  int
}

// rollingAccuracy tracks directional hit-rate per horizon over a
// trailing window, used as one factor of the per-horizon weight (§4.3).
type rollingAccuracy struct {
	hits   []bool
	window int
}

func newRollingAccuracy(window int) *rollingAccuracy {
	return &rollingAccuracy{window: window}
}

func (r *rollingAccuracy) record(correct bool) {
	r.hits = append(r.hits, correct)
	if len(r.hits) > r.window {
		r.hits = r.hits[len(r.hits)-r.window:]
	}
}

func (r *rollingAccuracy) value() float64 {
	if len(r.hits) == 0 {
		return 0.5
	}
	n := 0
	for _, h := range r.hits {
		if h {
			n++
		}
	}
	return float64(n) / float64(len(r.hits))
}

// Ensemble owns one EWRLS predictor per horizon for a single symbol. It
// is not safe for concurrent use; the backend owns one Ensemble per
// symbol exclusively (§9).
type Ensemble struct {
	logger *zap.Logger
	symbol string
	config Config

	predictors []*ewrls.Predictor
	accuracy   []*rollingAccuracy
	pending    []pendingLabel

	barsSinceEmission int
	lastClose         float64
	haveLastClose     bool
}

// New constructs an ensemble for symbol with one predictor per
// configured horizon.
func New(logger *zap.Logger, symbol string, config Config) *Ensemble {
	e := &Ensemble{
		logger: logger.Named("ensemble").With(zap.String("symbol", symbol)),
		symbol: symbol,
		config: config,
	}
	for range config.Horizons {
		e.predictors = append(e.predictors, ewrls.New(logger, config.Predictor))
		e.accuracy = append(e.accuracy, newRollingAccuracy(200))
	}
	e.logger.Info("ensemble constructed",
		zap.Ints("horizons", config.Horizons),
		zap.Float64("buyThreshold", config.BuyThreshold),
		zap.Float64("sellThreshold", config.SellThreshold))
	return e
}

// ApplyParams pushes a regime parameter bundle's thresholds, weights,
// and alpha into the ensemble ahead of the next prediction (§4.8 step 5).
// The bundle's lambda is not applied; each predictor keeps the lambda
// from its construction-time config.
func (e *Ensemble) ApplyParams(buyThreshold, sellThreshold, alpha float64, weights []float64) {
	e.config.BuyThreshold = buyThreshold
	e.config.SellThreshold = sellThreshold
	e.config.Alpha = alpha
	if len(weights) == len(e.config.BaseWeights) {
		copy(e.config.BaseWeights, weights)
	}
}

// Predict queries each horizon predictor and blends them into a Signal.
// If the emission cadence has not elapsed, ok is false and no Signal is
// produced for this bar (§8: exactly one Signal per cadence).
func (e *Ensemble) Predict(barID int64, ts time.Time, features []float64, closePrice float64) (Signal, bool) {
	e.barsSinceEmission++
	if e.barsSinceEmission < e.config.EmissionCadence {
		return Signal{}, false
	}
	e.barsSinceEmission = 0

	type horizonResult = struct {
		yhat, confidence, weight float64
		ok                       bool
	}
	results := make([]horizonResult, len(e.predictors))

	for i, pred := range e.predictors {
		yhat, err := pred.Predict(features)
		if err != nil {
			results[i] = horizonResult{}
			continue
		}
		conf := pred.Confidence()
		w := e.config.BaseWeights[i] * e.accuracy[i].value() * conf
		results[i] = horizonResult{yhat: yhat, confidence: conf, weight: w, ok: true}
	}

	weightSum := 0.0
	for _, r := range results {
		if r.ok {
			weightSum += r.weight
		}
	}
	normWeights := make([]float64, len(results))
	if weightSum > 0 {
		for i, r := range results {
			if r.ok {
				normWeights[i] = r.weight / weightSum
			}
		}
	} else {
		// fall back to configured base weights (§4.3 resolved open question)
		baseSum := 0.0
		for i, r := range results {
			if r.ok {
				baseSum += e.config.BaseWeights[i]
			}
		}
		if baseSum > 0 {
			for i, r := range results {
				if r.ok {
					normWeights[i] = e.config.BaseWeights[i] / baseSum
				}
			}
		}
	}

	yStar := 0.0
	avgConfidence := 0.0
	nOK := 0
	for i, r := range results {
		if !r.ok {
			continue
		}
		yStar += normWeights[i] * r.yhat
		avgConfidence += r.confidence
		nOK++
	}
	if nOK > 0 {
		avgConfidence /= float64(nOK)
	}

	agreement := signAgreement(results)
	probability := 0.5 + 0.5*tanh(e.config.Alpha*yStar)

	sigType := SignalNeutral
	if agreement >= e.config.MinAgreement {
		switch {
		case probability > e.config.BuyThreshold:
			sigType = SignalLong
		case probability < e.config.SellThreshold:
			sigType = SignalShort
		}
	}

	// record pending labels for every horizon, one ring per ensemble
	for i, h := range e.config.Horizons {
		e.pending = append(e.pending, pendingLabel{
			barID:       barID,
			features:    append([]float64(nil), features...),
			closeAtPred: closePrice,
			horizon:     h,
			horizonIdx:  i,
		})
	}
	if len(e.pending) > e.config.PendingRingSize {
		e.pending = e.pending[len(e.pending)-e.config.PendingRingSize:]
	}

	maxHorizon := 0
	for _, h := range e.config.Horizons {
		if h > maxHorizon {
			maxHorizon = h
		}
	}

	return Signal{
		Symbol:      e.symbol,
		Timestamp:   ts,
		BarID:       barID,
		Probability: probability,
		Type:        sigType,
		Confidence:  avgConfidence,
		Horizon:     maxHorizon,
		TargetBarID: barID + int64(maxHorizon),
		Agreement:   agreement,
		YStar:       yStar,
	}, true
}

// signAgreement computes the fraction of ordered pairs of horizons
// whose predicted sign agrees (§4.3 step 4).
func signAgreement(results []struct {
	yhat, confidence, weight float64
	ok                       bool
}) float64 {
	n := 0
	agree := 0
	for i := 0; i < len(results); i++ {
		if !results[i].ok {
			continue
		}
		for j := i + 1; j < len(results); j++ {
			if !results[j].ok {
				continue
			}
			n++
			if sign(results[i].yhat) == sign(results[j].yhat) {
				agree++
			}
		}
	}
	if n == 0 {
		return 1.0
	}
	return float64(agree) / float64(n)
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func tanh(x float64) float64 {
	return math.Tanh(x)
}

// OnBar scans pending labels and feeds matured ones back to the
// corresponding horizon predictor as realized labels (§4.3, §4.8 step 9).
// currentBarID and currentClose describe the bar that just closed.
func (e *Ensemble) OnBar(currentBarID int64, currentClose float64, weight float64) {
	if !e.haveLastClose {
		e.lastClose = currentClose
		e.haveLastClose = true
	}

	remaining := e.pending[:0]
	for _, pl := range e.pending {
		if pl.barID+int64(pl.horizon) > currentBarID {
			remaining = append(remaining, pl)
			continue
		}
		realizedReturn := 0.0
		if pl.closeAtPred != 0 {
			realizedReturn = (currentClose - pl.closeAtPred) / pl.closeAtPred
		}
		pred := e.predictors[pl.horizonIdx]
		for i := 0; i < weightReps(weight); i++ {
			pred.Update(pl.features, realizedReturn)
		}
		predictedSign := sign(realizedReturn)
		yhatAtPred, err := pred.Predict(pl.features)
		if err == nil {
			e.accuracy[pl.horizonIdx].record(sign(yhatAtPred) == predictedSign)
		}
	}
	e.pending = remaining
	e.lastClose = currentClose
}

// weightReps converts the §4.8 step 9 weight multiplier (1.0 normally,
// 10.0 for a symbol that closed a position this bar) into a
// repeated-update count, since EWRLS has no native sample-weight term.
// The matured labels are the same either way; only the repeat count
// changes.
func weightReps(weight float64) int {
	if weight <= 1 {
		return 1
	}
	return int(weight)
}
