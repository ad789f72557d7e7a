// Package regime classifies the recent tape into one of five market
// regimes (trending up/down, choppy, high/low volatility) using
// adaptive percentile thresholds with hysteresis and a cooldown.
package regime

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type is one of the five regimes this detector recognizes.
type Type string

const (
	TrendingUp     Type = "TRENDING_UP"
	TrendingDown   Type = "TRENDING_DOWN"
	Choppy         Type = "CHOPPY"
	HighVolatility Type = "HIGH_VOLATILITY"
	LowVolatility  Type = "LOW_VOLATILITY"
)

// Config configures window sizes, score thresholds, and hysteresis.
type Config struct {
	VolWindow        int     `json:"volWindow"`    // W_v
	SlopeWindow      int     `json:"slopeWindow"`  // W_s
	ChopWindow       int     `json:"chopWindow"`   // W_c
	CalibrWindow     int     `json:"calibrWindow"` // rolling vol-sample buffer depth
	TrendSlopeMin    float64 `json:"trendSlopeMin"`
	TrendR2Min       float64 `json:"trendR2Min"`
	HysteresisMargin float64 `json:"hysteresisMargin"`
	CooldownBars     int     `json:"cooldownBars"`
	StateHistorySize int     `json:"stateHistorySize"`
}

// DefaultConfig returns the standard regime-detector configuration,
// grounded on the reference implementation's tuned parameters.
func DefaultConfig() Config {
	return Config{
		VolWindow:        96,
		SlopeWindow:      120,
		ChopWindow:       48,
		CalibrWindow:     8 * 390,
		TrendSlopeMin:    1.2e-4,
		TrendR2Min:       0.60,
		HysteresisMargin: 0.15,
		CooldownBars:     60,
		StateHistorySize: 2000,
	}
}

// Features is the last computed feature tuple (§3 RegimeState).
type Features struct {
	Volatility float64
	Slope      float64
	R2         float64
	Chop       float64
}

// State is a snapshot of the detector's current classification.
type State struct {
	Regime     Type
	Features   Features
	VolLo      float64
	VolHi      float64
	Cooldown   int
	Calibrated bool
	Since      time.Time
}

// Detector classifies a single symbol's bar stream. It is guarded by an
// RWMutex since the backend's inspection API may read state concurrently
// with the per-bar mutation path (§5).
type Detector struct {
	logger *zap.Logger
	config Config

	mu            sync.RWMutex
	closes        []float64
	highs         []float64
	lows          []float64
	volSamples    []float64 // rolling calibration buffer
	state         State
	stateHistory  []State
	barsSinceLast int
}

// New constructs a Detector. Initialization returns CHOPPY until enough
// calibration samples exist (§4.4).
func New(logger *zap.Logger, config Config) *Detector {
	d := &Detector{
		logger: logger.Named("regime"),
		config: config,
		state: State{
			Regime: Choppy,
			Since:  time.Now(),
		},
	}
	d.logger.Info("regime detector constructed",
		zap.Int("volWindow", config.VolWindow),
		zap.Int("slopeWindow", config.SlopeWindow),
		zap.Int("chopWindow", config.ChopWindow),
		zap.Float64("hysteresisMargin", config.HysteresisMargin))
	return d
}

// AddBar appends one bar's close/high/low and re-evaluates the regime.
func (d *Detector) AddBar(close, high, low float64, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closes = append(d.closes, close)
	d.highs = append(d.highs, high)
	d.lows = append(d.lows, low)

	maxLen := maxInt(d.config.VolWindow, maxInt(d.config.SlopeWindow, d.config.ChopWindow)) + 5
	if len(d.closes) > maxLen {
		d.closes = d.closes[len(d.closes)-maxLen:]
		d.highs = d.highs[len(d.highs)-maxLen:]
		d.lows = d.lows[len(d.lows)-maxLen:]
	}

	if d.barsSinceLast > 0 {
		d.barsSinceLast--
	}

	d.evaluate(ts)
}

func (d *Detector) minSamples() int {
	m := d.config.CalibrWindow / 2
	if m > 500 {
		return 500
	}
	return m
}

func (d *Detector) evaluate(ts time.Time) {
	vol := stddevLogReturns(d.closes, d.config.VolWindow)
	slope, r2 := logPriceRegression(d.closes, d.config.SlopeWindow)
	chop := chopIndex(d.highs, d.lows, d.closes, d.config.ChopWindow)

	d.volSamples = append(d.volSamples, vol)
	if len(d.volSamples) > d.config.CalibrWindow {
		d.volSamples = d.volSamples[len(d.volSamples)-d.config.CalibrWindow:]
	}

	features := Features{Volatility: vol, Slope: slope, R2: r2, Chop: chop}

	calibrated := len(d.volSamples) >= d.minSamples()
	if !calibrated {
		d.state = State{
			Regime:     Choppy,
			Features:   features,
			Cooldown:   0,
			Calibrated: false,
			Since:      d.state.Since,
		}
		d.appendHistory()
		return
	}

	volLo, volHi := percentileThresholds(d.volSamples)

	type candidate struct {
		regime Type
		score  float64
	}
	var candidates []candidate

	if volHi > 0 {
		candidates = append(candidates, candidate{HighVolatility, (vol - volHi) / volHi})
	}
	if volLo > 0 {
		candidates = append(candidates, candidate{LowVolatility, (volLo - vol) / volLo})
	}

	trendPresent := math.Abs(slope) >= d.config.TrendSlopeMin && r2 >= d.config.TrendR2Min
	if trendPresent {
		score := (math.Abs(slope) / d.config.TrendSlopeMin) * r2
		if slope >= 0 {
			candidates = append(candidates, candidate{TrendingUp, score})
		} else {
			candidates = append(candidates, candidate{TrendingDown, score})
		}
	} else {
		chopScore := (chop - 50) / 50
		if chopScore < 0 {
			chopScore = 0
		}
		candidates = append(candidates, candidate{Choppy, chopScore})
	}

	best := candidate{regime: d.state.Regime, score: -math.MaxFloat64}
	for _, c := range candidates {
		if c.score > best.score {
			best = c
		}
	}

	cooldown := d.barsSinceLast
	newRegime := d.state.Regime
	if best.score >= d.config.HysteresisMargin && best.regime != d.state.Regime && d.barsSinceLast == 0 {
		newRegime = best.regime
		d.barsSinceLast = d.config.CooldownBars
		cooldown = d.config.CooldownBars
	}

	since := d.state.Since
	if newRegime != d.state.Regime {
		since = ts
	}

	d.state = State{
		Regime:     newRegime,
		Features:   features,
		VolLo:      volLo,
		VolHi:      volHi,
		Cooldown:   cooldown,
		Calibrated: true,
		Since:      since,
	}
	d.appendHistory()
}

func (d *Detector) appendHistory() {
	d.stateHistory = append(d.stateHistory, d.state)
	if len(d.stateHistory) > d.config.StateHistorySize {
		d.stateHistory = d.stateHistory[len(d.stateHistory)-d.config.StateHistorySize:]
	}
}

// Current returns the detector's current classification.
func (d *Detector) Current() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// History returns a copy of the recent state history.
func (d *Detector) History() []State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]State, len(d.stateHistory))
	copy(out, d.stateHistory)
	return out
}

// Stats summarizes time-in-regime across recorded history.
type Stats struct {
	BarsInRegime map[Type]int
	Transitions  int
}

// Stats computes simple regime occupancy statistics from history.
func (d *Detector) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := Stats{BarsInRegime: make(map[Type]int)}
	var prev Type
	for i, s := range d.stateHistory {
		stats.BarsInRegime[s.Regime]++
		if i > 0 && s.Regime != prev {
			stats.Transitions++
		}
		prev = s.Regime
	}
	return stats
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func stddevLogReturns(closes []float64, window int) float64 {
	n := len(closes)
	if window+1 > n {
		window = n - 1
	}
	if window < 2 {
		return 0
	}
	slice := closes[n-window-1:]
	rets := make([]float64, 0, window)
	for i := 1; i < len(slice); i++ {
		if slice[i-1] <= 0 || slice[i] <= 0 {
			continue
		}
		rets = append(rets, math.Log(slice[i]/slice[i-1]))
	}
	if len(rets) < 2 {
		return 0
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var sq float64
	for _, r := range rets {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(rets)-1))
}

func logPriceRegression(closes []float64, window int) (slope, r2 float64) {
	n := len(closes)
	if window > n {
		window = n
	}
	if window < 2 {
		return 0, 0
	}
	slice := closes[n-window:]
	logs := make([]float64, 0, len(slice))
	for _, c := range slice {
		if c <= 0 {
			return 0, 0
		}
		logs = append(logs, math.Log(c))
	}

	nf := float64(len(logs))
	var sumT, sumY, sumTY, sumTT float64
	for t, y := range logs {
		ft := float64(t)
		sumT += ft
		sumY += y
		sumTY += ft * y
		sumTT += ft * ft
	}
	denom := nf*sumTT - sumT*sumT
	if denom == 0 {
		return 0, 0
	}
	slope = (nf*sumTY - sumT*sumY) / denom
	intercept := (sumY - slope*sumT) / nf

	var ssTot, ssRes float64
	meanY := sumY / nf
	for t, y := range logs {
		pred := intercept + slope*float64(t)
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		return slope, 0
	}
	r2 = 1 - ssRes/ssTot
	return slope, r2
}

// chopIndex computes CHOP = 100*log10(sum(TR)/(max_high-min_low))/log10(window).
func chopIndex(highs, lows, closes []float64, window int) float64 {
	n := len(closes)
	if window > n {
		window = n
	}
	if window < 2 {
		return 50
	}
	start := n - window
	var sumTR float64
	maxHigh := highs[start]
	minLow := lows[start]
	for i := start; i < n; i++ {
		prevClose := closes[i]
		if i > start {
			prevClose = closes[i-1]
		}
		tr := trueRange(highs[i], lows[i], prevClose)
		sumTR += tr
		if highs[i] > maxHigh {
			maxHigh = highs[i]
		}
		if lows[i] < minLow {
			minLow = lows[i]
		}
	}
	rng := maxHigh - minLow
	if rng <= 0 || sumTR <= 0 {
		return 50
	}
	denom := math.Log10(float64(window))
	if denom == 0 {
		return 50
	}
	return 100 * math.Log10(sumTR/rng) / denom
}

func trueRange(high, low, prevClose float64) float64 {
	a := high - low
	b := math.Abs(high - prevClose)
	c := math.Abs(low - prevClose)
	return math.Max(a, math.Max(b, c))
}

// percentileThresholds returns the 30th/70th percentile of samples, with
// a safety-guard pad on volHi whenever the two are closer than 5e-5
// (§4.4).
func percentileThresholds(samples []float64) (lo, hi float64) {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	lo = percentile(sorted, 0.30)
	hi = percentile(sorted, 0.70)
	if hi-lo < 5e-5 {
		hi += 1e-4
	}
	return lo, hi
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
