// Package feature produces fixed-width numeric feature vectors from a
// per-symbol stream of bars. The engine is stateful and order-dependent:
// extract() is only meaningful after enough history has accumulated.
package feature

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/tradeerrors"
	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/types"
	"go.uber.org/zap"
)

// Dimension is the fixed width of the feature vector this engine variant
// emits. Declared here rather than computed so the order/width contract
// is visible at a glance.
const Dimension = 46

// names is the declared, immutable order of features extract() emits.
// The order is part of the contract: predictors consume the vector
// positionally, so this slice must never be reordered without bumping
// the checksum consumers compare against.
var names = buildNames()

func buildNames() []string {
	n := make([]string, 0, Dimension)
	n = append(n,
		"ret_1", "ret_2", "ret_3", "ret_5", "ret_10", "ret_20",
		"logret_1", "logret_5", "logret_10",
		"vol_5", "vol_10", "vol_20", "vol_50",
		"rsi_7", "rsi_14", "rsi_21",
		"vwap_dist", "vwap_dist_pct",
		"vol_ratio_5_20", "vol_ratio_10_50",
		"sma_dist_5", "sma_dist_10", "sma_dist_20", "sma_dist_50",
		"ema_dist_5", "ema_dist_10", "ema_dist_20",
		"high_low_range", "close_to_high", "close_to_low",
		"tod_sin", "tod_cos", "dow_sin", "dow_cos",
		"bar_range_pct", "body_pct", "upper_wick_pct", "lower_wick_pct",
		"momentum_5", "momentum_10", "momentum_20",
		"volume_zscore_20", "volume_trend_10",
		"session_high_dist", "session_low_dist", "session_range_pct",
	)
	if len(n) != Dimension {
		panic(fmt.Sprintf("feature: declared name count %d != Dimension %d", len(n), Dimension))
	}
	return n
}

// Checksum returns the FNV-1a 64-bit hash of the declared feature name
// order. Any offline-trained model artifact carries this checksum;
// a mismatch at load time is fatal (§4.1).
func Checksum() uint64 {
	h := fnv.New64a()
	for _, n := range names {
		_, _ = h.Write([]byte(n))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Names returns a copy of the declared feature order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Config configures warmup depth and bounded-history retention.
type Config struct {
	MinWarmupBars int `json:"minWarmupBars"`
	MaxHistory    int `json:"maxHistory"`
}

// DefaultConfig returns the standard feature-engine configuration.
func DefaultConfig() Config {
	return Config{
		MinWarmupBars: 60,
		MaxHistory:    600,
	}
}

// Engine accumulates bar history for one symbol and emits feature
// vectors. It is not safe for concurrent use; the backend owns one
// Engine per symbol and calls it only from the per-bar cycle (§5).
type Engine struct {
	logger *zap.Logger
	config Config
	symbol string

	bars       []types.Bar
	sessionHi  float64
	sessionLo  float64
	sessionDay int
}

// New creates a feature engine for symbol.
func New(logger *zap.Logger, symbol string, config Config) *Engine {
	e := &Engine{
		logger: logger.Named("feature").With(zap.String("symbol", symbol)),
		config: config,
		symbol: symbol,
		bars:   make([]types.Bar, 0, config.MaxHistory),
	}
	e.logger.Info("feature engine constructed",
		zap.Int("minWarmupBars", config.MinWarmupBars),
		zap.Int("dimension", Dimension))
	return e
}

// Update appends bar to the engine's history. An out-of-order bar
// (non-monotonic timestamp) is fatal per §4.1.
func (e *Engine) Update(bar types.Bar) error {
	if len(e.bars) > 0 {
		last := e.bars[len(e.bars)-1]
		if !bar.Timestamp.After(last.Timestamp) {
			return fmt.Errorf("%w: symbol %s timestamp %s did not advance past %s",
				tradeerrors.ErrInvalidBar, e.symbol, bar.Timestamp, last.Timestamp)
		}
	}
	if !finiteOHLCV(bar) {
		return fmt.Errorf("%w: symbol %s non-finite OHLCV at %s", tradeerrors.ErrInvalidBar, e.symbol, bar.Timestamp)
	}

	day := bar.Timestamp.YearDay()
	if day != e.sessionDay {
		e.sessionDay = day
		e.sessionHi = bar.High
		e.sessionLo = bar.Low
	} else {
		e.sessionHi = math.Max(e.sessionHi, bar.High)
		e.sessionLo = math.Min(e.sessionLo, bar.Low)
	}

	e.bars = append(e.bars, bar)
	if len(e.bars) > e.config.MaxHistory {
		e.bars = e.bars[len(e.bars)-e.config.MaxHistory:]
	}
	return nil
}

func finiteOHLCV(b types.Bar) bool {
	vals := []float64{b.Open, b.High, b.Low, b.Close, b.Volume}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Close > 0 && b.Volume >= 0
}

// IsReady reports whether enough history has accumulated to extract a
// meaningful feature vector.
func (e *Engine) IsReady() bool {
	return len(e.bars) >= e.config.MinWarmupBars
}

// Extract returns the current feature vector. Before IsReady(), it
// returns a Dimension-length zero vector marking neutrality (§4.1).
// The result is deterministic given identical history (§8 round-trip).
func (e *Engine) Extract() []float64 {
	out := make([]float64, Dimension)
	if !e.IsReady() {
		return out
	}

	closes := e.closes()
	n := len(closes)
	last := closes[n-1]
	bar := e.bars[len(e.bars)-1]

	i := 0
	put := func(v float64) {
		out[i] = sanitize(v)
		i++
	}

	put(ret(closes, 1))
	put(ret(closes, 2))
	put(ret(closes, 3))
	put(ret(closes, 5))
	put(ret(closes, 10))
	put(ret(closes, 20))
	put(logret(closes, 1))
	put(logret(closes, 5))
	put(logret(closes, 10))
	put(stddevReturns(closes, 5))
	put(stddevReturns(closes, 10))
	put(stddevReturns(closes, 20))
	put(stddevReturns(closes, 50))
	put(rsi(closes, 7))
	put(rsi(closes, 14))
	put(rsi(closes, 21))

	vwap := e.vwap(20)
	put(last - vwap)
	if vwap != 0 {
		put((last - vwap) / vwap)
	} else {
		put(0)
	}

	put(ratio(stddevReturns(closes, 5), stddevReturns(closes, 20)))
	put(ratio(stddevReturns(closes, 10), stddevReturns(closes, 50)))

	put(distFromSMA(closes, 5))
	put(distFromSMA(closes, 10))
	put(distFromSMA(closes, 20))
	put(distFromSMA(closes, 50))
	put(distFromEMA(closes, 5))
	put(distFromEMA(closes, 10))
	put(distFromEMA(closes, 20))

	rng := bar.High - bar.Low
	put(safeDiv(rng, last))
	put(safeDiv(bar.High-bar.Close, rng))
	put(safeDiv(bar.Close-bar.Low, rng))

	tod, dow := timeEncoding(bar.Timestamp)
	put(tod[0])
	put(tod[1])
	put(dow[0])
	put(dow[1])

	body := math.Abs(bar.Close - bar.Open)
	upper := bar.High - math.Max(bar.Open, bar.Close)
	lower := math.Min(bar.Open, bar.Close) - bar.Low
	put(safeDiv(rng, bar.Open))
	put(safeDiv(body, rng))
	put(safeDiv(upper, rng))
	put(safeDiv(lower, rng))

	put(momentum(closes, 5))
	put(momentum(closes, 10))
	put(momentum(closes, 20))

	vols := e.volumes()
	put(zscore(vols, 20))
	put(trendSlope(vols, 10))

	put(last - e.sessionHi)
	put(last - e.sessionLo)
	put(safeDiv(e.sessionHi-e.sessionLo, last))

	return out
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0.0
	}
	return v
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func (e *Engine) closes() []float64 {
	out := make([]float64, len(e.bars))
	for idx, b := range e.bars {
		out[idx] = b.Close
	}
	return out
}

func (e *Engine) volumes() []float64 {
	out := make([]float64, len(e.bars))
	for idx, b := range e.bars {
		out[idx] = b.Volume
	}
	return out
}

func (e *Engine) vwap(window int) float64 {
	n := len(e.bars)
	if n == 0 {
		return 0
	}
	if window > n {
		window = n
	}
	var pv, v float64
	for _, b := range e.bars[n-window:] {
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * b.Volume
		v += b.Volume
	}
	if v == 0 {
		return e.bars[n-1].Close
	}
	return pv / v
}

func ret(closes []float64, lag int) float64 {
	n := len(closes)
	if lag >= n {
		return 0
	}
	prior := closes[n-1-lag]
	if prior == 0 {
		return 0
	}
	return (closes[n-1] - prior) / prior
}

func logret(closes []float64, lag int) float64 {
	n := len(closes)
	if lag >= n || closes[n-1-lag] <= 0 || closes[n-1] <= 0 {
		return 0
	}
	return math.Log(closes[n-1] / closes[n-1-lag])
}

func stddevReturns(closes []float64, window int) float64 {
	n := len(closes)
	if window < 2 || window+1 > n {
		return 0
	}
	slice := closes[n-window-1:]
	rets := make([]float64, 0, window)
	for k := 1; k < len(slice); k++ {
		if slice[k-1] <= 0 {
			continue
		}
		rets = append(rets, (slice[k]-slice[k-1])/slice[k-1])
	}
	return stddev(rets)
}

func stddev(xs []float64) float64 {
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
	return math.Sqrt(sq / float64(len(xs)-1))
}

func rsi(closes []float64, window int) float64 {
	n := len(closes)
	if window+1 > n {
		return 50
	}
	slice := closes[n-window-1:]
	var gain, loss float64
	for k := 1; k < len(slice); k++ {
		d := slice[k] - slice[k-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100
	}
	rs := (gain / float64(window)) / (loss / float64(window))
	return 100 - (100 / (1 + rs))
}

func sma(closes []float64, window int) float64 {
	n := len(closes)
	if window > n {
		window = n
	}
	if window == 0 {
		return 0
	}
	var sum float64
	for _, c := range closes[n-window:] {
		sum += c
	}
	return sum / float64(window)
}

func distFromSMA(closes []float64, window int) float64 {
	n := len(closes)
	if window > n {
		return 0
	}
	m := sma(closes, window)
	return safeDiv(closes[n-1]-m, m)
}

func ema(closes []float64, window int) float64 {
	n := len(closes)
	if window > n {
		window = n
	}
	if window == 0 {
		return 0
	}
	start := n - window
	k := 2.0 / float64(window+1)
	v := closes[start]
	for _, c := range closes[start+1:] {
		v = c*k + v*(1-k)
	}
	return v
}

func distFromEMA(closes []float64, window int) float64 {
	n := len(closes)
	if window > n {
		return 0
	}
	m := ema(closes, window)
	return safeDiv(closes[n-1]-m, m)
}

func momentum(closes []float64, window int) float64 {
	n := len(closes)
	if window >= n {
		return 0
	}
	return closes[n-1] - closes[n-1-window]
}

func zscore(xs []float64, window int) float64 {
	n := len(xs)
	if window > n {
		window = n
	}
	if window < 2 {
		return 0
	}
	slice := xs[n-window:]
	var sum float64
	for _, x := range slice {
		sum += x
	}
	mean := sum / float64(len(slice))
	sd := stddev(slice)
	if sd == 0 {
		return 0
	}
	return (xs[n-1] - mean) / sd
}

func trendSlope(xs []float64, window int) float64 {
	n := len(xs)
	if window > n {
		window = n
	}
	if window < 2 {
		return 0
	}
	slice := xs[n-window:]
	slope, _ := linreg(slice)
	return slope
}

// linreg fits y = a + slope*t over t = 0..len(ys)-1 and returns
// (slope, r-squared).
func linreg(ys []float64) (float64, float64) {
	n := float64(len(ys))
	if n < 2 {
		return 0, 0
	}
	var sumT, sumY, sumTY, sumTT float64
	for t, y := range ys {
		ft := float64(t)
		sumT += ft
		sumY += y
		sumTY += ft * y
		sumTT += ft * ft
	}
	denom := n*sumTT - sumT*sumT
	if denom == 0 {
		return 0, 0
	}
	slope := (n*sumTY - sumT*sumY) / denom
	intercept := (sumY - slope*sumT) / n

	var ssTot, ssRes float64
	meanY := sumY / n
	for t, y := range ys {
		pred := intercept + slope*float64(t)
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	r2 := 0.0
	if ssTot != 0 {
		r2 = 1 - ssRes/ssTot
	}
	return slope, r2
}

func timeEncoding(t time.Time) ([2]float64, [2]float64) {
	minuteOfDay := float64(t.Hour()*60 + t.Minute())
	todAngle := 2 * math.Pi * minuteOfDay / (24 * 60)
	dowAngle := 2 * math.Pi * float64(int(t.Weekday())) / 7
	return [2]float64{math.Sin(todAngle), math.Cos(todAngle)},
		[2]float64{math.Sin(dowAngle), math.Cos(dowAngle)}
}
