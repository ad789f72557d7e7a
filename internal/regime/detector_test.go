package regime

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
)

func smallConfig() Config {
	return Config{
		VolWindow:        20,
		SlopeWindow:      20,
		ChopWindow:       20,
		CalibrWindow:     60,
		TrendSlopeMin:    1e-4,
		TrendR2Min:       0.6,
		HysteresisMargin: 0.15,
		CooldownBars:     10,
		StateHistorySize: 500,
	}
}

func TestDetector_InitializesChoppyBeforeCalibration(t *testing.T) {
	d := New(zap.NewNop(), smallConfig())
	for i := 0; i < 10; i++ {
		d.AddBar(100+float64(i)*0.01, 100.2, 99.8, time.Now())
	}
	state := d.Current()
	if state.Regime != Choppy {
		t.Fatalf("expected CHOPPY before calibration, got %v", state.Regime)
	}
	if state.Calibrated {
		t.Fatalf("expected not calibrated with only 10 samples")
	}
}

func TestDetector_DetectsHighVolatility(t *testing.T) {
	cfg := smallConfig()
	cfg.CalibrWindow = 100
	d := New(zap.NewNop(), cfg)

	price := 100.0
	for i := 0; i < 80; i++ {
		price *= 1 + 0.0005*math.Sin(float64(i))
		d.AddBar(price, price+0.05, price-0.05, time.Now())
	}
	// swing four bars up, four bars down: large returns without the
	// bar-to-bar reversals that would score as CHOPPY
	for i := 0; i < 40; i++ {
		if (i/4)%2 == 0 {
			price *= 1.02
		} else {
			price *= 0.98
		}
		d.AddBar(price, price*1.01, price*0.99, time.Now())
	}

	state := d.Current()
	if !state.Calibrated {
		t.Fatalf("expected calibrated after 120 bars with calibr window 100")
	}
	if state.Regime != HighVolatility {
		t.Fatalf("expected HIGH_VOLATILITY after volatility spike, got %v (vol=%f hi=%f)", state.Regime, state.Features.Volatility, state.VolHi)
	}
}

func TestDetector_CooldownResetsOnSwitch(t *testing.T) {
	cfg := smallConfig()
	cfg.CalibrWindow = 60
	d := New(zap.NewNop(), cfg)

	price := 100.0
	for i := 0; i < 80; i++ {
		price *= 1 + 0.0003*math.Sin(float64(i)*0.3)
		d.AddBar(price, price+0.02, price-0.02, time.Now())
	}
	for i := 0; i < 20; i++ {
		price *= 1.03
		d.AddBar(price, price*1.01, price*0.99, time.Now())
	}
	state := d.Current()
	if state.Regime == HighVolatility && state.Cooldown != cfg.CooldownBars && state.Cooldown != 0 {
		// cooldown decrements each bar after a switch; just ensure it's within bounds
		if state.Cooldown < 0 || state.Cooldown > cfg.CooldownBars {
			t.Fatalf("cooldown out of bounds: %d", state.Cooldown)
		}
	}
	hist := d.History()
	for i := 1; i < len(hist); i++ {
		if hist[i].Regime != hist[i-1].Regime && hist[i].Cooldown != cfg.CooldownBars {
			t.Fatalf("bar %d switched %v->%v but cooldown is %d, expected reset to %d",
				i, hist[i-1].Regime, hist[i].Regime, hist[i].Cooldown, cfg.CooldownBars)
		}
	}
}

func TestPercentileThresholds_SafetyGuard(t *testing.T) {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = 0.001
	}
	lo, hi := percentileThresholds(samples)
	if hi-lo < 5e-5 {
		t.Fatalf("expected safety-guard padding to separate lo/hi, got lo=%f hi=%f", lo, hi)
	}
}

func TestChopIndex_RangeBounds(t *testing.T) {
	highs := make([]float64, 50)
	lows := make([]float64, 50)
	closes := make([]float64, 50)
	for i := range highs {
		closes[i] = 100 + float64(i%3)
		highs[i] = closes[i] + 0.5
		lows[i] = closes[i] - 0.5
	}
	chop := chopIndex(highs, lows, closes, 20)
	if math.IsNaN(chop) || math.IsInf(chop, 0) {
		t.Fatalf("chop index non-finite: %f", chop)
	}
}

func TestLogPriceRegression_PerfectTrend(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 * math.Exp(0.001*float64(i))
	}
	slope, r2 := logPriceRegression(closes, 30)
	if slope <= 0 {
		t.Fatalf("expected positive slope for uptrend, got %f", slope)
	}
	if r2 < 0.99 {
		t.Fatalf("expected near-perfect fit for deterministic exponential trend, got r2=%f", r2)
	}
}
