package backend

import (
	"math"
	"testing"
	"time"

	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/types"
	"go.uber.org/zap"
)

func synthBars(symbols []string, t0 time.Time, n int) []map[string]types.Bar {
	out := make([]map[string]types.Bar, n)
	for i := 0; i < n; i++ {
		bars := make(map[string]types.Bar, len(symbols))
		for si, symbol := range symbols {
			price := 100 + float64(si)*5 + 2*math.Sin(2*math.Pi*float64(i)/20)
			bars[symbol] = types.Bar{
				Symbol:    symbol,
				Timestamp: t0.Add(time.Duration(i) * time.Minute),
				Open:      price,
				High:      price + 0.5,
				Low:       price - 0.5,
				Close:     price,
				Volume:    1000,
			}
		}
		out[i] = bars
	}
	return out
}

func TestBackend_ProcessBarRunsWithoutError(t *testing.T) {
	symbols := []string{"AAA", "BBB", "CCC"}
	b := New(zap.NewNop(), DefaultConfig(), symbols)

	bars := synthBars(symbols, time.Now(), 300)
	for i, snap := range bars {
		if _, err := b.ProcessBar(snap, i%400); err != nil {
			t.Fatalf("bar %d: unexpected error: %v", i, err)
		}
	}

	snap := b.Snapshot()
	if snap.BarIndex != int64(len(bars)) {
		t.Fatalf("expected barIndex %d, got %d", len(bars), snap.BarIndex)
	}
}

func TestBackend_RejectsNonMonotonicBar(t *testing.T) {
	symbols := []string{"AAA"}
	b := New(zap.NewNop(), DefaultConfig(), symbols)
	t0 := time.Now()

	first := map[string]types.Bar{"AAA": {Symbol: "AAA", Timestamp: t0, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}}
	if _, err := b.ProcessBar(first, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale := map[string]types.Bar{"AAA": {Symbol: "AAA", Timestamp: t0, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}}
	if _, err := b.ProcessBar(stale, 1); err == nil {
		t.Fatalf("expected error for non-advancing timestamp")
	}
}

func TestBackend_RejectsNonFiniteBar(t *testing.T) {
	symbols := []string{"AAA"}
	b := New(zap.NewNop(), DefaultConfig(), symbols)

	bad := map[string]types.Bar{"AAA": {Symbol: "AAA", Timestamp: time.Now(), Open: math.NaN(), High: 101, Low: 99, Close: 100, Volume: 10}}
	if _, err := b.ProcessBar(bad, 0); err == nil {
		t.Fatalf("expected error for non-finite bar")
	}
}

func TestBackend_CapitalInvariantHoldsOverRun(t *testing.T) {
	symbols := []string{"AAA", "BBB"}
	cfg := DefaultConfig()
	b := New(zap.NewNop(), cfg, symbols)

	bars := synthBars(symbols, time.Now(), 250)
	for i, snap := range bars {
		if _, err := b.ProcessBar(snap, i%400); err != nil {
			t.Fatalf("bar %d: %v", i, err)
		}
	}

	if b.errors.AccountingDrift > 0 {
		t.Fatalf("accounting drift detected %d times", b.errors.AccountingDrift)
	}
}

func TestBackend_CircuitBreakerBlocksEntriesOnceLatched(t *testing.T) {
	symbols := []string{"AAA"}
	cfg := DefaultConfig()
	cfg.StartingCapital = cfg.StartingCapital.Div(cfg.StartingCapital) // 1, forces immediate latch on first bar with any cost
	b := New(zap.NewNop(), cfg, symbols)
	b.cash = cfg.MinTradingCapital.Sub(cfg.MinTradingCapital) // force equity to 0

	bars := synthBars(symbols, time.Now(), 5)
	for i, snap := range bars {
		if _, err := b.ProcessBar(snap, i); err != nil {
			t.Fatalf("bar %d: %v", i, err)
		}
	}
	if !b.Snapshot().CircuitBreaker {
		t.Fatalf("expected circuit breaker to latch")
	}
	if len(b.Positions()) != 0 {
		t.Fatalf("expected no open positions once breaker latched")
	}
}

func TestBackend_EODTimeTriggersLiquidation(t *testing.T) {
	symbols := []string{"AAA"}
	cfg := DefaultConfig()
	cfg.Rotation.MinHoldBars = 0
	cfg.Rotation.EODExitTimeMinutes = 100
	b := New(zap.NewNop(), cfg, symbols)

	bars := synthBars(symbols, time.Now(), 80)
	for i, snap := range bars {
		if _, err := b.ProcessBar(snap, i); err != nil {
			t.Fatalf("bar %d: %v", i, err)
		}
	}

	eodBars := synthBars(symbols, time.Now().Add(time.Hour), 2)
	if _, err := b.ProcessBar(eodBars[0], 100); err != nil {
		t.Fatalf("eod bar: %v", err)
	}
	if len(b.Positions()) != 0 {
		t.Fatalf("expected zero open positions at/after EOD, got %d", len(b.Positions()))
	}
}
