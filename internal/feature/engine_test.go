package feature

import (
	"math"
	"testing"
	"time"

	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/types"
	"go.uber.org/zap"
)

func synthBar(symbol string, t int) types.Bar {
	ts := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC).Add(time.Duration(t) * time.Minute)
	price := 100 + math.Sin(2*math.Pi*float64(t)/20)
	return types.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      price,
		High:      price + 0.1,
		Low:       price - 0.1,
		Close:     price,
		Volume:    1000 + float64(t%7)*10,
	}
}

func TestEngine_NotReadyReturnsZeroVector(t *testing.T) {
	e := New(zap.NewNop(), "TEST", DefaultConfig())
	for i := 0; i < 5; i++ {
		if err := e.Update(synthBar("TEST", i)); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if e.IsReady() {
		t.Fatalf("expected not ready with only 5 bars")
	}
	vec := e.Extract()
	if len(vec) != Dimension {
		t.Fatalf("expected %d dims, got %d", Dimension, len(vec))
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("expected zero vector before warmup, index %d = %f", i, v)
		}
	}
}

func TestEngine_ReadyAfterWarmup(t *testing.T) {
	cfg := DefaultConfig()
	e := New(zap.NewNop(), "TEST", cfg)
	for i := 0; i < cfg.MinWarmupBars; i++ {
		if err := e.Update(synthBar("TEST", i)); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if !e.IsReady() {
		t.Fatalf("expected ready after %d bars", cfg.MinWarmupBars)
	}
	vec := e.Extract()
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite feature at index %d (%s): %f", i, names[i], v)
		}
	}
}

func TestEngine_ExtractIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	e := New(zap.NewNop(), "TEST", cfg)
	for i := 0; i < cfg.MinWarmupBars+10; i++ {
		if err := e.Update(synthBar("TEST", i)); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	v1 := e.Extract()
	v2 := e.Extract()
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("extract not deterministic at index %d: %f != %f", i, v1[i], v2[i])
		}
	}
}

func TestEngine_RejectsOutOfOrderBar(t *testing.T) {
	e := New(zap.NewNop(), "TEST", DefaultConfig())
	if err := e.Update(synthBar("TEST", 10)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := e.Update(synthBar("TEST", 5)); err == nil {
		t.Fatalf("expected error for out-of-order timestamp")
	}
}

func TestEngine_RejectsNonFiniteBar(t *testing.T) {
	e := New(zap.NewNop(), "TEST", DefaultConfig())
	bad := synthBar("TEST", 0)
	bad.Close = math.NaN()
	if err := e.Update(bad); err == nil {
		t.Fatalf("expected error for non-finite close")
	}
}

func TestChecksumStable(t *testing.T) {
	c1 := Checksum()
	c2 := Checksum()
	if c1 != c2 {
		t.Fatalf("checksum not stable: %d != %d", c1, c2)
	}
	if len(Names()) != Dimension {
		t.Fatalf("names length mismatch")
	}
}
