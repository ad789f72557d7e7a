// Package metrics exposes the engine's capital and regime state as
// Prometheus gauges, scraped via internal/api's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "equity",
		Help:      "Current total equity (cash + allocated + unrealized P&L).",
	})
	Cash = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "cash",
		Help:      "Uncommitted cash available for new entries.",
	})
	Allocated = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "allocated_capital",
		Help:      "Cost basis of all open positions.",
	})
	Unrealized = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "unrealized_pnl",
		Help:      "Mark-to-market unrealized P&L across open positions.",
	})
	RealizedPnLCumulative = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "realized_pnl_cumulative",
		Help:      "Cumulative realized P&L since session start.",
	})
	Drawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "drawdown_fraction",
		Help:      "Fraction below peak equity, 0 at a new high.",
	})
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "open_positions",
		Help:      "Number of currently open positions.",
	})
	CircuitBreaker = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "circuit_breaker_latched",
		Help:      "1 once the circuit breaker has latched, 0 otherwise.",
	})
	BarsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rotation_engine",
		Name:      "bars_processed_total",
		Help:      "Total bars successfully processed.",
	})
	AccountingDrift = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rotation_engine",
		Name:      "accounting_drift_total",
		Help:      "Total times the capital accounting invariant check exceeded epsilon.",
	})
	RegimeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rotation_engine",
		Name:      "regime_state",
		Help:      "1 for the currently active regime label, 0 for all others.",
	}, []string{"regime"})
)

// regimeLabels lists every regime so the gauge vector always reports a
// complete, zeroed set rather than only ever-seen labels.
var regimeLabels = []string{"TRENDING_UP", "TRENDING_DOWN", "CHOPPY", "HIGH_VOLATILITY", "LOW_VOLATILITY"}

func init() {
	for _, r := range regimeLabels {
		RegimeState.WithLabelValues(r)
	}
}

// Snapshot is the minimal set of fields metrics needs; kept decoupled
// from internal/backend's Snapshot type to avoid an import cycle.
type Snapshot struct {
	Equity                float64
	Cash                  float64
	Allocated             float64
	Unrealized            float64
	RealizedPnLCumulative float64
	Drawdown              float64
	OpenPositions         int
	CircuitBreakerLatched bool
	Regime                string
	AccountingDriftEvents int
}

// Observe publishes one bar's snapshot to the registered gauges.
// BarsProcessed/AccountingDrift are counters incremented by the caller at
// the point each event occurs, not derived here.
func Observe(s Snapshot) {
	Equity.Set(s.Equity)
	Cash.Set(s.Cash)
	Allocated.Set(s.Allocated)
	Unrealized.Set(s.Unrealized)
	RealizedPnLCumulative.Set(s.RealizedPnLCumulative)
	Drawdown.Set(s.Drawdown)
	OpenPositions.Set(float64(s.OpenPositions))
	if s.CircuitBreakerLatched {
		CircuitBreaker.Set(1)
	} else {
		CircuitBreaker.Set(0)
	}
	for _, r := range regimeLabels {
		if r == s.Regime {
			RegimeState.WithLabelValues(r).Set(1)
		} else {
			RegimeState.WithLabelValues(r).Set(0)
		}
	}
}
