// Package regimeparams maps a detected market regime to the parameter
// bundle that the ensemble and signal ranker should operate under.
package regimeparams

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/regime"
	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/tradeerrors"
	"go.uber.org/zap"
)

// Params is one regime's tuned parameter bundle (§4.5).
type Params struct {
	BuyThreshold    float64            `json:"buyThreshold"`
	SellThreshold   float64            `json:"sellThreshold"`
	Lambda          float64            `json:"lambda"`
	BBAmplification float64            `json:"bbAmplification"`
	Weights         map[string]float64 `json:"weights"` // keys "h1","h5","h10"
	BBPeriod        int                `json:"bbPeriod"`
	BBStdDev        float64            `json:"bbStdDev"`
	BBProximity     float64            `json:"bbProximity"`
	Regularization  float64            `json:"regularization"`
}

// IsValid reports whether the bundle satisfies §4.5's validation rules.
func (p Params) IsValid() bool {
	if !(p.BuyThreshold > p.SellThreshold) {
		return false
	}
	if p.BuyThreshold < 0.5 || p.BuyThreshold > 0.7 {
		return false
	}
	if p.SellThreshold < 0.3 || p.SellThreshold > 0.5 {
		return false
	}
	if p.Lambda < 0.98 || p.Lambda > 1.0 {
		return false
	}
	if p.BBAmplification < 0 || p.BBAmplification > 0.3 {
		return false
	}
	sum := 0.0
	for _, w := range p.Weights {
		sum += w
	}
	if len(p.Weights) > 0 && (sum < 0.99 || sum > 1.01) {
		return false
	}
	return true
}

// defaults returns the verbatim reference-implementation bundles (§4.5).
func defaults() map[regime.Type]Params {
	return map[regime.Type]Params{
		regime.TrendingUp: {
			BuyThreshold: 0.55, SellThreshold: 0.43, Lambda: 0.992,
			BBAmplification: 0.08, Weights: map[string]float64{"h1": 0.15, "h5": 0.60, "h10": 0.25},
			BBPeriod: 20, BBStdDev: 2.25, BBProximity: 0.30, Regularization: 0.016,
		},
		regime.TrendingDown: {
			BuyThreshold: 0.56, SellThreshold: 0.42, Lambda: 0.992,
			BBAmplification: 0.08, Weights: map[string]float64{"h1": 0.15, "h5": 0.60, "h10": 0.25},
			BBPeriod: 20, BBStdDev: 2.25, BBProximity: 0.30, Regularization: 0.016,
		},
		regime.Choppy: {
			BuyThreshold: 0.57, SellThreshold: 0.45, Lambda: 0.995,
			BBAmplification: 0.05, Weights: map[string]float64{"h1": 0.20, "h5": 0.50, "h10": 0.30},
			BBPeriod: 25, BBStdDev: 2.50, BBProximity: 0.35, Regularization: 0.025,
		},
		regime.HighVolatility: {
			BuyThreshold: 0.58, SellThreshold: 0.40, Lambda: 0.990,
			BBAmplification: 0.12, Weights: map[string]float64{"h1": 0.25, "h5": 0.45, "h10": 0.30},
			BBPeriod: 15, BBStdDev: 2.00, BBProximity: 0.25, Regularization: 0.010,
		},
		regime.LowVolatility: {
			BuyThreshold: 0.54, SellThreshold: 0.46, Lambda: 0.996,
			BBAmplification: 0.04, Weights: map[string]float64{"h1": 0.20, "h5": 0.50, "h10": 0.30},
			BBPeriod: 30, BBStdDev: 2.50, BBProximity: 0.40, Regularization: 0.030,
		},
	}
}

// conservativeDefault is the last-resort fallback when even CHOPPY's
// bundle is absent from the map (§4.5 lookup fallback).
func conservativeDefault() Params {
	return Params{
		BuyThreshold: 0.53, SellThreshold: 0.48, Lambda: 0.992,
		BBAmplification: 0.05, Weights: map[string]float64{"h1": 0.20, "h5": 0.50, "h10": 0.30},
		BBPeriod: 20, BBStdDev: 2.0, BBProximity: 0.30, Regularization: 0.01,
	}
}

// Manager owns the regime -> Params mapping and validates any mutation.
type Manager struct {
	logger *zap.Logger
	mu     sync.RWMutex
	bundle map[regime.Type]Params
}

// New constructs a Manager seeded with the reference defaults.
func New(logger *zap.Logger) *Manager {
	m := &Manager{
		logger: logger.Named("regimeparams"),
		bundle: defaults(),
	}
	m.logger.Info("regime parameter manager constructed", zap.Int("regimes", len(m.bundle)))
	return m
}

// ParamsForRegime looks up the bundle for r, falling back to CHOPPY and
// then the conservative built-in default (§4.5).
func (m *Manager) ParamsForRegime(r regime.Type) Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.bundle[r]; ok {
		return p
	}
	if p, ok := m.bundle[regime.Choppy]; ok {
		m.logger.Warn("regime absent from bundle, falling back to CHOPPY", zap.String("regime", string(r)))
		return p
	}
	m.logger.Error("CHOPPY bundle missing, using conservative built-in default", zap.String("regime", string(r)))
	return conservativeDefault()
}

// SetParamsForRegime installs a new bundle for r. An invalid bundle is
// rejected: logged, previous bundle retained (§4.5).
func (m *Manager) SetParamsForRegime(r regime.Type, p Params) error {
	if !p.IsValid() {
		m.logger.Warn("rejected invalid regime parameter bundle",
			zap.String("regime", string(r)),
			zap.Float64("buyThreshold", p.BuyThreshold),
			zap.Float64("sellThreshold", p.SellThreshold))
		return fmt.Errorf("%w: regime %s parameter bundle failed validation", tradeerrors.ErrSchemaMismatch, r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundle[r] = p
	return nil
}

// persistedFile is the JSON-on-disk layout for LoadFromFile/SaveToFile.
type persistedFile struct {
	Bundles map[regime.Type]Params `json:"bundles"`
}

// LoadFromFile replaces the manager's bundle from a JSON file. Bundles
// failing validation are skipped individually (logged) rather than
// aborting the whole load. This is a working implementation, not the
// unimplemented placeholder the reference leaves (§4.5).
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("regimeparams: reading %s: %w", path, err)
	}
	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("%w: regimeparams: parsing %s: %v", tradeerrors.ErrSchemaMismatch, path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for r, p := range pf.Bundles {
		if !p.IsValid() {
			m.logger.Warn("skipping invalid persisted bundle", zap.String("regime", string(r)))
			continue
		}
		m.bundle[r] = p
	}
	return nil
}

// SaveToFile writes the manager's current bundle to a JSON file.
func (m *Manager) SaveToFile(path string) error {
	m.mu.RLock()
	pf := persistedFile{Bundles: make(map[regime.Type]Params, len(m.bundle))}
	for r, p := range m.bundle {
		pf.Bundles[r] = p
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("regimeparams: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("regimeparams: writing %s: %w", path, err)
	}
	return nil
}

// WeightSlice returns the horizon-ordered weight slice (h1, h5, h10) for
// use with ensemble.ApplyParams.
func (p Params) WeightSlice(horizons []int) []float64 {
	out := make([]float64, len(horizons))
	for i, h := range horizons {
		key := fmt.Sprintf("h%d", h)
		out[i] = p.Weights[key]
	}
	return out
}
