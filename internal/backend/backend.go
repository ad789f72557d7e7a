// Package backend wires the feature, predictor, ensemble, regime, and
// rotation components together into the per-bar trading cycle and owns
// the capital ledger (§4.8).
package backend

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/ensemble"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/feature"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/metrics"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/regime"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/regimeparams"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/rotation"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/signalrank"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/sizing"
	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/tradeerrors"
	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/types"
	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config aggregates every per-component config the backend wires
// together, following the teacher's Default*Config()/Aggressive*Config()
// constructor pattern (§10).
type Config struct {
	StartingCapital              decimal.Decimal `json:"startingCapital"`
	MinTradingCapital            decimal.Decimal `json:"minTradingCapital"`
	CircuitBreakerEquityFraction float64         `json:"circuitBreakerEquityFraction"`
	AccountingEpsilon            decimal.Decimal `json:"accountingEpsilon"`
	BaseAllocationFraction       float64         `json:"baseAllocationFraction"` // 0.95 * equity / max_positions
	VolScaleMin                  float64         `json:"volScaleMin"`
	VolScaleMax                  float64         `json:"volScaleMax"`

	Feature       feature.Config       `json:"feature"`
	Ensemble      ensemble.Config      `json:"ensemble"`
	Regime        regime.Config        `json:"regime"`
	Rotation      rotation.Config      `json:"rotation"`
	Sizing        *sizing.SizingConfig `json:"sizing"`
}

// DefaultConfig returns conservative, production-shaped defaults.
func DefaultConfig() Config {
	return Config{
		StartingCapital:              decimal.NewFromInt(100000),
		MinTradingCapital:            decimal.NewFromInt(10000),
		CircuitBreakerEquityFraction: 0.60,
		AccountingEpsilon:            decimal.NewFromFloat(1.0),
		BaseAllocationFraction:       0.95,
		VolScaleMin:                  0.5,
		VolScaleMax:                  1.5,

		Feature:  feature.DefaultConfig(),
		Ensemble: ensemble.DefaultConfig(feature.Dimension),
		Regime:   regime.DefaultConfig(),
		Rotation: rotation.DefaultConfig(),
		Sizing:   sizing.DefaultSizingConfig(),
	}
}

// AggressiveConfig loosens the circuit breaker and sizing bounds for
// higher-turnover operation.
func AggressiveConfig() Config {
	c := DefaultConfig()
	c.CircuitBreakerEquityFraction = 0.50
	c.Sizing = sizing.AggressiveSizingConfig()
	c.Ensemble.Predictor.Lambda = 0.98
	return c
}

// ErrorCounts tallies the non-fatal error kinds of §7 across the
// session, surfaced in the session summary.
type ErrorCounts struct {
	InsufficientFunds    int
	AccountingDrift      int
	CapacityExceeded     int
	CircuitBreakerBlocks int
}

// Snapshot is a point-in-time read of the backend's capital and market
// state, suitable for JSON emission or Prometheus gauge updates (§11).
type Snapshot struct {
	BarIndex              int64
	Cash                  decimal.Decimal
	Allocated             decimal.Decimal
	Unrealized            decimal.Decimal
	Equity                decimal.Decimal
	RealizedPnLCumulative decimal.Decimal
	PeakEquity            decimal.Decimal
	Drawdown              float64
	CircuitBreaker        bool
	Regime                regime.Type
	OpenPositions         int
	Errors                ErrorCounts
}

// BarResult is the per-bar output of ProcessBar: every signal, ranked
// signal, and executed decision, for observability and tests.
type BarResult struct {
	BarIndex  int64
	Signals   map[string]ensemble.Signal
	Ranked    []signalrank.Ranked
	Decisions []rotation.Decision
	Regime    regime.Type
	Snapshot  Snapshot
}

// Backend owns one Feature Engine and one Ensemble per symbol plus the
// shared Regime Detector, Parameter Manager, Ranker, and Position
// Manager, and is the sole mutator of the capital ledger (§5, §9).
type Backend struct {
	logger *zap.Logger
	config Config

	mu sync.Mutex

	symbols     []string
	featureEng  map[string]*feature.Engine
	ensembles   map[string]*ensemble.Ensemble
	regimeDet   *regime.Detector
	paramMgr    *regimeparams.Manager
	ranker      *signalrank.Ranker
	positions   *rotation.Manager
	sizer       *sizing.PositionSizer

	cash                  decimal.Decimal
	realizedPnLCumulative decimal.Decimal
	peakEquity            decimal.Decimal
	circuitBreaker        bool
	barIndex              int64

	lastTimestamp map[string]time.Time
	lastClose     map[string]float64
	barsSinceSeen map[string]int64

	equityHistory []decimal.Decimal
	tradePnLs     []decimal.Decimal

	errors ErrorCounts
}

// PerformanceReport summarizes the session's risk-adjusted performance,
// computed from the running equity curve and closed-trade P&L history.
type PerformanceReport struct {
	SharpeRatio  decimal.Decimal `json:"sharpeRatio"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
	WinRate      decimal.Decimal `json:"winRate"`
	ProfitFactor decimal.Decimal `json:"profitFactor"`
	ClosedTrades int             `json:"closedTrades"`
}

// PerformanceReport computes session-to-date risk metrics from the
// recorded equity curve and realized trade P&L.
func (b *Backend) PerformanceReport() PerformanceReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	returns := make([]decimal.Decimal, 0, len(b.equityHistory))
	for i := 1; i < len(b.equityHistory); i++ {
		prev := b.equityHistory[i-1]
		if prev.IsZero() {
			continue
		}
		returns = append(returns, b.equityHistory[i].Sub(prev).Div(prev))
	}

	return PerformanceReport{
		SharpeRatio:  utils.CalculateSharpeRatio(returns, decimal.Zero, 252),
		MaxDrawdown:  utils.CalculateMaxDrawdown(b.equityHistory),
		WinRate:      utils.CalculateWinRate(b.tradePnLs),
		ProfitFactor: utils.CalculateProfitFactor(b.tradePnLs),
		ClosedTrades: len(b.tradePnLs),
	}
}

// New constructs a Backend for the given symbol universe.
func New(logger *zap.Logger, config Config, symbols []string) *Backend {
	universe := append([]string(nil), symbols...)
	sort.Strings(universe)

	b := &Backend{
		logger:        logger.Named("backend"),
		config:        config,
		symbols:       universe,
		featureEng:    make(map[string]*feature.Engine, len(universe)),
		ensembles:     make(map[string]*ensemble.Ensemble, len(universe)),
		regimeDet:     regime.New(logger, config.Regime),
		paramMgr:      regimeparams.New(logger),
		ranker:        signalrank.New(logger),
		positions:     rotation.New(logger, config.Rotation),
		sizer:         sizing.NewPositionSizer(logger, config.Sizing),
		cash:          config.StartingCapital,
		peakEquity:    config.StartingCapital,
		lastTimestamp: make(map[string]time.Time, len(universe)),
		lastClose:     make(map[string]float64, len(universe)),
		barsSinceSeen: make(map[string]int64, len(universe)),
	}
	for _, symbol := range universe {
		b.featureEng[symbol] = feature.New(logger, symbol, config.Feature)
		b.ensembles[symbol] = ensemble.New(logger, symbol, config.Ensemble)
	}
	b.logger.Info("backend constructed",
		zap.Int("symbols", len(universe)),
		zap.String("startingCapital", config.StartingCapital.String()),
		zap.Float64("circuitBreakerEquityFraction", config.CircuitBreakerEquityFraction))
	return b
}

// ProcessBar runs the full §4.8 per-bar procedure for a synchronized
// snapshot of bars. Not every symbol need be present in bars; an absent
// symbol is treated as stale and its staleness weight decays.
func (b *Backend) ProcessBar(bars map[string]types.Bar, currentTimeMinutes int) (BarResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.barIndex++

	if err := b.validateSnapshot(bars); err != nil {
		return BarResult{}, err
	}
	b.applySnapshot(bars)

	b.updateRegime(bars)
	current := b.regimeDet.Current()
	params := b.paramMgr.ParamsForRegime(current.Regime)
	b.applyRegimeParams(params)

	signals := b.collectSignals(bars)
	staleness := b.stalenessWeights()
	ranked := b.ranker.Rank(signals, staleness)

	b.checkCircuitBreaker()

	prices := b.currentPrices()
	decisions := b.positions.Evaluate(ranked, prices, currentTimeMinutes, b.barIndex)
	realizedThisBar := b.executeDecisions(decisions, ranked, prices)

	b.runLearningStep(bars, realizedThisBar)
	b.checkAccountingInvariant()

	snap := b.snapshotLocked(current.Regime)
	b.equityHistory = append(b.equityHistory, snap.Equity)
	metrics.BarsProcessed.Inc()
	metrics.Observe(metrics.Snapshot{
		Equity:                mustFloat64(snap.Equity),
		Cash:                  mustFloat64(snap.Cash),
		Allocated:             mustFloat64(snap.Allocated),
		Unrealized:            mustFloat64(snap.Unrealized),
		RealizedPnLCumulative: mustFloat64(snap.RealizedPnLCumulative),
		Drawdown:              snap.Drawdown,
		OpenPositions:         snap.OpenPositions,
		CircuitBreakerLatched: snap.CircuitBreaker,
		Regime:                string(current.Regime),
	})
	return BarResult{
		BarIndex:  b.barIndex,
		Signals:   signals,
		Ranked:    ranked,
		Decisions: decisions,
		Regime:    current.Regime,
		Snapshot:  snap,
	}, nil
}

// validateSnapshot implements §4.8 step 2: every present bar must carry
// finite OHLCV and a strictly advancing timestamp. Nothing is mutated
// here so a failure aborts the whole bar with no partial update (§7).
func (b *Backend) validateSnapshot(bars map[string]types.Bar) error {
	for symbol, bar := range bars {
		if !finiteOHLCV(bar) {
			return fmt.Errorf("%w: symbol %s non-finite OHLCV", tradeerrors.ErrInvalidBar, symbol)
		}
		if last, ok := b.lastTimestamp[symbol]; ok && !bar.Timestamp.After(last) {
			return fmt.Errorf("%w: symbol %s timestamp %s did not advance past %s",
				tradeerrors.ErrInvalidBar, symbol, bar.Timestamp, last)
		}
	}
	return nil
}

func finiteOHLCV(b types.Bar) bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Close > 0 && b.Volume >= 0
}

func (b *Backend) applySnapshot(bars map[string]types.Bar) {
	for _, symbol := range b.symbols {
		bar, present := bars[symbol]
		if !present {
			b.barsSinceSeen[symbol]++
			continue
		}
		if err := b.featureEng[symbol].Update(bar); err != nil {
			b.logger.Warn("feature update rejected after passing pre-validation", zap.Error(err))
			continue
		}
		b.lastTimestamp[symbol] = bar.Timestamp
		b.lastClose[symbol] = bar.Close
		b.barsSinceSeen[symbol] = 0
	}
}

// updateRegime feeds the shared regime detector from a single reference
// symbol (the lexicographically first symbol with a bar this tick),
// since the detector operates on one tape, not per-symbol (§4.4).
func (b *Backend) updateRegime(bars map[string]types.Bar) {
	for _, symbol := range b.symbols {
		if bar, ok := bars[symbol]; ok {
			b.regimeDet.AddBar(bar.Close, bar.High, bar.Low, bar.Timestamp)
			return
		}
	}
}

func (b *Backend) applyRegimeParams(p regimeparams.Params) {
	weights := p.WeightSlice(b.config.Ensemble.Horizons)
	alpha := b.config.Ensemble.Alpha * (1.0 + p.BBAmplification)
	for _, ens := range b.ensembles {
		ens.ApplyParams(p.BuyThreshold, p.SellThreshold, alpha, weights)
	}
}

func (b *Backend) collectSignals(bars map[string]types.Bar) map[string]ensemble.Signal {
	out := make(map[string]ensemble.Signal, len(b.symbols))
	for _, symbol := range b.symbols {
		fe := b.featureEng[symbol]
		if !fe.IsReady() {
			continue
		}
		bar, ok := bars[symbol]
		close := b.lastClose[symbol]
		ts := b.lastTimestamp[symbol]
		if ok {
			close = bar.Close
			ts = bar.Timestamp
		}
		features := fe.Extract()
		sig, emitted := b.ensembles[symbol].Predict(b.barIndex, ts, features, close)
		if emitted {
			out[symbol] = sig
		}
	}
	return out
}

// stalenessWeights decays a symbol's rank weight the longer it has gone
// without a fresh bar (§3, §6).
func (b *Backend) stalenessWeights() map[string]float64 {
	out := make(map[string]float64, len(b.symbols))
	for _, symbol := range b.symbols {
		absent := b.barsSinceSeen[symbol]
		w := 1.0 - 0.1*float64(absent)
		if w < 0.1 {
			w = 0.1
		}
		out[symbol] = w
	}
	return out
}

func (b *Backend) currentPrices() map[string]float64 {
	out := make(map[string]float64, len(b.symbols))
	for _, symbol := range b.symbols {
		if c := b.lastClose[symbol]; c > 0 {
			out[symbol] = c
		}
	}
	return out
}

// checkCircuitBreaker implements §4.8 step 6. The breaker is latched:
// once tripped it never clears for the rest of the session.
func (b *Backend) checkCircuitBreaker() {
	if b.circuitBreaker {
		return
	}
	equity := b.equityLocked()
	fraction, _ := equity.Div(b.config.StartingCapital).Float64()
	if fraction < b.config.CircuitBreakerEquityFraction || equity.LessThan(b.config.MinTradingCapital) {
		b.circuitBreaker = true
		b.logger.Error("circuit breaker latched",
			zap.String("equity", equity.String()),
			zap.Float64("fraction", fraction))
	}
}

func (b *Backend) equityLocked() decimal.Decimal {
	allocated, unrealized := decimal.Zero, decimal.Zero
	for _, pos := range b.positions.Positions() {
		allocated = allocated.Add(decimal.NewFromFloat(pos.EntryCost))
		unrealized = unrealized.Add(decimal.NewFromFloat(pos.PnL))
	}
	return b.cash.Add(allocated).Add(unrealized)
}

// executeDecisions implements §4.8 step 8. Returns realized P&L per
// symbol closed this bar, for the learning step's 10x-weight update.
func (b *Backend) executeDecisions(decisions []rotation.Decision, ranked []signalrank.Ranked, prices map[string]float64) map[string]float64 {
	rankedBySymbol := make(map[string]signalrank.Ranked, len(ranked))
	for _, r := range ranked {
		rankedBySymbol[r.Symbol] = r
	}

	realized := make(map[string]float64)
	for _, d := range decisions {
		switch d.Kind {
		case rotation.Hold:
			continue
		case rotation.EnterLong, rotation.EnterShort:
			b.executeEntry(d, rankedBySymbol, prices)
		case rotation.RotateOut:
			if pnl, ok := b.executeExit(d.Symbol, prices); ok {
				realized[d.Symbol] = pnl
			}
			if r, ok := rankedBySymbol[d.RotateIn]; ok {
				entryKind := rotation.EnterLong
				direction := rotation.Long
				if r.Type == ensemble.SignalShort {
					entryKind = rotation.EnterShort
					direction = rotation.Short
				}
				b.executeEntry(rotation.Decision{Symbol: d.RotateIn, Kind: entryKind, Direction: direction}, rankedBySymbol, prices)
			}
		default: // Exit, ProfitTarget, StopLoss, EODExit
			if pnl, ok := b.executeExit(d.Symbol, prices); ok {
				realized[d.Symbol] = pnl
			}
		}
	}
	return realized
}

func (b *Backend) executeEntry(d rotation.Decision, rankedBySymbol map[string]signalrank.Ranked, prices map[string]float64) {
	if b.circuitBreaker {
		b.errors.CircuitBreakerBlocks++
		b.logger.Info("entry blocked by circuit breaker", zap.String("symbol", d.Symbol))
		return
	}
	price, ok := prices[d.Symbol]
	if !ok || price <= 0 {
		return
	}
	r := rankedBySymbol[d.Symbol]

	equity := b.equityLocked()
	equityFloat, _ := equity.Float64()
	req := &sizing.SizingRequest{
		Symbol:           d.Symbol,
		PortfolioValue:   equity,
		CurrentPrice:     decimal.NewFromFloat(price),
		StopLoss:         decimal.NewFromFloat(price * (1 - b.config.Rotation.StopLossPct)),
		TakeProfit:       decimal.NewFromFloat(price * (1 + b.config.Rotation.ProfitTargetPct)),
		WinRate:          b.sizer.GetTradeStatistics().WinRate,
		AvgWin:           b.config.Rotation.ProfitTargetPct,
		AvgLoss:          b.config.Rotation.StopLossPct,
		RegimeMultiplier: b.volScale(),
		Confidence:       r.Confidence,
	}
	if req.WinRate <= 0 {
		req.WinRate = 0.5
	}
	result := b.sizer.CalculateSize(req)

	baseAllocation := b.config.BaseAllocationFraction * equityFloat / float64(b.config.Rotation.MaxPositions)
	allocation := math.Min(result.PositionSize.InexactFloat64(), baseAllocation)
	shares := math.Floor(allocation / price)
	if shares <= 0 {
		return
	}
	cost := decimal.NewFromFloat(shares * price)
	if cost.GreaterThan(b.cash) {
		shares = math.Floor(b.cash.InexactFloat64() / price)
		if shares <= 0 {
			b.errors.InsufficientFunds++
			b.logger.Warn("entry dropped: insufficient cash", zap.String("symbol", d.Symbol))
			return
		}
		cost = decimal.NewFromFloat(shares * price)
	}

	b.cash = b.cash.Sub(cost)
	b.positions.ExecuteDecision(d, price, shares, b.barIndex, r.Rank, r.Strength)
}

func (b *Backend) executeExit(symbol string, prices map[string]float64) (float64, bool) {
	pos, ok := b.positions.Positions()[symbol]
	if !ok {
		return 0, false
	}
	price, ok := prices[symbol]
	if !ok {
		price = pos.CurrentPrice
	}

	exitValue := decimal.NewFromFloat(pos.Shares * price)
	entryCost := decimal.NewFromFloat(pos.EntryCost)
	realizedPnL := exitValue.Sub(entryCost)

	b.cash = b.cash.Add(exitValue)
	b.realizedPnLCumulative = b.realizedPnLCumulative.Add(realizedPnL)
	b.tradePnLs = append(b.tradePnLs, realizedPnL)

	tradeID := utils.GenerateTradeID()
	pnlFloat, _ := realizedPnL.Float64()
	b.sizer.AddTradeResult(&sizing.TradeResult{
		Symbol:       symbol,
		Entry:        decimal.NewFromFloat(pos.EntryPrice),
		Exit:         decimal.NewFromFloat(price),
		ReturnPct:    pos.PnLPct,
		IsWin:        pnlFloat > 0,
		RiskTaken:    entryCost,
		RewardGained: realizedPnL,
	})

	// ExecuteDecision only inspects d.Kind for its branch, so any
	// exit-family kind clears the position the same way.
	b.positions.ExecuteDecision(rotation.Decision{Symbol: symbol, Kind: rotation.Exit}, price, pos.Shares, b.barIndex, 0, 0)
	b.logger.Info("position closed",
		zap.String("tradeId", tradeID),
		zap.String("symbol", symbol),
		zap.Float64("realizedPnL", pnlFloat))
	return pnlFloat, true
}

// volScale implements the §4.8 "Position sizing" adaptive volatility
// factor: favor larger size after recent wins, smaller after losses,
// bounded to [VolScaleMin, VolScaleMax].
func (b *Backend) volScale() float64 {
	stats := b.sizer.GetTradeStatistics()
	if stats.TotalTrades == 0 {
		return 1.0
	}
	scale := 1.0 + (stats.WinRate-0.5)
	if scale < b.config.VolScaleMin {
		scale = b.config.VolScaleMin
	}
	if scale > b.config.VolScaleMax {
		scale = b.config.VolScaleMax
	}
	return scale
}

// runLearningStep implements §4.8 step 9.
func (b *Backend) runLearningStep(bars map[string]types.Bar, realized map[string]float64) {
	for _, symbol := range b.symbols {
		bar, ok := bars[symbol]
		if !ok {
			continue
		}
		weight := 1.0
		if _, closed := realized[symbol]; closed {
			weight = 10.0
		}
		b.ensembles[symbol].OnBar(b.barIndex, bar.Close, weight)
	}
}

// checkAccountingInvariant implements §7 AccountingDrift and §8's
// capital invariant: reported, never fatal.
func (b *Backend) checkAccountingInvariant() {
	equity := b.equityLocked()
	drift := equity.Sub(b.config.StartingCapital).Sub(b.realizedPnLCumulative).Abs()
	if drift.GreaterThan(b.config.AccountingEpsilon) {
		b.errors.AccountingDrift++
		metrics.AccountingDrift.Inc()
		b.logger.Error("accounting invariant violated",
			zap.String("drift", drift.String()),
			zap.String("equity", equity.String()))
	}
}

func mustFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (b *Backend) snapshotLocked(current regime.Type) Snapshot {
	allocated, unrealized := decimal.Zero, decimal.Zero
	open := b.positions.Positions()
	for _, pos := range open {
		allocated = allocated.Add(decimal.NewFromFloat(pos.EntryCost))
		unrealized = unrealized.Add(decimal.NewFromFloat(pos.PnL))
	}
	equity := b.cash.Add(allocated).Add(unrealized)
	if equity.GreaterThan(b.peakEquity) {
		b.peakEquity = equity
	}
	drawdown := 0.0
	if b.peakEquity.GreaterThan(decimal.Zero) {
		drawdown, _ = b.peakEquity.Sub(equity).Div(b.peakEquity).Float64()
	}
	return Snapshot{
		BarIndex:              b.barIndex,
		Cash:                  b.cash,
		Allocated:             allocated,
		Unrealized:            unrealized,
		Equity:                equity,
		RealizedPnLCumulative: b.realizedPnLCumulative,
		PeakEquity:            b.peakEquity,
		Drawdown:              drawdown,
		CircuitBreaker:        b.circuitBreaker,
		Regime:                current,
		OpenPositions:         len(open),
		Errors:                b.errors,
	}
}

// Snapshot returns the current capital/market state, safe for
// concurrent observability reads (HTTP/metrics, §11).
func (b *Backend) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(b.regimeDet.Current().Regime)
}

// Positions returns a snapshot of currently open positions.
func (b *Backend) Positions() map[string]rotation.Position {
	return b.positions.Positions()
}

// RotationStats returns the position manager's cumulative statistics.
func (b *Backend) RotationStats() rotation.Stats {
	return b.positions.StatsSnapshot()
}

// RegimeState returns the current regime detector state.
func (b *Backend) RegimeState() regime.State {
	return b.regimeDet.Current()
}

// ParamManager exposes the regime parameter manager for operator
// inspection and persistence (LoadFromFile/SaveToFile, §4.5).
func (b *Backend) ParamManager() *regimeparams.Manager {
	return b.paramMgr
}
