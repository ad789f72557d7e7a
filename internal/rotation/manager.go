// Package rotation implements the rotation-based position manager: it
// opens, holds, exits, and rotates concurrent positions across a symbol
// universe according to ranked signal strength, subject to capacity and
// cooldown hysteresis.
package rotation

import (
	"sync"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/ensemble"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/signalrank"
	"go.uber.org/zap"
)

// Direction is the side of an open position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// DecisionKind is the taxonomy of per-symbol decisions a bar can emit
// (§4.7).
type DecisionKind string

const (
	Hold         DecisionKind = "HOLD"
	EnterLong    DecisionKind = "ENTER_LONG"
	EnterShort   DecisionKind = "ENTER_SHORT"
	Exit         DecisionKind = "EXIT"
	RotateOut    DecisionKind = "ROTATE_OUT"
	ProfitTarget DecisionKind = "PROFIT_TARGET"
	StopLoss     DecisionKind = "STOP_LOSS"
	EODExit      DecisionKind = "EOD_EXIT"
)

// Decision is one symbol's action for the current bar.
type Decision struct {
	Symbol    string
	Kind      DecisionKind
	Direction Direction // meaningful for ENTER_* decisions
	RotateIn  string    // for ROTATE_OUT: the symbol entering to replace it
}

// Position tracks one open position (§3).
type Position struct {
	Symbol          string
	Direction       Direction
	EntryPrice      float64
	EntryBarID      int64
	EntryRank       int
	EntryStrength   float64
	CurrentPrice    float64
	CurrentRank     int
	CurrentStrength float64
	BarsHeld        int
	Shares          float64
	EntryCost       float64
	PnL             float64
	PnLPct          float64
	barsAbsent      int
}

// Config configures the rotation manager's thresholds (§6 configuration
// options relevant to C7).
type Config struct {
	MaxPositions            int     `json:"maxPositions"`
	MinHoldBars             int     `json:"minHoldBars"`
	ProfitTargetPct         float64 `json:"profitTargetPct"`
	StopLossPct             float64 `json:"stopLossPct"`
	MinStrengthToEnter      float64 `json:"minStrengthToEnter"`
	MinStrengthToExit       float64 `json:"minStrengthToExit"`
	MinRankToHold           int     `json:"minRankToHold"`
	RotationStrengthDelta   float64 `json:"rotationStrengthDelta"`
	RotationCooldownBars    int     `json:"rotationCooldownBars"`
	ExitCooldownBars        int     `json:"exitCooldownBars"`
	EODExitTimeMinutes      int     `json:"eodExitTimeMinutes"`
	EntryBlackoutMinutes    int     `json:"entryBlackoutMinutes"` // blocks entries this close to EOD
	WarmupBars              int     `json:"warmupBars"`           // absent-signal handling (§4.7 step 1)
	StrengthDecayWhenAbsent float64 `json:"strengthDecayWhenAbsent"`
}

// DefaultConfig returns the standard rotation configuration.
func DefaultConfig() Config {
	return Config{
		MaxPositions:            5,
		MinHoldBars:             30,
		ProfitTargetPct:         0.03,
		StopLossPct:             0.02,
		MinStrengthToEnter:      0.15,
		MinStrengthToExit:       0.08,
		MinRankToHold:           10,
		RotationStrengthDelta:   0.10,
		RotationCooldownBars:    20,
		ExitCooldownBars:        10,
		EODExitTimeMinutes:      389, // last minute of a 390-minute session
		EntryBlackoutMinutes:    30,
		WarmupBars:              200,
		StrengthDecayWhenAbsent: 0.95,
	}
}

// Stats accumulates per-session counters (§3 Portfolio statistics).
type Stats struct {
	Entries       int
	Exits         int
	Rotations     int
	ProfitTargets int
	StopLosses    int
	EODExits      int
	Holds         int
	sumBarsHeld   int
	sumPnLPct     float64
	closedCount   int
}

// AvgBarsHeld returns the mean bars-held across closed positions.
func (s Stats) AvgBarsHeld() float64 {
	if s.closedCount == 0 {
		return 0
	}
	return float64(s.sumBarsHeld) / float64(s.closedCount)
}

// AvgPnLPct returns the mean realized P&L percentage across closed positions.
func (s Stats) AvgPnLPct() float64 {
	if s.closedCount == 0 {
		return 0
	}
	return s.sumPnLPct / float64(s.closedCount)
}

// Manager owns all open positions and cooldown state. The RWMutex
// guards concurrent inspection reads from the backend's API surface
// against the per-bar mutation path, which is itself single-threaded
// per the core's scheduling model (§5).
type Manager struct {
	logger *zap.Logger
	config Config

	mu               sync.RWMutex
	positions        map[string]*Position
	exitCooldown     map[string]int
	rotationCooldown map[string]int
	stats            Stats
}

// New constructs a rotation Manager.
func New(logger *zap.Logger, config Config) *Manager {
	m := &Manager{
		logger:           logger.Named("rotation"),
		config:           config,
		positions:        make(map[string]*Position),
		exitCooldown:     make(map[string]int),
		rotationCooldown: make(map[string]int),
	}
	m.logger.Info("rotation manager constructed",
		zap.Int("maxPositions", config.MaxPositions),
		zap.Int("minHoldBars", config.MinHoldBars))
	return m
}

// Evaluate runs the full per-bar procedure (§4.7 steps 1-5) and returns
// the decisions for this bar. currentTimeMinutes is minutes since
// session open; barIndex is the global bar counter used for warmup
// gating.
func (m *Manager) Evaluate(ranked []signalrank.Ranked, currentPrices map[string]float64, currentTimeMinutes int, barIndex int64) []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickCooldowns()
	bySymbol := indexRanked(ranked)
	m.markToMarket(bySymbol, currentPrices, barIndex)

	var decisions []Decision
	exited := make(map[string]bool)

	eod := currentTimeMinutes >= m.config.EODExitTimeMinutes

	for symbol, pos := range m.positions {
		kind := m.evaluateExit(pos, eod)
		if kind == Hold {
			m.stats.Holds++
			decisions = append(decisions, Decision{Symbol: symbol, Kind: Hold})
			continue
		}
		decisions = append(decisions, Decision{Symbol: symbol, Kind: kind})
		m.exitCooldown[symbol] = m.config.ExitCooldownBars
		exited[symbol] = true
		m.recordExitStats(kind, pos)
	}

	openAfterExits := len(m.positions) - len(exited)
	availableSlots := m.config.MaxPositions - openAfterExits
	blackout := currentTimeMinutes >= m.config.EODExitTimeMinutes-m.config.EntryBlackoutMinutes

	if !eod && !blackout && availableSlots > 0 {
		var entryDecisions []Decision
		entryDecisions, availableSlots = m.evaluateEntries(ranked, currentPrices, exited, availableSlots)
		decisions = append(decisions, entryDecisions...)
	}

	if !eod && !blackout && availableSlots <= 0 {
		if rot := m.evaluateRotation(ranked, exited); rot != nil {
			decisions = append(decisions, *rot)
		}
	}

	return decisions
}

func indexRanked(ranked []signalrank.Ranked) map[string]signalrank.Ranked {
	out := make(map[string]signalrank.Ranked, len(ranked))
	for _, r := range ranked {
		out[r.Symbol] = r
	}
	return out
}

func (m *Manager) tickCooldowns() {
	for s, c := range m.exitCooldown {
		if c > 0 {
			m.exitCooldown[s] = c - 1
		}
	}
	for s, c := range m.rotationCooldown {
		if c > 0 {
			m.rotationCooldown[s] = c - 1
		}
	}
}

// markToMarket implements §4.7 step 1.
func (m *Manager) markToMarket(bySymbol map[string]signalrank.Ranked, prices map[string]float64, barIndex int64) {
	for symbol, pos := range m.positions {
		if price, ok := prices[symbol]; ok {
			pos.CurrentPrice = price
		}
		pos.BarsHeld++
		pos.PnL, pos.PnLPct = computePnL(pos)

		if r, ok := bySymbol[symbol]; ok {
			pos.CurrentRank = r.Rank
			pos.CurrentStrength = r.Strength
			pos.barsAbsent = 0
			continue
		}

		pos.barsAbsent++
		if barIndex <= int64(m.config.WarmupBars) {
			continue // keep previous rank/strength unchanged during warmup
		}
		pos.CurrentStrength *= m.config.StrengthDecayWhenAbsent
		if pos.CurrentStrength < m.config.MinStrengthToHold() {
			pos.CurrentRank = sentinelRank
		}
	}
}

// sentinelRank forces a rank-exit on the next evaluation when a
// position's signal has decayed away entirely (§4.7 step 1).
const sentinelRank = 1 << 30

// MinStrengthToHold is the floor below which an absent signal's decayed
// strength forces a rank-exit; defined in terms of the exit threshold so
// a position is never held below the level at which a present signal
// would itself trigger a strength exit.
func (c Config) MinStrengthToHold() float64 {
	return c.MinStrengthToExit
}

func computePnL(pos *Position) (pnl, pnlPct float64) {
	switch pos.Direction {
	case Long:
		pnl = pos.Shares * (pos.CurrentPrice - pos.EntryPrice)
	case Short:
		pnl = pos.Shares * (pos.EntryPrice - pos.CurrentPrice)
	}
	if pos.EntryCost != 0 {
		pnlPct = pnl / pos.EntryCost
	}
	return pnl, pnlPct
}

// evaluateExit implements the §4.7 step 2 precedence list.
func (m *Manager) evaluateExit(pos *Position, eod bool) DecisionKind {
	if eod {
		return EODExit
	}
	if pos.PnLPct <= -m.config.StopLossPct {
		return StopLoss
	}
	if pos.BarsHeld < m.config.MinHoldBars {
		return Hold
	}
	if pos.PnLPct >= m.config.ProfitTargetPct {
		return ProfitTarget
	}
	if pos.CurrentRank > m.config.MinRankToHold {
		return Exit
	}
	if pos.CurrentStrength < m.config.MinStrengthToExit {
		return Exit
	}
	return Hold
}

func (m *Manager) recordExitStats(kind DecisionKind, pos *Position) {
	m.stats.Exits++
	m.stats.sumBarsHeld += pos.BarsHeld
	m.stats.sumPnLPct += pos.PnLPct
	m.stats.closedCount++
	switch kind {
	case ProfitTarget:
		m.stats.ProfitTargets++
	case StopLoss:
		m.stats.StopLosses++
	case EODExit:
		m.stats.EODExits++
	}
}

// evaluateEntries implements §4.7 step 4. Returns the entry decisions
// and the number of slots remaining after the scan.
func (m *Manager) evaluateEntries(ranked []signalrank.Ranked, prices map[string]float64, exited map[string]bool, availableSlots int) ([]Decision, int) {
	var decisions []Decision

	for _, r := range ranked {
		if availableSlots <= 0 {
			break
		}
		if _, open := m.positions[r.Symbol]; open && !exited[r.Symbol] {
			continue
		}
		if c := m.rotationCooldown[r.Symbol]; c > 0 {
			continue
		}
		if c := m.exitCooldown[r.Symbol]; c > 0 {
			continue
		}
		if r.Strength < m.config.MinStrengthToEnter || r.Rank > m.config.MinRankToHold {
			break // sorted descending: no weaker downstream signal can qualify
		}
		price, ok := prices[r.Symbol]
		if !ok || price <= 0 || price > 1_000_000 {
			continue
		}

		direction := Long
		if r.Type == ensemble.SignalShort {
			direction = Short
		}
		kind := EnterLong
		if direction == Short {
			kind = EnterShort
		}
		decisions = append(decisions, Decision{Symbol: r.Symbol, Kind: kind, Direction: direction})
		availableSlots--
		m.stats.Entries++
	}

	return decisions, availableSlots
}

// evaluateRotation implements §4.7 step 5: at most one rotation per bar.
func (m *Manager) evaluateRotation(ranked []signalrank.Ranked, exited map[string]bool) *Decision {
	var weakestSymbol string
	var weakestStrength = 1e18
	for symbol, pos := range m.positions {
		if exited[symbol] {
			continue
		}
		if pos.CurrentStrength < weakestStrength {
			weakestStrength = pos.CurrentStrength
			weakestSymbol = symbol
		}
	}
	if weakestSymbol == "" {
		return nil
	}

	for _, r := range ranked {
		if _, open := m.positions[r.Symbol]; open {
			continue
		}
		if exited[r.Symbol] {
			continue
		}
		if m.rotationCooldown[r.Symbol] > 0 || m.exitCooldown[r.Symbol] > 0 {
			continue
		}
		if r.Strength-weakestStrength >= m.config.RotationStrengthDelta {
			m.rotationCooldown[weakestSymbol] = m.config.RotationCooldownBars
			m.stats.Rotations++
			return &Decision{Symbol: weakestSymbol, Kind: RotateOut, RotateIn: r.Symbol}
		}
	}
	return nil
}

// ExecuteDecision updates internal position bookkeeping after an
// external fill. The manager never mutates its position map on its
// own initiative — the backend calls this only after the broker oracle
// confirms the fill (§4.7 final paragraph).
func (m *Manager) ExecuteDecision(d Decision, fillPrice float64, shares float64, barID int64, rank int, strength float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch d.Kind {
	case EnterLong, EnterShort:
		m.positions[d.Symbol] = &Position{
			Symbol:          d.Symbol,
			Direction:       d.Direction,
			EntryPrice:      fillPrice,
			EntryBarID:      barID,
			EntryRank:       rank,
			EntryStrength:   strength,
			CurrentPrice:    fillPrice,
			CurrentRank:     rank,
			CurrentStrength: strength,
			Shares:          shares,
			EntryCost:       shares * fillPrice,
		}
	case Exit, RotateOut, ProfitTarget, StopLoss, EODExit:
		delete(m.positions, d.Symbol)
		delete(m.exitCooldown, d.Symbol)
	}
}

// Positions returns a snapshot of currently open positions.
func (m *Manager) Positions() map[string]Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Position, len(m.positions))
	for s, p := range m.positions {
		out[s] = *p
	}
	return out
}

// OpenCount returns the number of currently open positions.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Stats returns a snapshot of session statistics.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
