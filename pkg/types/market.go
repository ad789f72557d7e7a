package types

import "time"

// Bar is a single fixed-interval price bar consumed by the feature
// engine, predictors, and regime detector. Unlike OHLCV, prices here are
// float64: the estimation path (C1-C4) is numerically intensive and
// never touches cash accounting, so decimal.Decimal would only add
// conversion overhead without protecting anything.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Prediction is a single horizon's output from an EWRLS predictor,
// consumed by the ensemble.
type Prediction struct {
	Horizon    int     `json:"horizon"`
	YHat       float64 `json:"yHat"`
	Confidence float64 `json:"confidence"`
}

// EnsembleSignal is the ensemble's blended output for one symbol at one
// bar close, consumed by the signal ranker.
type EnsembleSignal struct {
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"timestamp"`
	YStar       float64   `json:"yStar"`
	Probability float64   `json:"probability"`
	Agreement   float64   `json:"agreement"`
	Weights     []float64 `json:"weights"`
}

// RankedSignal is an EnsembleSignal after cross-sectional ranking, ready
// for consumption by the rotation position manager.
type RankedSignal struct {
	EnsembleSignal
	Rank     int     `json:"rank"`
	Strength float64 `json:"strength"`
}
