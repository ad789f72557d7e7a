// Package tradeerrors defines the sentinel errors shared across the
// prediction, regime, and rotation packages. Callers should match on
// these with errors.Is rather than string comparison.
package tradeerrors

import "errors"

var (
	// ErrNotReady is returned by a component that has not yet accumulated
	// enough observations to produce a result (e.g. an EWRLS predictor
	// before its warm-up window has elapsed).
	ErrNotReady = errors.New("tradeerrors: component not ready")

	// ErrNumericalDegeneracy is returned when an internal matrix or
	// statistic has degraded past a recoverable point and the caller
	// should reset state rather than trust the output.
	ErrNumericalDegeneracy = errors.New("tradeerrors: numerical degeneracy detected")

	// ErrInsufficientFunds is returned when an entry or rotation would
	// require more cash than is currently available.
	ErrInsufficientFunds = errors.New("tradeerrors: insufficient funds")

	// ErrInvalidBar is returned when an incoming bar fails validation
	// (non-monotonic timestamp, non-positive price, negative volume).
	ErrInvalidBar = errors.New("tradeerrors: invalid bar")

	// ErrSchemaMismatch is returned when a persisted artifact (regime
	// parameter file, model snapshot) does not match the schema the
	// loading component expects.
	ErrSchemaMismatch = errors.New("tradeerrors: schema mismatch")

	// ErrAccountingDrift is returned when the capital accounting
	// invariant (cash + allocated + unrealized - realized - starting)
	// exceeds the configured tolerance.
	ErrAccountingDrift = errors.New("tradeerrors: capital accounting drift exceeded tolerance")

	// ErrCapacityExceeded is returned when an entry is rejected because
	// the portfolio is already at its maximum concurrent position count.
	ErrCapacityExceeded = errors.New("tradeerrors: position capacity exceeded")

	// ErrCircuitBreakerLatched is returned when an entry is rejected
	// because the circuit breaker has tripped and latched closed.
	ErrCircuitBreakerLatched = errors.New("tradeerrors: circuit breaker latched")

	// ErrUnknownRegime is returned when a regime parameter lookup is
	// given a regime label the manager has no bundle for and the
	// built-in fallback chain is exhausted.
	ErrUnknownRegime = errors.New("tradeerrors: unknown regime")

	// ErrUnknownSymbol is returned when an operation references a
	// symbol that is not tracked by the component.
	ErrUnknownSymbol = errors.New("tradeerrors: unknown symbol")
)
