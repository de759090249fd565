// Package sizing holds the pure position-sizing and precision rules for the
// execution engine. No I/O, no state: every function is deterministic so the
// risk math can be tested without a venue.
package sizing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrZeroStopDistance is returned when entry and stop coincide, which would
// make the risk formula divide by zero.
var ErrZeroStopDistance = errors.New("stop distance is zero")

// ErrNonPositiveSize is returned when the computed size rounds to nothing.
var ErrNonPositiveSize = errors.New("computed size is not positive")

const (
	// maxSigFigs is the venue's significant-figure cap on prices.
	maxSigFigs = 5
	// priceDecimalBudget: a perp price may carry at most 6−szDecimals
	// decimal places.
	priceDecimalBudget = 6
)

// RiskSize computes the position size that risks riskFrac of equity between
// entry and stop: size = (equity × riskFrac) / |entry − stop|.
func RiskSize(equity, riskFrac, entry, stop float64) (float64, error) {
	dist := math.Abs(entry - stop)
	if dist == 0 {
		return 0, ErrZeroStopDistance
	}
	size := equity * riskFrac / dist
	if size <= 0 {
		return 0, ErrNonPositiveSize
	}
	return size, nil
}

// CapLeverage scales size down so notional never exceeds equity × maxLev.
// It only ever shrinks the size.
func CapLeverage(size, entry, equity, maxLev float64) float64 {
	if entry <= 0 || equity <= 0 || maxLev <= 0 {
		return size
	}
	if size*entry > equity*maxLev {
		return equity * maxLev / entry
	}
	return size
}

// RiskFraction maps a 1..5 confidence score to a 1%..5% risk fraction,
// falling back to the unit's configured risk when the score is absent or out
// of range.
func RiskFraction(confidence *int, fallback float64) float64 {
	if confidence != nil && *confidence >= 1 && *confidence <= 5 {
		return float64(*confidence) * 0.01
	}
	return fallback
}

// DefaultStop places a safety stop at a relative distance from entry when the
// signal carries none.
func DefaultStop(entry, dist float64, isLong bool) float64 {
	if isLong {
		return entry * (1 - dist)
	}
	return entry * (1 + dist)
}

// RoundSize truncates a size toward zero at the instrument's size-decimal
// precision. Rounding up could exceed the risk budget or the venue's
// precision, so excess digits are always dropped.
func RoundSize(size float64, szDecimals int) float64 {
	f, _ := decimal.NewFromFloat(size).Truncate(int32(szDecimals)).Float64()
	return f
}

// RoundPrice rounds a price to the stricter of the venue's two caps:
// at most 5 significant figures, and at most 6−szDecimals decimal places.
// Sig figs dominate for expensive assets, the decimal budget for cheap
// high-precision ones.
// Idempotent: an already-valid price passes through unchanged.
func RoundPrice(px float64, szDecimals int) float64 {
	if px == 0 {
		return 0
	}

	magnitude := int(math.Floor(math.Log10(math.Abs(px))))
	sigFigDecimals := maxSigFigs - 1 - magnitude
	maxDecimals := priceDecimalBudget - szDecimals

	places := sigFigDecimals
	if maxDecimals < places {
		places = maxDecimals
	}

	// Negative allowance rounds into the integer digits (e.g. 1234567 → 1234600).
	f, _ := decimal.NewFromFloat(px).Round(int32(places)).Float64()
	return f
}

// IsStale reports whether the quoted entry has drifted more than threshold
// away from the current mid, relative to the mid.
func IsStale(entry, mid, threshold float64) bool {
	if mid <= 0 {
		return false
	}
	return math.Abs(entry-mid)/mid > threshold
}

// AnchorStop re-anchors a stop to the current mid while preserving the
// signal's absolute entry−stop distance, so the configured risk percentage
// survives a market-order fallback at a drifted price.
func AnchorStop(mid, entry, stop float64, isLong bool) float64 {
	dist := math.Abs(entry - stop)
	if isLong {
		return mid - dist
	}
	return mid + dist
}

// SplitTargets divides a position evenly across n target legs. Every leg is
// truncated to szDecimals; the last leg absorbs the rounding remainder so the
// legs sum to exactly the rounded total. Legs that truncate to zero come back
// as zero and must be skipped by the caller.
func SplitTargets(size float64, n, szDecimals int) []float64 {
	if n <= 0 {
		return nil
	}

	total := decimal.NewFromFloat(size)
	partial := total.Div(decimal.NewFromInt(int64(n))).Truncate(int32(szDecimals))

	legs := make([]float64, n)
	for i := 0; i < n-1; i++ {
		legs[i], _ = partial.Float64()
	}

	last := total.Sub(partial.Mul(decimal.NewFromInt(int64(n - 1)))).Truncate(int32(szDecimals))
	legs[n-1], _ = last.Float64()
	return legs
}
