package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Game constants
// ──────────────────────────────────────────────────────────────────────────────

const (
	// MaxRowIndex bounds the row space: rows live in [0, MaxRowIndex].
	MaxRowIndex = 13.0

	// CenterRowIndex is where a round starts (price == startPrice).
	CenterRowIndex = 6.5

	// PriceSensitivity scales relative price movement into rows:
	// a 1% price rise moves 10 rows toward row 0.
	PriceSensitivity = 1000.0

	// HouseEdge is the margin kept out of the fair multiplier.
	HouseEdge = 0.08

	// MinMultiplier and MaxMultiplier clamp the computed multiplier.
	MinMultiplier = 1.01
	MaxMultiplier = 100.0

	// HitTimeTolerance is the ± window (seconds) around targetTime inside
	// which a row sweep counts as a hit.
	HitTimeTolerance = 0.5

	// MissTimeBuffer is how far (seconds) elapsed may pass targetTime
	// before a still-unhit bet is declared lost.
	MissTimeBuffer = 0.6

	// MinTargetTimeOffset is the minimum lead (seconds) a target must keep
	// ahead of the current elapsed time at admission.
	MinTargetTimeOffset = 0.5

	// rowSigmaBase scales the Gaussian spread of the hit probability with
	// the square root of remaining time (diffusion model).
	rowSigmaBase = 1.2

	// minHitProbability floors P(hit) so the multiplier clamp, not a
	// division blow-up, bounds long-shot bets.
	minHitProbability = 1e-4
)

// ──────────────────────────────────────────────────────────────────────────────
// Row trajectory
// ──────────────────────────────────────────────────────────────────────────────

// RowForPrice maps a live price onto the row space relative to the round's
// start price:
//
//	row = clamp(6.5 − (price/startPrice − 1) × PriceSensitivity, 0, 13)
//
// Rising prices sweep toward row 0, falling prices toward row 13.
// Returns CenterRowIndex when startPrice is zero (no trajectory yet).
func RowForPrice(price, startPrice decimal.Decimal) float64 {
	if startPrice.IsZero() {
		return CenterRowIndex
	}
	rel, _ := price.Div(startPrice).Float64()
	row := CenterRowIndex - (rel-1)*PriceSensitivity
	return ClampRow(row)
}

// ClampRow bounds a row value into [0, MaxRowIndex].
func ClampRow(row float64) float64 {
	if row < 0 {
		return 0
	}
	if row > MaxRowIndex {
		return MaxRowIndex
	}
	return row
}

// ValidRow reports whether a client-supplied target row is usable.
func ValidRow(row float64) bool {
	return !math.IsNaN(row) && !math.IsInf(row, 0) && row >= 0 && row <= MaxRowIndex
}

// ──────────────────────────────────────────────────────────────────────────────
// Multiplier model
// ──────────────────────────────────────────────────────────────────────────────

// HitProbability estimates the chance that the trajectory sweeps targetRow
// at the target time, given the current row and the remaining seconds.
//
// The model is a Gaussian decay in row distance whose spread widens with the
// square root of remaining time: near targets reached soon are near-certain,
// distant targets on short notice are long shots.
func HitProbability(currentRow, targetRow, timeToTarget float64) float64 {
	if timeToTarget < MinTargetTimeOffset {
		timeToTarget = MinTargetTimeOffset
	}
	dist := math.Abs(targetRow - currentRow)
	sigma := rowSigmaBase * math.Sqrt(timeToTarget)
	p := math.Exp(-(dist * dist) / (2 * sigma * sigma))
	if p < minHitProbability {
		return minHitProbability
	}
	if p > 1 {
		return 1
	}
	return p
}

// MultiplierFor computes the server-side payout multiplier for a target:
//
//	multiplier = clamp(1.01 … 100, (1 − HouseEdge) / P(hit))
//
// rounded to 4 decimal places. Clients never supply multipliers.
func MultiplierFor(currentRow, targetRow, timeToTarget float64) decimal.Decimal {
	p := HitProbability(currentRow, targetRow, timeToTarget)
	m := (1 - HouseEdge) / p
	if m < MinMultiplier {
		m = MinMultiplier
	}
	if m > MaxMultiplier {
		m = MaxMultiplier
	}
	return decimal.NewFromFloat(m).Round(4)
}

// ──────────────────────────────────────────────────────────────────────────────
// Hit detection
// ──────────────────────────────────────────────────────────────────────────────

// RowWindowContains reports whether targetRow lies inside the swept window
// [min(prevRow,currentRow) − tol, max(prevRow,currentRow) + tol]. The window
// spans both rows so a fast tick cannot jump over a target between frames.
func RowWindowContains(prevRow, currentRow, targetRow, tol float64) bool {
	lo := math.Min(prevRow, currentRow) - tol
	hi := math.Max(prevRow, currentRow) + tol
	return targetRow >= lo && targetRow <= hi
}

// ValidAmount reports whether a stake is a usable money amount: finite,
// positive, within [min, max], and representable in cents.
func ValidAmount(amount, min, max decimal.Decimal) bool {
	if amount.IsZero() || amount.IsNegative() {
		return false
	}
	if amount.LessThan(min) || amount.GreaterThan(max) {
		return false
	}
	// Representable in cents: rounding to 2 dp must not change the value.
	return amount.Equal(amount.Round(2))
}
