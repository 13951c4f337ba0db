// Package market generates the synthetic per-instrument price stream: a
// seeded random walk snapped to the instrument's tick grid, bucketed into
// OHLCV candles, fanned out to subscribers.
package market

import "math"

// Round snaps a price to the instrument's tick grid using round-half-up.
// It is idempotent: Round(Round(x)) == Round(x), and it never moves a price
// by more than half a tick. A non-positive tick returns the price unchanged.
func Round(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	steps := math.Floor(price/tick + 0.5)
	return steps * tick
}
