package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{4500.10, 0.25, 4500.00},
		{4500.125, 0.25, 4500.25}, // exact half rounds up
		{4500.13, 0.25, 4500.25},
		{4500.25, 0.25, 4500.25},
		{77.984, 0.01, 77.98},
		{77.985, 0.01, 77.99},
		{2050.04, 0.10, 2050.00},
		{2050.05, 0.10, 2050.10},
		{38000.4, 1, 38000},
		{38000.5, 1, 38001},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Round(tt.price, tt.tick), 1e-9, "Round(%v, %v)", tt.price, tt.tick)
	}
}

func TestRoundIdempotent(t *testing.T) {
	ticks := []float64{0.25, 0.01, 0.10, 1}
	for _, tick := range ticks {
		for _, price := range []float64{4499.87, 4500.1249, 0.003, 12345.678, 78.005} {
			once := Round(price, tick)
			twice := Round(once, tick)
			assert.Equal(t, once, twice, "Round not idempotent for price=%v tick=%v", price, tick)
		}
	}
}

func TestRoundNeverMovesMoreThanHalfTick(t *testing.T) {
	for _, tick := range []float64{0.25, 0.01, 0.10, 1} {
		for _, price := range []float64{4499.87, 4500.13, 78.004, 2050.05, 37999.49} {
			moved := math.Abs(Round(price, tick) - price)
			assert.LessOrEqual(t, moved, tick/2+1e-9, "price=%v tick=%v", price, tick)
		}
	}
}

func TestRoundZeroTick(t *testing.T) {
	assert.Equal(t, 4500.13, Round(4500.13, 0))
}
