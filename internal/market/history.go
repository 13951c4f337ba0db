package market

import (
	"fmt"
	"time"

	"tradesim/internal/domain"
)

// History returns up to count candles for the symbol at the requested
// interval, oldest first, ending with the current in-progress candle. The
// interval must be a whole multiple of the generator's base candle interval;
// coarser intervals aggregate whole base buckets.
func (g *Generator) History(symbol string, interval time.Duration, count int) ([]domain.Candle, error) {
	st, ok := g.states[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}
	base := g.opts.CandleInterval
	if interval == 0 {
		interval = base
	}
	if interval < base || interval%base != 0 {
		return nil, fmt.Errorf("interval %s must be a multiple of the base interval %s", interval, base)
	}

	st.mu.RLock()
	candles := make([]domain.Candle, len(st.history), len(st.history)+1)
	copy(candles, st.history)
	candles = append(candles, st.candle)
	st.mu.RUnlock()

	if interval > base {
		candles = Aggregate(candles, interval)
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// Aggregate folds base-interval candles into coarser buckets. Input must be
// ordered oldest first; the trailing bucket may be partial.
func Aggregate(candles []domain.Candle, interval time.Duration) []domain.Candle {
	if len(candles) == 0 {
		return nil
	}
	var out []domain.Candle
	for _, c := range candles {
		bucket := c.Time.Truncate(interval)
		if len(out) == 0 || out[len(out)-1].Time != bucket {
			c.Time = bucket
			out = append(out, c)
			continue
		}
		agg := &out[len(out)-1]
		if c.High > agg.High {
			agg.High = c.High
		}
		if c.Low < agg.Low {
			agg.Low = c.Low
		}
		agg.Close = c.Close
		agg.Volume += c.Volume
	}
	return out
}
