package market

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/domain"
)

// fakeClock is a manually advanced Clock so generator tests run with
// independent time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testInstrument() Instrument {
	return Instrument{
		Instrument: domain.Instrument{
			Symbol:            "ES",
			TickSize:          0.25,
			Multiplier:        50,
			MarginPerContract: 12000,
		},
		StartPrice: 4500,
		Volatility: 4,
	}
}

func newTestGenerator(t *testing.T, clock Clock, spreadTicks int) *Generator {
	t.Helper()
	g, err := NewGenerator(Options{
		TickInterval:   time.Millisecond,
		CandleInterval: time.Minute,
		SpreadTicks:    spreadTicks,
		Seed:           7,
		Clock:          clock,
	}, []Instrument{testInstrument()}, nil)
	require.NoError(t, err)
	return g
}

func TestAdvanceSnapsToTickGrid(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	g := newTestGenerator(t, clock, 1)

	for i := 0; i < 500; i++ {
		tick, err := g.Advance("ES")
		require.NoError(t, err)
		assert.Equal(t, tick.Price, Round(tick.Price, 0.25), "price off the tick grid")
		assert.Positive(t, tick.Price)
	}
}

func TestAdvanceBidAskSpread(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	g := newTestGenerator(t, clock, 1)

	tick, err := g.Advance("ES")
	require.NoError(t, err)
	assert.InDelta(t, tick.Price-0.25, tick.Bid, 1e-9)
	assert.InDelta(t, tick.Price+0.25, tick.Ask, 1e-9)

	// Zero spread collapses bid/ask onto the tick price.
	g0 := newTestGenerator(t, clock, 0)
	tick, err = g0.Advance("ES")
	require.NoError(t, err)
	assert.Equal(t, tick.Price, tick.Bid)
	assert.Equal(t, tick.Price, tick.Ask)
}

func TestCandleMutatesInPlace(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	g := newTestGenerator(t, clock, 0)

	bucket := clock.Now().Truncate(time.Minute)
	var high, low float64
	for i := 0; i < 50; i++ {
		clock.Advance(time.Second)
		tick, err := g.Advance("ES")
		require.NoError(t, err)
		require.Equal(t, bucket, tick.Candle.Time, "bucket must not roll inside the minute")
		if high == 0 || tick.Price > high {
			high = tick.Price
		}
		if low == 0 || tick.Price < low {
			low = tick.Price
		}
		assert.Equal(t, tick.Price, tick.Candle.Close)
		assert.GreaterOrEqual(t, tick.Candle.High, high)
		assert.LessOrEqual(t, tick.Candle.Low, low)
	}
}

func TestCandleRollover(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))

	var frozen []domain.Candle
	g, err := NewGenerator(Options{
		TickInterval:   time.Millisecond,
		CandleInterval: time.Minute,
		Seed:           7,
		Clock:          clock,
		OnCandleClose:  func(c domain.Candle) { frozen = append(frozen, c) },
	}, []Instrument{testInstrument()}, nil)
	require.NoError(t, err)

	first, err := g.Advance("ES")
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	next, err := g.Advance("ES")
	require.NoError(t, err)

	require.Len(t, frozen, 1, "bucket boundary should freeze exactly one candle")
	assert.Equal(t, first.Candle.Close, frozen[0].Close)
	// New candle opens at the previous close.
	assert.Equal(t, frozen[0].Close, next.Candle.Open)
	assert.True(t, next.Candle.Time.After(frozen[0].Time))
}

func TestHistoryAggregation(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	g := newTestGenerator(t, clock, 0)

	// Walk through 10 one-minute buckets.
	for i := 0; i < 10*6; i++ {
		clock.Advance(10 * time.Second)
		_, err := g.Advance("ES")
		require.NoError(t, err)
	}

	base, err := g.History("ES", time.Minute, 100)
	require.NoError(t, err)
	require.Greater(t, len(base), 5)

	fives, err := g.History("ES", 5*time.Minute, 100)
	require.NoError(t, err)
	require.NotEmpty(t, fives)
	assert.Less(t, len(fives), len(base))
	for _, c := range fives {
		assert.Equal(t, c.Time, c.Time.Truncate(5*time.Minute))
		assert.GreaterOrEqual(t, c.High, c.Low)
	}

	// Sum of volume is preserved by aggregation.
	var baseVol, fiveVol int64
	for _, c := range base {
		baseVol += c.Volume
	}
	for _, c := range fives {
		fiveVol += c.Volume
	}
	assert.Equal(t, baseVol, fiveVol)

	_, err = g.History("ES", 90*time.Second, 10)
	assert.Error(t, err, "non-multiple interval must be rejected")
	_, err = g.History("NQ", time.Minute, 10)
	assert.Error(t, err, "unknown symbol must be rejected")
}

func TestHistoryCount(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	g := newTestGenerator(t, clock, 0)

	for i := 0; i < 30; i++ {
		clock.Advance(time.Minute)
		_, err := g.Advance("ES")
		require.NoError(t, err)
	}

	candles, err := g.History("ES", time.Minute, 5)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].Time.After(candles[i-1].Time), "history must be ordered oldest first")
	}
}

func TestSubscribeFanOut(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	g := newTestGenerator(t, clock, 0)

	ch, cancel := g.Subscribe(8)
	defer cancel()

	want, err := g.Advance("ES")
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, want.Price, got.Price)
		assert.Equal(t, "ES", got.Symbol)
	case <-time.After(time.Second):
		t.Fatal("no tick delivered to subscriber")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open, "cancel should close the channel")
}

func TestDeterministicForSeed(t *testing.T) {
	run := func() []float64 {
		clock := newFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
		g := newTestGenerator(t, clock, 0)
		var prices []float64
		for i := 0; i < 20; i++ {
			tick, err := g.Advance("ES")
			require.NoError(t, err)
			prices = append(prices, tick.Price)
		}
		return prices
	}
	assert.Equal(t, run(), run(), "same seed must produce the same walk")
}

func TestLastAndUnknownSymbol(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	g := newTestGenerator(t, clock, 1)

	tick, err := g.Advance("ES")
	require.NoError(t, err)

	last, err := g.Last("ES")
	require.NoError(t, err)
	assert.Equal(t, tick.Price, last.Price)

	_, err = g.Advance("NQ")
	assert.Error(t, err)
	_, err = g.Last("NQ")
	assert.Error(t, err)
}
