package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"tradesim/internal/domain"
)

// Clock abstracts time for the generator so tests can run with independent,
// manually advanced clocks.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock is the wall-clock Clock used outside of tests.
var SystemClock Clock = realClock{}

// Instrument pairs the static contract configuration with the simulation
// parameters for its price walk.
type Instrument struct {
	domain.Instrument
	StartPrice float64
	Volatility float64 // max per-tick move, in ticks
}

// Options configures a Generator.
type Options struct {
	TickInterval   time.Duration
	CandleInterval time.Duration
	SpreadTicks    int
	HistoryLimit   int // frozen candles kept per symbol; 0 means 1440
	Seed           int64
	Clock          Clock
	// OnCandleClose, when set, receives every frozen candle. It is invoked
	// from the instrument's own loop and must not block.
	OnCandleClose func(domain.Candle)
}

// state is the mutable per-instrument simulation state. Only the instrument's
// loop goroutine writes it; readers take the lock.
type state struct {
	mu      sync.RWMutex
	instr   Instrument
	rng     *rand.Rand
	last    domain.PriceTick
	candle  domain.Candle
	history []domain.Candle
}

// Generator produces the synthetic price stream for a set of instruments.
// Each instrument runs an independent loop; one instrument failing or
// stalling never affects the others.
type Generator struct {
	opts   Options
	log    *slog.Logger
	states map[string]*state

	subMu sync.Mutex
	subs  map[chan domain.PriceTick]struct{}

	stop   chan struct{}
	done   sync.WaitGroup
	runMu  sync.Mutex
	active bool
}

// NewGenerator creates a Generator for the given instruments. The price walk
// is deterministic for a fixed seed; seed 0 selects a time-based seed.
func NewGenerator(opts Options, instruments []Instrument, log *slog.Logger) (*Generator, error) {
	if opts.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive")
	}
	if opts.CandleInterval <= 0 {
		return nil, fmt.Errorf("candle interval must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1440
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = slog.Default()
	}

	g := &Generator{
		opts:   opts,
		log:    log,
		states: make(map[string]*state, len(instruments)),
		subs:   make(map[chan domain.PriceTick]struct{}),
	}

	for i, instr := range instruments {
		if instr.Symbol == "" || instr.TickSize <= 0 || instr.StartPrice <= 0 {
			return nil, fmt.Errorf("instrument %q: bad simulation config", instr.Symbol)
		}
		start := Round(instr.StartPrice, instr.TickSize)
		now := opts.Clock.Now()
		st := &state{
			instr: instr,
			// Offset per-instrument so walks differ under one seed.
			rng: rand.New(rand.NewSource(seed + int64(i))),
			candle: domain.Candle{
				Symbol: instr.Symbol,
				Time:   now.Truncate(opts.CandleInterval),
				Open:   start,
				High:   start,
				Low:    start,
				Close:  start,
			},
		}
		st.last = g.tickFromState(st, start, now)
		g.states[instr.Symbol] = st
	}

	return g, nil
}

// Instrument returns the static configuration for a symbol.
func (g *Generator) Instrument(symbol string) (domain.Instrument, bool) {
	st, ok := g.states[symbol]
	if !ok {
		return domain.Instrument{}, false
	}
	return st.instr.Instrument, true
}

// Symbols returns all configured symbols.
func (g *Generator) Symbols() []string {
	out := make([]string, 0, len(g.states))
	for s := range g.states {
		out = append(out, s)
	}
	return out
}

// Start launches one price loop per instrument. It is a no-op if the
// generator is already running.
func (g *Generator) Start(ctx context.Context) {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.active {
		return
	}
	g.active = true
	g.stop = make(chan struct{})

	for symbol := range g.states {
		g.done.Add(1)
		go g.run(ctx, symbol)
	}
	g.log.Info("tick generator started", "instruments", len(g.states), "interval", g.opts.TickInterval.String())
}

// Stop halts all price loops and waits for them to exit.
func (g *Generator) Stop() {
	g.runMu.Lock()
	if !g.active {
		g.runMu.Unlock()
		return
	}
	g.active = false
	close(g.stop)
	g.runMu.Unlock()

	g.done.Wait()
	g.log.Info("tick generator stopped")
}

func (g *Generator) run(ctx context.Context, symbol string) {
	defer g.done.Done()
	ticker := time.NewTicker(g.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			if _, err := g.Advance(symbol); err != nil {
				// Log and keep serving the last known price.
				g.log.Error("tick generation failed", "symbol", symbol, "error", err)
			}
		}
	}
}

// Advance produces the next tick for a symbol: one random-walk step snapped
// to the tick grid, folded into the in-progress candle. At a bucket boundary
// the candle freezes and a new one opens at the previous close.
func (g *Generator) Advance(symbol string) (domain.PriceTick, error) {
	st, ok := g.states[symbol]
	if !ok {
		return domain.PriceTick{}, fmt.Errorf("unknown symbol %q", symbol)
	}

	st.mu.Lock()
	now := g.opts.Clock.Now()
	tickSize := st.instr.TickSize

	step := (st.rng.Float64()*2 - 1) * st.instr.Volatility * tickSize
	price := Round(st.last.Price+step, tickSize)
	if price < tickSize {
		price = tickSize
	}

	var frozen *domain.Candle
	bucket := now.Truncate(g.opts.CandleInterval)
	if bucket.After(st.candle.Time) {
		done := st.candle
		frozen = &done
		st.history = append(st.history, done)
		if over := len(st.history) - g.opts.HistoryLimit; over > 0 {
			st.history = st.history[over:]
		}
		st.candle = domain.Candle{
			Symbol: symbol,
			Time:   bucket,
			Open:   done.Close,
			High:   done.Close,
			Low:    done.Close,
			Close:  done.Close,
		}
	}

	c := &st.candle
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += 1 + st.rng.Int63n(100)

	tick := g.tickFromState(st, price, now)
	st.last = tick
	st.mu.Unlock()

	if frozen != nil && g.opts.OnCandleClose != nil {
		g.opts.OnCandleClose(*frozen)
	}
	g.publish(tick)

	return tick, nil
}

// tickFromState builds a PriceTick with the configured bid/ask spread.
// Callers hold st.mu or own st exclusively.
func (g *Generator) tickFromState(st *state, price float64, now time.Time) domain.PriceTick {
	spread := float64(g.opts.SpreadTicks) * st.instr.TickSize
	return domain.PriceTick{
		Symbol: st.instr.Symbol,
		Price:  price,
		Bid:    Round(price-spread, st.instr.TickSize),
		Ask:    Round(price+spread, st.instr.TickSize),
		Time:   now,
		Candle: st.candle,
	}
}

// Last returns the most recent tick for a symbol.
func (g *Generator) Last(symbol string) (domain.PriceTick, error) {
	st, ok := g.states[symbol]
	if !ok {
		return domain.PriceTick{}, fmt.Errorf("unknown symbol %q", symbol)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.last, nil
}

// Subscribe registers a tick listener across all instruments. The returned
// cancel function must be called to release the subscription. Slow consumers
// drop ticks rather than stalling the generators.
func (g *Generator) Subscribe(buffer int) (<-chan domain.PriceTick, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.PriceTick, buffer)

	g.subMu.Lock()
	g.subs[ch] = struct{}{}
	g.subMu.Unlock()

	cancel := func() {
		g.subMu.Lock()
		if _, ok := g.subs[ch]; ok {
			delete(g.subs, ch)
			close(ch)
		}
		g.subMu.Unlock()
	}
	return ch, cancel
}

func (g *Generator) publish(tick domain.PriceTick) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for ch := range g.subs {
		select {
		case ch <- tick:
		default:
			// Subscriber is not keeping up; drop rather than block the loop.
		}
	}
}
