// Package engine coordinates the order lifecycle, position ledger, and
// bracket management on top of the synthetic market stream. All state for a
// given (account, symbol) pair is owned by a single book actor, so tick
// evaluation and client requests are processed in a total order without
// fine-grained locking.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"tradesim/internal/domain"
	"tradesim/internal/market"
	"tradesim/internal/store"
)

// Options configures an Engine.
type Options struct {
	// StartingBalance is credited to accounts on first touch.
	StartingBalance float64
	// SessionClose is the "HH:MM" wall-clock time at which day orders
	// expire. Empty disables the session timer (tests drive expiry
	// explicitly).
	SessionClose string
	// Clock defaults to the market package's system clock.
	Clock market.Clock
}

// Engine is the trading engine facade. Client requests and tick-driven
// evaluation are both routed to per-(account, symbol) book actors.
type Engine struct {
	gen       *market.Generator
	orders    store.OrderStore
	positions store.PositionStore
	accounts  store.AccountStore
	opts      Options
	log       *slog.Logger

	mu    sync.Mutex
	books map[bookKey]*book

	entropy *ulid.MonotonicEntropy
	idMu    sync.Mutex

	runMu  sync.Mutex
	active bool
	stop   chan struct{}
	done   sync.WaitGroup
	unsub  func()
}

type bookKey struct {
	accountID string
	symbol    string
}

// NewEngine creates an Engine wired to the given market generator and stores.
func NewEngine(
	gen *market.Generator,
	orders store.OrderStore,
	positions store.PositionStore,
	accounts store.AccountStore,
	opts Options,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = market.SystemClock
	}
	return &Engine{
		gen:       gen,
		orders:    orders,
		positions: positions,
		accounts:  accounts,
		opts:      opts,
		log:       log,
		books:     make(map[bookKey]*book),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewOrderID returns a new lexicographically time-ordered order ID.
func (e *Engine) NewOrderID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(e.opts.Clock.Now()), e.entropy).String()
}

// Start subscribes the engine to the market stream and launches the tick
// dispatcher and the day-order session timer.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.active {
		return
	}
	e.active = true
	e.stop = make(chan struct{})

	ch, unsub := e.gen.Subscribe(256)
	e.unsub = unsub

	e.done.Add(1)
	go e.dispatch(ctx, ch)

	if e.opts.SessionClose != "" {
		e.done.Add(1)
		go e.sessionTimer(ctx)
	}

	e.log.Info("engine started", "sessionClose", e.opts.SessionClose)
}

// Stop detaches from the market stream and shuts down all book actors. Safe
// to call even if the engine was never started.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if e.active {
		e.active = false
		e.unsub()
		close(e.stop)
	}
	e.runMu.Unlock()

	e.done.Wait()

	e.mu.Lock()
	for _, b := range e.books {
		b.shutdown()
	}
	e.books = make(map[bookKey]*book)
	e.mu.Unlock()

	e.log.Info("engine stopped")
}

// dispatch fans ticks out to every book trading the tick's symbol.
func (e *Engine) dispatch(ctx context.Context, ch <-chan domain.PriceTick) {
	defer e.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case tick, ok := <-ch:
			if !ok {
				return
			}
			e.mu.Lock()
			for k, b := range e.books {
				if k.symbol == tick.Symbol {
					b.post(tickMsg{tick: tick})
				}
			}
			e.mu.Unlock()
		}
	}
}

// sessionTimer fires a day-order expiry sweep at the configured session
// close, every day.
func (e *Engine) sessionTimer(ctx context.Context) {
	defer e.done.Done()
	for {
		next, err := e.nextSessionClose()
		if err != nil {
			e.log.Error("bad session close config", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-time.After(time.Until(next)):
			e.ExpireDayOrders()
		}
	}
}

func (e *Engine) nextSessionClose() (time.Time, error) {
	at, err := time.Parse("15:04", e.opts.SessionClose)
	if err != nil {
		return time.Time{}, err
	}
	now := e.opts.Clock.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// ExpireDayOrders sweeps every book, expiring resting day orders. It is
// called by the session timer and exposed for tests and admin tooling.
func (e *Engine) ExpireDayOrders() {
	e.mu.Lock()
	books := make([]*book, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.mu.Unlock()

	for _, b := range books {
		b.post(expireMsg{})
	}
}

// book returns the actor owning (accountID, symbol), creating and starting
// it on first use.
func (e *Engine) book(accountID, symbol string) *book {
	k := bookKey{accountID, symbol}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[k]
	if !ok {
		b = newBook(e, accountID, symbol)
		e.books[k] = b
	}
	return b
}

// ensureAccount provisions the account with the starting balance on first
// touch.
func (e *Engine) ensureAccount(ctx context.Context, id string) (*domain.Account, error) {
	acct, err := e.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get account", Err: err}
	}
	if acct != nil {
		return acct, nil
	}
	acct = &domain.Account{ID: id, Balance: e.opts.StartingBalance}
	if err := e.accounts.SaveAccount(ctx, acct); err != nil {
		return nil, &domain.PersistenceError{Op: "create account", Err: err}
	}
	e.log.Info("account provisioned", "account", id, "balance", acct.Balance)
	return acct, nil
}

// ---------------------------------------------------------------------------
// Client operations
// ---------------------------------------------------------------------------

// SubmitOrder validates and routes a new order to its book actor. The
// client may supply the order ID as an idempotency key: resubmitting an ID
// returns the already-recorded order instead of double-applying it.
func (e *Engine) SubmitOrder(ctx context.Context, req domain.Order) (*domain.Order, error) {
	if err := req.ValidateParams(); err != nil {
		return nil, err
	}
	instr, ok := e.gen.Instrument(req.Symbol)
	if !ok {
		return nil, domain.NewValidationError("unknown symbol " + req.Symbol)
	}

	if req.ID != "" {
		existing, err := e.orders.GetOrder(ctx, req.ID)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "get order", Err: err}
		}
		if existing != nil {
			return existing, nil
		}
	} else {
		req.ID = e.NewOrderID()
	}

	// Snap every client-supplied price to the instrument's grid.
	req.LimitPrice = market.Round(req.LimitPrice, instr.TickSize)
	req.StopPrice = market.Round(req.StopPrice, instr.TickSize)
	req.TrailAmount = market.Round(req.TrailAmount, instr.TickSize)

	now := e.opts.Clock.Now()
	req.Status = domain.OrderStatusPending
	req.FilledQty = 0
	req.FilledAvgPrice = 0
	req.CreatedAt = now
	req.UpdatedAt = now

	if _, err := e.ensureAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	reply := make(chan submitReply, 1)
	e.book(req.AccountID, req.Symbol).post(submitMsg{ctx: ctx, order: req, reply: reply})
	select {
	case r := <-reply:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelOrder cancels a resting order. Cancelling a terminal order fails
// with a StateConflictError, never silently.
func (e *Engine) CancelOrder(ctx context.Context, accountID, orderID string) error {
	ord, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return &domain.PersistenceError{Op: "get order", Err: err}
	}
	if ord == nil || ord.AccountID != accountID {
		return domain.NewStateConflictError("order " + orderID + " not found")
	}

	reply := make(chan error, 1)
	e.book(accountID, ord.Symbol).post(cancelMsg{ctx: ctx, orderID: orderID, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateRequest changes a resting order in place. Nil fields are untouched.
type UpdateRequest struct {
	OrderID    string
	AccountID  string
	LimitPrice *float64
	StopPrice  *float64
	Qty        *int64
}

// UpdateOrder atomically reprices or resizes a resting order. It fails with
// a StateConflictError if the order is not working or partial.
func (e *Engine) UpdateOrder(ctx context.Context, req UpdateRequest) (*domain.Order, error) {
	ord, err := e.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get order", Err: err}
	}
	if ord == nil || ord.AccountID != req.AccountID {
		return nil, domain.NewStateConflictError("order " + req.OrderID + " not found")
	}

	reply := make(chan submitReply, 1)
	e.book(req.AccountID, ord.Symbol).post(updateMsg{ctx: ctx, req: req, reply: reply})
	select {
	case r := <-reply:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseResult reports the outcome of a position close.
type CloseResult struct {
	// CancelledOrders is how many linked bracket orders were cancelled.
	CancelledOrders int `json:"cancelledOrders"`
	// Order is the offsetting market order that flattened the position.
	Order *domain.Order `json:"order"`
}

// ClosePosition cancels the position's bracket orders and flattens it with
// an offsetting market order.
func (e *Engine) ClosePosition(ctx context.Context, accountID, symbol string) (*CloseResult, error) {
	if _, ok := e.gen.Instrument(symbol); !ok {
		return nil, domain.NewValidationError("unknown symbol " + symbol)
	}
	reply := make(chan closeReply, 1)
	e.book(accountID, symbol).post(closeMsg{ctx: ctx, reply: reply})
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Orders returns all orders for an account, newest first.
func (e *Engine) Orders(ctx context.Context, accountID string) ([]domain.Order, error) {
	out, err := e.orders.ListOrders(ctx, accountID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list orders", Err: err}
	}
	return out, nil
}

// Positions returns the account's open positions.
func (e *Engine) Positions(ctx context.Context, accountID string) ([]domain.Position, error) {
	out, err := e.positions.ListPositions(ctx, accountID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list positions", Err: err}
	}
	return out, nil
}

// AccountSnapshot is the account state marked to the latest prices.
type AccountSnapshot struct {
	Account       domain.Account    `json:"account"`
	Equity        float64           `json:"equity"`
	UnrealizedPnL float64           `json:"unrealizedPnl"`
	Positions     []domain.Position `json:"positions"`
}

// AccountSnapshot returns the account with equity computed as balance plus
// unrealized P&L across its open positions at the latest tick prices.
func (e *Engine) AccountSnapshot(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	acct, err := e.ensureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := e.Positions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var unrealized float64
	for i := range positions {
		instr, ok := e.gen.Instrument(positions[i].Symbol)
		if !ok {
			continue
		}
		last, err := e.gen.Last(positions[i].Symbol)
		if err != nil {
			continue
		}
		unrealized += positions[i].UnrealizedPnL(last.Price, instr.Multiplier)
	}

	return &AccountSnapshot{
		Account:       *acct,
		Equity:        acct.Balance + unrealized,
		UnrealizedPnL: unrealized,
		Positions:     positions,
	}, nil
}
