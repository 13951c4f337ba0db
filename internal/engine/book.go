package engine

import (
	"context"

	"tradesim/internal/domain"
	"tradesim/internal/market"
)

// book is the single-writer actor owning all order and position state for
// one (account, symbol) pair. Every mutation arrives as a message (client
// submits, cancels, updates, closes, tick-driven triggers, session expiry)
// and is processed in arrival order, which gives the total ordering the
// cancel-versus-fill race requires.
type book struct {
	eng       *Engine
	accountID string
	symbol    string
	instr     instrument

	mail chan message
	quit chan struct{}

	// Trailing-stop high/low watermarks, keyed by order ID. Runtime state
	// only; after a restart the watermark re-seeds from the persisted stop.
	watermarks map[string]float64
}

type instrument struct {
	tickSize          float64
	multiplier        float64
	marginPerContract float64
}

type message interface{}

type submitMsg struct {
	ctx   context.Context
	order domain.Order
	reply chan submitReply
}

type submitReply struct {
	order *domain.Order
	err   error
}

type cancelMsg struct {
	ctx     context.Context
	orderID string
	reply   chan error
}

type updateMsg struct {
	ctx   context.Context
	req   UpdateRequest
	reply chan submitReply
}

type closeMsg struct {
	ctx   context.Context
	reply chan closeReply
}

type closeReply struct {
	result *CloseResult
	err    error
}

type tickMsg struct {
	tick domain.PriceTick
}

type expireMsg struct{}

func newBook(e *Engine, accountID, symbol string) *book {
	meta, _ := e.gen.Instrument(symbol)
	b := &book{
		eng:       e,
		accountID: accountID,
		symbol:    symbol,
		instr: instrument{
			tickSize:          meta.TickSize,
			multiplier:        meta.Multiplier,
			marginPerContract: meta.MarginPerContract,
		},
		mail:       make(chan message, 128),
		quit:       make(chan struct{}),
		watermarks: make(map[string]float64),
	}
	go b.run()
	return b
}

// post delivers a message to the actor. Tick and expiry messages are dropped
// once the book is shut down; client messages get an error reply instead of
// blocking forever.
func (b *book) post(m message) {
	select {
	case b.mail <- m:
	case <-b.quit:
		switch msg := m.(type) {
		case submitMsg:
			msg.reply <- submitReply{err: domain.NewStateConflictError("engine is shut down")}
		case cancelMsg:
			msg.reply <- domain.NewStateConflictError("engine is shut down")
		case updateMsg:
			msg.reply <- submitReply{err: domain.NewStateConflictError("engine is shut down")}
		case closeMsg:
			msg.reply <- closeReply{err: domain.NewStateConflictError("engine is shut down")}
		}
	}
}

func (b *book) shutdown() {
	close(b.quit)
}

func (b *book) run() {
	for {
		select {
		case <-b.quit:
			b.drain()
			return
		case m := <-b.mail:
			switch msg := m.(type) {
			case submitMsg:
				order, err := b.handleSubmit(msg.ctx, msg.order)
				msg.reply <- submitReply{order: order, err: err}
			case cancelMsg:
				msg.reply <- b.handleCancel(msg.ctx, msg.orderID)
			case updateMsg:
				order, err := b.handleUpdate(msg.ctx, msg.req)
				msg.reply <- submitReply{order: order, err: err}
			case closeMsg:
				result, err := b.handleClose(msg.ctx)
				msg.reply <- closeReply{result: result, err: err}
			case tickMsg:
				if err := b.evaluate(context.Background(), msg.tick); err != nil {
					b.eng.log.Error("tick evaluation failed",
						"account", b.accountID, "symbol", b.symbol, "error", err)
				}
			case expireMsg:
				if err := b.expireDayOrders(context.Background()); err != nil {
					b.eng.log.Error("day order expiry failed",
						"account", b.accountID, "symbol", b.symbol, "error", err)
				}
			}
		}
	}
}

// drain answers any messages still queued at shutdown so their callers do
// not block forever.
func (b *book) drain() {
	for {
		select {
		case m := <-b.mail:
			switch msg := m.(type) {
			case submitMsg:
				msg.reply <- submitReply{err: domain.NewStateConflictError("engine is shut down")}
			case cancelMsg:
				msg.reply <- domain.NewStateConflictError("engine is shut down")
			case updateMsg:
				msg.reply <- submitReply{err: domain.NewStateConflictError("engine is shut down")}
			case closeMsg:
				msg.reply <- closeReply{err: domain.NewStateConflictError("engine is shut down")}
			}
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Message handlers
// ---------------------------------------------------------------------------

func (b *book) handleSubmit(ctx context.Context, order domain.Order) (*domain.Order, error) {
	// Directionally invalid bracket prices are rejected before the order
	// ever exists.
	if err := b.validateBracket(ctx, &order); err != nil {
		return nil, err
	}

	if err := b.checkMargin(ctx, &order); err != nil {
		// Record the rejection so the account's order history explains it.
		order.Status = domain.OrderStatusRejected
		if saveErr := b.eng.orders.SaveOrder(ctx, &order); saveErr != nil {
			b.eng.log.Error("persisting rejected order failed", "order", order.ID, "error", saveErr)
		}
		return nil, err
	}

	order.Status = domain.OrderStatusSubmitted
	if err := b.eng.orders.SaveOrder(ctx, &order); err != nil {
		return nil, &domain.PersistenceError{Op: "save order", Err: err}
	}

	last, err := b.eng.gen.Last(b.symbol)
	if err != nil {
		return nil, domain.NewValidationError("no market data for " + b.symbol)
	}

	if err := b.resolveNew(ctx, &order, last); err != nil {
		return nil, err
	}
	return &order, nil
}

func (b *book) handleCancel(ctx context.Context, orderID string) error {
	order, err := b.eng.orders.GetOrder(ctx, orderID)
	if err != nil {
		return &domain.PersistenceError{Op: "get order", Err: err}
	}
	if order == nil {
		return domain.NewStateConflictError("order " + orderID + " not found")
	}
	if !order.Cancellable() {
		return domain.NewStateConflictError("order " + orderID + " is " + string(order.Status) + " and cannot be cancelled")
	}
	if err := b.eng.orders.CompareAndSwapStatus(ctx, orderID, order.Status, domain.OrderStatusCancelled); err != nil {
		return err
	}
	delete(b.watermarks, orderID)
	b.eng.log.Info("order cancelled", "order", orderID, "account", b.accountID, "symbol", b.symbol)
	return nil
}

func (b *book) handleUpdate(ctx context.Context, req UpdateRequest) (*domain.Order, error) {
	order, err := b.eng.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get order", Err: err}
	}
	if order == nil {
		return nil, domain.NewStateConflictError("order " + req.OrderID + " not found")
	}
	if !order.Cancellable() {
		return nil, domain.NewStateConflictError("order " + req.OrderID + " is " + string(order.Status) + " and cannot be updated")
	}

	if req.Qty != nil {
		if *req.Qty <= 0 {
			return nil, domain.NewValidationError("quantity must be a positive integer")
		}
		if *req.Qty < order.FilledQty {
			return nil, domain.NewValidationError("quantity cannot be below the filled quantity")
		}
		order.Qty = *req.Qty
	}
	if req.LimitPrice != nil {
		if order.Type != domain.OrderTypeLimit && order.Type != domain.OrderTypeStopLimit {
			return nil, domain.NewValidationError("order type has no limit price")
		}
		order.LimitPrice = b.round(*req.LimitPrice)
	}
	if req.StopPrice != nil {
		switch order.Type {
		case domain.OrderTypeStop, domain.OrderTypeStopLimit:
			order.StopPrice = b.round(*req.StopPrice)
		default:
			return nil, domain.NewValidationError("order type has no stop price")
		}
	}

	// Repricing a bracket must keep it on the valid side of the entry.
	if err := b.validateBracket(ctx, order); err != nil {
		return nil, err
	}

	order.UpdatedAt = b.eng.opts.Clock.Now()
	if err := b.eng.orders.UpdateOrder(ctx, order); err != nil {
		return nil, &domain.PersistenceError{Op: "update order", Err: err}
	}
	b.eng.log.Info("order updated", "order", order.ID, "account", b.accountID, "symbol", b.symbol)

	// The new price may already be marketable.
	if last, err := b.eng.gen.Last(b.symbol); err == nil {
		if err := b.evaluate(ctx, last); err != nil {
			return order, err
		}
		if fresh, err := b.eng.orders.GetOrder(ctx, order.ID); err == nil && fresh != nil {
			order = fresh
		}
	}
	return order, nil
}

func (b *book) handleClose(ctx context.Context) (*CloseResult, error) {
	pos, err := b.eng.positions.GetPosition(ctx, b.accountID, b.symbol)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get position", Err: err}
	}
	if pos == nil || pos.Flat() {
		return nil, domain.NewStateConflictError("no open position for " + b.symbol)
	}

	side := domain.OrderSideSell
	if pos.Qty < 0 {
		side = domain.OrderSideBuy
	}

	cancelled, err := b.cancelRestingOnSide(ctx, side)
	if err != nil {
		return nil, err
	}

	qty := pos.Qty
	if qty < 0 {
		qty = -qty
	}
	now := b.eng.opts.Clock.Now()
	order := domain.Order{
		ID:          b.eng.NewOrderID(),
		AccountID:   b.accountID,
		Symbol:      b.symbol,
		Side:        side,
		Type:        domain.OrderTypeMarket,
		Qty:         qty,
		TimeInForce: domain.TIFDay,
		Status:      domain.OrderStatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.eng.orders.SaveOrder(ctx, &order); err != nil {
		return nil, &domain.PersistenceError{Op: "save order", Err: err}
	}

	last, err := b.eng.gen.Last(b.symbol)
	if err != nil {
		return nil, domain.NewValidationError("no market data for " + b.symbol)
	}
	if err := b.resolveNew(ctx, &order, last); err != nil {
		return nil, err
	}

	b.eng.log.Info("position closed", "account", b.accountID, "symbol", b.symbol,
		"qty", qty, "cancelledOrders", cancelled)
	return &CloseResult{CancelledOrders: cancelled, Order: &order}, nil
}

func (b *book) expireDayOrders(ctx context.Context) error {
	open, err := b.eng.orders.ListOpenOrders(ctx, b.accountID, b.symbol)
	if err != nil {
		return &domain.PersistenceError{Op: "list open orders", Err: err}
	}
	for i := range open {
		o := &open[i]
		if o.TimeInForce != domain.TIFDay {
			continue
		}
		if err := b.eng.orders.CompareAndSwapStatus(ctx, o.ID, o.Status, domain.OrderStatusExpired); err != nil {
			// Lost a race against a fill or cancel; nothing to expire.
			continue
		}
		delete(b.watermarks, o.ID)
		b.eng.log.Info("day order expired", "order", o.ID, "account", b.accountID, "symbol", b.symbol)
	}
	return nil
}

func (b *book) round(price float64) float64 {
	return market.Round(price, b.instr.tickSize)
}
