package engine

import (
	"context"
	"time"

	"tradesim/internal/domain"
)

// marketPrice is the executable price for an order crossing the spread: buys
// lift the ask, sells hit the bid.
func marketPrice(side domain.OrderSide, tick domain.PriceTick) float64 {
	if side == domain.OrderSideBuy {
		return tick.Ask
	}
	return tick.Bid
}

// limitFillable reports whether the limit price is reached or bettered.
func limitFillable(o *domain.Order, tick domain.PriceTick) bool {
	if o.Side == domain.OrderSideBuy {
		return tick.Ask <= o.LimitPrice
	}
	return tick.Bid >= o.LimitPrice
}

// stopTriggered evaluates the stop predicate against the last trade price: a
// buy stop fires at or above the stop, a sell stop at or below.
func stopTriggered(side domain.OrderSide, stop, price float64) bool {
	if side == domain.OrderSideBuy {
		return price >= stop
	}
	return price <= stop
}

// resolveNew runs the immediate-execution step for a freshly submitted order:
// marketable orders fill against the current tick, IOC/FOK orders that cannot
// fill are cancelled, and everything else transitions to working.
func (b *book) resolveNew(ctx context.Context, o *domain.Order, tick domain.PriceTick) error {
	switch o.Type {
	case domain.OrderTypeMarket:
		return b.fill(ctx, o, marketPrice(o.Side, tick), tick.Time)

	case domain.OrderTypeLimit:
		if limitFillable(o, tick) {
			return b.fill(ctx, o, o.LimitPrice, tick.Time)
		}
		if o.TimeInForce == domain.TIFIOC || o.TimeInForce == domain.TIFFOK {
			if err := b.eng.orders.CompareAndSwapStatus(ctx, o.ID, o.Status, domain.OrderStatusCancelled); err != nil {
				return err
			}
			o.Status = domain.OrderStatusCancelled
			b.eng.log.Info("order cancelled unfilled", "order", o.ID, "tif", o.TimeInForce)
			return nil
		}
		return b.rest(ctx, o)

	case domain.OrderTypeTrailingStop:
		// Seed the watermark at the submission price and derive the first
		// stop level from it.
		b.watermarks[o.ID] = tick.Price
		if o.Side == domain.OrderSideSell {
			o.StopPrice = b.round(tick.Price - o.TrailAmount)
		} else {
			o.StopPrice = b.round(tick.Price + o.TrailAmount)
		}
		if err := b.rest(ctx, o); err != nil {
			return err
		}
		o.UpdatedAt = tick.Time
		if err := b.eng.orders.UpdateOrder(ctx, o); err != nil {
			return &domain.PersistenceError{Op: "update order", Err: err}
		}
		return nil

	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		if err := b.rest(ctx, o); err != nil {
			return err
		}
		// The market may already be past the trigger.
		return b.evaluateOrder(ctx, o, tick)
	}
	return domain.NewValidationError("unknown order type " + string(o.Type))
}

// rest transitions a submitted order to working.
func (b *book) rest(ctx context.Context, o *domain.Order) error {
	if err := b.eng.orders.CompareAndSwapStatus(ctx, o.ID, o.Status, domain.OrderStatusWorking); err != nil {
		return err
	}
	o.Status = domain.OrderStatusWorking
	b.eng.log.Info("order working", "order", o.ID, "account", b.accountID,
		"symbol", b.symbol, "type", o.Type, "side", o.Side, "qty", o.Qty)
	return nil
}

// evaluate sweeps the book's resting orders against a new tick, oldest first.
// Orders are re-read before acting because an earlier fill in the same sweep
// can flatten the position and cascade-cancel later entries in the snapshot.
func (b *book) evaluate(ctx context.Context, tick domain.PriceTick) error {
	open, err := b.eng.orders.ListOpenOrders(ctx, b.accountID, b.symbol)
	if err != nil {
		return &domain.PersistenceError{Op: "list open orders", Err: err}
	}
	for i := range open {
		o, err := b.eng.orders.GetOrder(ctx, open[i].ID)
		if err != nil {
			return &domain.PersistenceError{Op: "get order", Err: err}
		}
		if o == nil || !o.Cancellable() {
			continue
		}
		if err := b.evaluateOrder(ctx, o, tick); err != nil {
			return err
		}
	}
	return nil
}

// evaluateOrder applies one tick to one resting order: recompute trailing
// stops, fire triggers, and fill marketable limits.
func (b *book) evaluateOrder(ctx context.Context, o *domain.Order, tick domain.PriceTick) error {
	switch o.Type {
	case domain.OrderTypeLimit:
		if limitFillable(o, tick) {
			return b.fill(ctx, o, o.LimitPrice, tick.Time)
		}

	case domain.OrderTypeStop:
		if stopTriggered(o.Side, o.StopPrice, tick.Price) {
			return b.fill(ctx, o, marketPrice(o.Side, tick), tick.Time)
		}

	case domain.OrderTypeStopLimit:
		if !o.Triggered && stopTriggered(o.Side, o.StopPrice, tick.Price) {
			o.Triggered = true
			o.UpdatedAt = tick.Time
			if err := b.eng.orders.UpdateOrder(ctx, o); err != nil {
				return &domain.PersistenceError{Op: "update order", Err: err}
			}
			b.eng.log.Info("stop-limit triggered", "order", o.ID, "stop", o.StopPrice, "limit", o.LimitPrice)
		}
		if o.Triggered && limitFillable(o, tick) {
			return b.fill(ctx, o, o.LimitPrice, tick.Time)
		}

	case domain.OrderTypeTrailingStop:
		if err := b.updateTrail(ctx, o, tick); err != nil {
			return err
		}
		if stopTriggered(o.Side, o.StopPrice, tick.Price) {
			return b.fill(ctx, o, marketPrice(o.Side, tick), tick.Time)
		}
	}
	return nil
}

// updateTrail ratchets the trailing stop behind the price watermark. The stop
// only ever tightens: up for sell trails, down for buy trails.
func (b *book) updateTrail(ctx context.Context, o *domain.Order, tick domain.PriceTick) error {
	wm, ok := b.watermarks[o.ID]
	if !ok {
		// Re-derive the watermark from the persisted stop after a restart.
		if o.Side == domain.OrderSideSell {
			wm = o.StopPrice + o.TrailAmount
		} else {
			wm = o.StopPrice - o.TrailAmount
		}
	}

	moved := false
	if o.Side == domain.OrderSideSell && tick.Price > wm {
		wm = tick.Price
		moved = true
	}
	if o.Side == domain.OrderSideBuy && tick.Price < wm {
		wm = tick.Price
		moved = true
	}
	b.watermarks[o.ID] = wm
	if !moved {
		return nil
	}

	if o.Side == domain.OrderSideSell {
		o.StopPrice = b.round(wm - o.TrailAmount)
	} else {
		o.StopPrice = b.round(wm + o.TrailAmount)
	}
	o.UpdatedAt = tick.Time
	if err := b.eng.orders.UpdateOrder(ctx, o); err != nil {
		return &domain.PersistenceError{Op: "update order", Err: err}
	}
	return nil
}

// fill executes the order's full remaining quantity at the given price,
// applies the fill to the position ledger, and cascade-cancels linked bracket
// orders if the fill flattened the position. The status CAS loses cleanly to
// a concurrent cancel, in which case nothing executes.
func (b *book) fill(ctx context.Context, o *domain.Order, price float64, at time.Time) error {
	qty := o.Remaining()
	if qty <= 0 {
		return nil
	}
	if err := b.eng.orders.CompareAndSwapStatus(ctx, o.ID, o.Status, domain.OrderStatusFilled); err != nil {
		return err
	}

	prevFilled := o.FilledQty
	o.Status = domain.OrderStatusFilled
	o.FilledQty += qty
	o.FilledAvgPrice = (o.FilledAvgPrice*float64(prevFilled) + price*float64(qty)) / float64(o.FilledQty)
	o.UpdatedAt = at
	if err := b.eng.orders.UpdateOrder(ctx, o); err != nil {
		return &domain.PersistenceError{Op: "update order", Err: err}
	}
	delete(b.watermarks, o.ID)

	pos, err := b.applyFill(ctx, domain.Fill{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Qty:       o.Side.Sign() * qty,
		Price:     price,
		Time:      at,
	})
	if err != nil {
		return err
	}

	b.eng.log.Info("order filled", "order", o.ID, "account", b.accountID,
		"symbol", b.symbol, "side", o.Side, "qty", qty, "price", price,
		"position", pos.Qty)

	if pos.Flat() {
		n, err := b.cancelRestingOnSide(ctx, o.Side)
		if err != nil {
			return err
		}
		if n > 0 {
			b.eng.log.Info("bracket orders cancelled", "account", b.accountID,
				"symbol", b.symbol, "count", n)
		}
	}
	return nil
}
