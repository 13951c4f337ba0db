package engine

import (
	"context"

	"tradesim/internal/domain"
)

// validateBracket checks the directional sanity of reduce orders placed
// against an open position. A resting order on the opposite side of a
// position acts as its bracket: the take profit (limit) must sit on the
// profitable side of the entry, the stop loss (stop or stop-limit) on the
// losing side. Orders with no open position, same-side orders, and trailing
// stops are not constrained.
func (b *book) validateBracket(ctx context.Context, o *domain.Order) error {
	switch o.Type {
	case domain.OrderTypeLimit, domain.OrderTypeStop, domain.OrderTypeStopLimit:
	default:
		return nil
	}

	pos, err := b.eng.positions.GetPosition(ctx, o.AccountID, o.Symbol)
	if err != nil {
		return &domain.PersistenceError{Op: "get position", Err: err}
	}
	if pos == nil || pos.Flat() {
		return nil
	}

	long := pos.Qty > 0
	reduces := (long && o.Side == domain.OrderSideSell) || (!long && o.Side == domain.OrderSideBuy)
	if !reduces {
		return nil
	}

	switch o.Type {
	case domain.OrderTypeLimit:
		if long && o.LimitPrice <= pos.AvgEntryPrice {
			return domain.NewStateConflictError("take profit for a long position must be above the entry price")
		}
		if !long && o.LimitPrice >= pos.AvgEntryPrice {
			return domain.NewStateConflictError("take profit for a short position must be below the entry price")
		}
	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		if long && o.StopPrice >= pos.AvgEntryPrice {
			return domain.NewStateConflictError("stop loss for a long position must be below the entry price")
		}
		if !long && o.StopPrice <= pos.AvgEntryPrice {
			return domain.NewStateConflictError("stop loss for a short position must be above the entry price")
		}
	}
	return nil
}

// cancelRestingOnSide cancels every resting order on the given side and
// returns how many were cancelled. Used when a position flattens: the
// position's reduce orders all rest on the side that closed it.
func (b *book) cancelRestingOnSide(ctx context.Context, side domain.OrderSide) (int, error) {
	open, err := b.eng.orders.ListOpenOrders(ctx, b.accountID, b.symbol)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "list open orders", Err: err}
	}
	n := 0
	for i := range open {
		o := &open[i]
		if o.Side != side {
			continue
		}
		if err := b.eng.orders.CompareAndSwapStatus(ctx, o.ID, o.Status, domain.OrderStatusCancelled); err != nil {
			// Already resolved by a concurrent transition.
			continue
		}
		delete(b.watermarks, o.ID)
		n++
		b.eng.log.Info("linked order cancelled", "order", o.ID, "account", b.accountID, "symbol", b.symbol)
	}
	return n, nil
}
