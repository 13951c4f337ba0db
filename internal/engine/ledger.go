package engine

import (
	"context"

	"tradesim/internal/domain"
)

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// applyFill nets one fill into the account's position for this symbol.
// Extensions recompute the weighted average entry; reductions realize
// (price - avgEntry) * multiplier * closedQty in the position's direction and
// credit it to the balance. A fill through zero opens the remainder at the
// fill price. Returns the resulting position, which is zero-quantity when the
// fill flattened it.
func (b *book) applyFill(ctx context.Context, f domain.Fill) (*domain.Position, error) {
	pos, err := b.eng.positions.GetPosition(ctx, f.AccountID, f.Symbol)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get position", Err: err}
	}
	if pos == nil {
		pos = &domain.Position{AccountID: f.AccountID, Symbol: f.Symbol}
	}

	var realized float64
	switch {
	case pos.Qty == 0:
		pos.Qty = f.Qty
		pos.AvgEntryPrice = f.Price

	case (pos.Qty > 0) == (f.Qty > 0):
		held := abs64(pos.Qty)
		added := abs64(f.Qty)
		pos.AvgEntryPrice = (pos.AvgEntryPrice*float64(held) + f.Price*float64(added)) / float64(held+added)
		pos.Qty += f.Qty

	default:
		closed := min(abs64(f.Qty), abs64(pos.Qty))
		direction := 1.0
		if pos.Qty < 0 {
			direction = -1.0
		}
		realized = (f.Price - pos.AvgEntryPrice) * b.instr.multiplier * float64(closed) * direction
		flipped := abs64(f.Qty) > abs64(pos.Qty)
		pos.Qty += f.Qty
		if flipped {
			pos.AvgEntryPrice = f.Price
		}
	}

	if realized != 0 {
		if err := b.eng.accounts.ApplyBalanceChange(ctx, f.AccountID, realized); err != nil {
			return nil, &domain.PersistenceError{Op: "apply balance change", Err: err}
		}
		pos.RealizedPnL += realized
	}

	if pos.Flat() {
		if err := b.eng.positions.DeletePosition(ctx, f.AccountID, f.Symbol); err != nil {
			return nil, &domain.PersistenceError{Op: "delete position", Err: err}
		}
	} else {
		if err := b.eng.positions.SavePosition(ctx, pos); err != nil {
			return nil, &domain.PersistenceError{Op: "save position", Err: err}
		}
	}

	if err := b.recomputeMargin(ctx); err != nil {
		return nil, err
	}
	return pos, nil
}

// recomputeMargin re-derives the account's margin in use from its open
// positions across every symbol.
func (b *book) recomputeMargin(ctx context.Context) error {
	positions, err := b.eng.positions.ListPositions(ctx, b.accountID)
	if err != nil {
		return &domain.PersistenceError{Op: "list positions", Err: err}
	}
	var margin float64
	for i := range positions {
		instr, ok := b.eng.gen.Instrument(positions[i].Symbol)
		if !ok {
			continue
		}
		margin += float64(abs64(positions[i].Qty)) * instr.MarginPerContract
	}
	if err := b.eng.accounts.UpdateMargin(ctx, b.accountID, margin); err != nil {
		return &domain.PersistenceError{Op: "update margin", Err: err}
	}
	return nil
}

// checkMargin rejects an order whose worst-case fill would grow the account's
// exposure beyond its free balance. Orders that reduce or flatten exposure
// never require margin.
func (b *book) checkMargin(ctx context.Context, o *domain.Order) error {
	acct, err := b.eng.accounts.GetAccount(ctx, o.AccountID)
	if err != nil {
		return &domain.PersistenceError{Op: "get account", Err: err}
	}
	if acct == nil {
		return domain.NewStateConflictError("account " + o.AccountID + " not found")
	}

	pos, err := b.eng.positions.GetPosition(ctx, o.AccountID, o.Symbol)
	if err != nil {
		return &domain.PersistenceError{Op: "get position", Err: err}
	}
	var cur int64
	if pos != nil {
		cur = pos.Qty
	}

	after := cur + o.Side.Sign()*o.Qty
	increase := abs64(after) - abs64(cur)
	if increase <= 0 {
		return nil
	}

	required := float64(increase) * b.instr.marginPerContract
	available := acct.Balance - acct.MarginUsed
	if required > available {
		return &domain.InsufficientMarginError{Required: required, Available: available}
	}
	return nil
}
