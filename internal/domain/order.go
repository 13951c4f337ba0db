package domain

// terminal is the set of states an order can never leave.
var terminal = map[OrderStatus]bool{
	OrderStatusFilled:    true,
	OrderStatusCancelled: true,
	OrderStatusRejected:  true,
	OrderStatusExpired:   true,
}

// transitions encodes the order state machine:
// pending → submitted → {working, rejected}; working → {partial, filled,
// cancelled, expired}; partial → {filled, cancelled}. Market/IOC/FOK orders
// resolve straight from submitted.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusSubmitted, OrderStatusRejected},
	OrderStatusSubmitted: {OrderStatusWorking, OrderStatusRejected, OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled},
	OrderStatusWorking:   {OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPartial:   {OrderStatusFilled, OrderStatusCancelled},
}

// IsTerminal reports whether s is a terminal order status.
func (s OrderStatus) IsTerminal() bool { return terminal[s] }

// CanTransition reports whether an order may move from one status to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a cancel request can succeed for this status.
func (o *Order) Cancellable() bool {
	return o.Status == OrderStatusWorking || o.Status == OrderStatusPartial
}

// Conditional reports whether the order rests until a trigger price is hit.
func (o *Order) Conditional() bool {
	switch o.Type {
	case OrderTypeStop, OrderTypeStopLimit, OrderTypeTrailingStop:
		return true
	}
	return false
}

// ValidateParams checks the static shape of an order request: a positive
// integer quantity, a known side, type and time in force, and exactly the
// price fields the order type requires. It returns a *ValidationError on the
// first violation so callers can reject before any engine state is touched.
func (o *Order) ValidateParams() error {
	if o.AccountID == "" {
		return NewValidationError("accountId is required")
	}
	if o.Symbol == "" {
		return NewValidationError("symbol is required")
	}
	if o.Qty <= 0 {
		return NewValidationError("quantity must be a positive integer")
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return NewValidationError("side must be buy or sell")
	}
	switch o.TimeInForce {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
	default:
		return NewValidationError("timeInForce must be one of day, gtc, ioc, fok")
	}

	switch o.Type {
	case OrderTypeMarket:
		if o.LimitPrice != 0 || o.StopPrice != 0 || o.TrailAmount != 0 {
			return NewValidationError("market orders take no price fields")
		}
	case OrderTypeLimit:
		if o.LimitPrice <= 0 {
			return NewValidationError("limit orders require a positive limitPrice")
		}
	case OrderTypeStop:
		if o.StopPrice <= 0 {
			return NewValidationError("stop orders require a positive stopPrice")
		}
	case OrderTypeStopLimit:
		if o.StopPrice <= 0 || o.LimitPrice <= 0 {
			return NewValidationError("stop-limit orders require positive stopPrice and limitPrice")
		}
	case OrderTypeTrailingStop:
		if o.TrailAmount <= 0 {
			return NewValidationError("trailing stop orders require a positive trailAmount")
		}
	default:
		return NewValidationError("unknown order type")
	}

	// Resting TIFs make no sense for a trailing stop's immediate cousins,
	// but IOC/FOK on conditional orders would resolve before ever
	// triggering. Reject the combination outright.
	if o.Conditional() && (o.TimeInForce == TIFIOC || o.TimeInForce == TIFFOK) {
		return NewValidationError("conditional orders cannot be ioc or fok")
	}

	return nil
}
