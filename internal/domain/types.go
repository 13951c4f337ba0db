// Package domain defines the core types shared across the trading engine:
// instruments, candles, ticks, orders, positions, and accounts.
package domain

import "time"

// Market identifies the simulated venue. There is exactly one today, but the
// field keeps storage layouts forward-compatible.
const MarketSim = "sim"

// Instrument describes the static configuration of a tradable contract.
// Instruments are immutable at runtime.
type Instrument struct {
	Symbol            string
	TickSize          float64 // minimum price increment, e.g. 0.25
	Multiplier        float64 // contract point value in account currency
	MarginPerContract float64 // flat margin requirement per contract
}

// Candle is a single OHLCV bucket. The in-progress candle mutates tick by
// tick; frozen candles never change once their bucket closes.
type Candle struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// PriceTick is one step of the synthetic price stream for an instrument.
// Bid and Ask are derived from Price by the configured spread convention.
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
	Candle Candle    `json:"candle"`
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buy, -1 for sell.
func (s OrderSide) Sign() int64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType selects the execution rule for an order.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce governs how long an unfilled order remains resting.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus is the lifecycle state of an order. Transitions are monotonic;
// see CanTransition.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusWorking   OrderStatus = "working"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// Order is a client instruction to trade. Price fields that do not apply to
// the order type are zero; ValidateParams enforces the required set per type.
// Triggered marks a stop-limit whose stop condition has fired; from then on
// it rests as a plain limit order.
type Order struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"accountId"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Qty            int64       `json:"qty"`
	FilledQty      int64       `json:"filledQty"`
	LimitPrice     float64     `json:"limitPrice,omitempty"`
	StopPrice      float64     `json:"stopPrice,omitempty"`
	TrailAmount    float64     `json:"trailAmount,omitempty"`
	Triggered      bool        `json:"triggered,omitempty"`
	TimeInForce    TimeInForce `json:"timeInForce"`
	Status         OrderStatus `json:"status"`
	FilledAvgPrice float64     `json:"filledAvgPrice"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// SignedRemaining returns the unfilled quantity with the side's sign applied.
func (o *Order) SignedRemaining() int64 {
	return o.Side.Sign() * o.Remaining()
}

// Fill records one execution against an order. Qty is signed: positive for
// buys, negative for sells.
type Fill struct {
	OrderID   string    `json:"orderId"`
	AccountID string    `json:"accountId"`
	Symbol    string    `json:"symbol"`
	Qty       int64     `json:"qty"`
	Price     float64   `json:"price"`
	Time      time.Time `json:"time"`
}

// Position is the net holding of one account in one symbol. Qty is signed:
// positive long, negative short. AvgEntryPrice is the weighted average of
// the opening fills since the position was last flat.
type Position struct {
	AccountID     string  `json:"accountId"`
	Symbol        string  `json:"symbol"`
	Qty           int64   `json:"qty"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`
	RealizedPnL   float64 `json:"realizedPnl"`
}

// Flat reports whether the position holds no contracts.
func (p *Position) Flat() bool { return p.Qty == 0 }

// UnrealizedPnL marks the open quantity to the given price.
func (p *Position) UnrealizedPnL(last, multiplier float64) float64 {
	if p.Qty == 0 {
		return 0
	}
	return (last - p.AvgEntryPrice) * multiplier * float64(p.Qty)
}

// Account holds the cash and margin state for one trading account. Equity is
// derived (balance + unrealized P&L) and reported by the engine, never stored.
type Account struct {
	ID         string  `json:"id"`
	Balance    float64 `json:"balance"`
	MarginUsed float64 `json:"marginUsed"`
}
