package domain

import (
	"errors"
	"testing"
)

func TestOrderStateMachine(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderStatusPending, OrderStatusSubmitted},
		{OrderStatusPending, OrderStatusRejected},
		{OrderStatusSubmitted, OrderStatusWorking},
		{OrderStatusSubmitted, OrderStatusFilled},
		{OrderStatusSubmitted, OrderStatusCancelled},
		{OrderStatusWorking, OrderStatusPartial},
		{OrderStatusWorking, OrderStatusFilled},
		{OrderStatusWorking, OrderStatusCancelled},
		{OrderStatusWorking, OrderStatusExpired},
		{OrderStatusPartial, OrderStatusFilled},
		{OrderStatusPartial, OrderStatusCancelled},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to OrderStatus }{
		{OrderStatusFilled, OrderStatusCancelled},
		{OrderStatusCancelled, OrderStatusWorking},
		{OrderStatusExpired, OrderStatusWorking},
		{OrderStatusRejected, OrderStatusSubmitted},
		{OrderStatusWorking, OrderStatusSubmitted},
		{OrderStatusPartial, OrderStatusWorking},
		{OrderStatusPartial, OrderStatusExpired},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tr.from, tr.to)
		}
	}

	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	if OrderStatusWorking.IsTerminal() {
		t.Error("working should not be terminal")
	}
}

func TestValidateParams(t *testing.T) {
	base := func() Order {
		return Order{
			AccountID:   "acct-1",
			Symbol:      "ES",
			Side:        OrderSideBuy,
			Type:        OrderTypeMarket,
			Qty:         1,
			TimeInForce: TIFDay,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Order)
		wantErr bool
	}{
		{"market ok", func(o *Order) {}, false},
		{"zero qty", func(o *Order) { o.Qty = 0 }, true},
		{"negative qty", func(o *Order) { o.Qty = -5 }, true},
		{"missing account", func(o *Order) { o.AccountID = "" }, true},
		{"bad side", func(o *Order) { o.Side = "hold" }, true},
		{"bad tif", func(o *Order) { o.TimeInForce = "gtd" }, true},
		{"market with limit price", func(o *Order) { o.LimitPrice = 4500 }, true},
		{"limit ok", func(o *Order) { o.Type = OrderTypeLimit; o.LimitPrice = 4500 }, false},
		{"limit missing price", func(o *Order) { o.Type = OrderTypeLimit }, true},
		{"stop ok", func(o *Order) { o.Type = OrderTypeStop; o.StopPrice = 4490 }, false},
		{"stop missing price", func(o *Order) { o.Type = OrderTypeStop }, true},
		{"stop limit ok", func(o *Order) { o.Type = OrderTypeStopLimit; o.StopPrice = 4490; o.LimitPrice = 4489 }, false},
		{"stop limit missing limit", func(o *Order) { o.Type = OrderTypeStopLimit; o.StopPrice = 4490 }, true},
		{"trailing ok", func(o *Order) { o.Type = OrderTypeTrailingStop; o.TrailAmount = 10 }, false},
		{"trailing missing amount", func(o *Order) { o.Type = OrderTypeTrailingStop }, true},
		{"conditional ioc", func(o *Order) { o.Type = OrderTypeStop; o.StopPrice = 4490; o.TimeInForce = TIFIOC }, true},
		{"conditional fok", func(o *Order) { o.Type = OrderTypeTrailingStop; o.TrailAmount = 10; o.TimeInForce = TIFFOK }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base()
			tt.mutate(&o)
			err := o.ValidateParams()
			if tt.wantErr && err == nil {
				t.Fatal("ValidateParams() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ValidateParams() = %v, want nil", err)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("error %v is not a *ValidationError", err)
				}
			}
		})
	}
}

func TestPositionPnL(t *testing.T) {
	p := Position{AccountID: "a", Symbol: "ES", Qty: 2, AvgEntryPrice: 4500}
	got := p.UnrealizedPnL(4510, 50)
	if got != 1000 {
		t.Errorf("UnrealizedPnL = %v, want 1000", got)
	}

	short := Position{AccountID: "a", Symbol: "ES", Qty: -1, AvgEntryPrice: 4500}
	got = short.UnrealizedPnL(4510, 50)
	if got != -500 {
		t.Errorf("short UnrealizedPnL = %v, want -500", got)
	}

	flat := Position{}
	if !flat.Flat() {
		t.Error("zero-value position should be flat")
	}
	if flat.UnrealizedPnL(4500, 50) != 0 {
		t.Error("flat position should have zero unrealized P&L")
	}
}

func TestSideHelpers(t *testing.T) {
	if OrderSideBuy.Sign() != 1 || OrderSideSell.Sign() != -1 {
		t.Error("Sign() mismatch")
	}
	if OrderSideBuy.Opposite() != OrderSideSell || OrderSideSell.Opposite() != OrderSideBuy {
		t.Error("Opposite() mismatch")
	}
	o := Order{Side: OrderSideSell, Qty: 5, FilledQty: 2}
	if o.Remaining() != 3 {
		t.Errorf("Remaining() = %d, want 3", o.Remaining())
	}
	if o.SignedRemaining() != -3 {
		t.Errorf("SignedRemaining() = %d, want -3", o.SignedRemaining())
	}
}
