package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tradesim/internal/domain"
)

func sampleOrder(id, account string) *domain.Order {
	now := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	return &domain.Order{
		ID:          id,
		AccountID:   account,
		Symbol:      "ES",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		Qty:         2,
		LimitPrice:  4490.25,
		TimeInForce: domain.TIFGTC,
		Status:      domain.OrderStatusWorking,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// orderStores builds one of each OrderStore implementation against fresh
// backing state.
func orderStores(t *testing.T) map[string]interface {
	OrderStore
	PositionStore
	AccountStore
} {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]interface {
		OrderStore
		PositionStore
		AccountStore
	}{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	for name, s := range orderStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if got, err := s.GetOrder(ctx, "missing"); err != nil || got != nil {
				t.Fatalf("GetOrder(missing) = %v, %v; want nil, nil", got, err)
			}

			want := sampleOrder("ord-1", "acct-1")
			if err := s.SaveOrder(ctx, want); err != nil {
				t.Fatalf("SaveOrder: %v", err)
			}

			got, err := s.GetOrder(ctx, "ord-1")
			if err != nil {
				t.Fatalf("GetOrder: %v", err)
			}
			if got == nil || got.ID != "ord-1" || got.LimitPrice != 4490.25 {
				t.Fatalf("GetOrder = %+v, want saved order", got)
			}
			if !got.CreatedAt.Equal(want.CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
			}

			got.FilledQty = 2
			got.Status = domain.OrderStatusFilled
			got.FilledAvgPrice = 4490.25
			if err := s.UpdateOrder(ctx, got); err != nil {
				t.Fatalf("UpdateOrder: %v", err)
			}
			again, err := s.GetOrder(ctx, "ord-1")
			if err != nil || again.Status != domain.OrderStatusFilled {
				t.Fatalf("after update: %+v, %v", again, err)
			}
		})
	}
}

func TestListOpenOrdersOrdering(t *testing.T) {
	for name, s := range orderStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

			for i, id := range []string{"ord-c", "ord-a", "ord-b"} {
				o := sampleOrder(id, "acct-1")
				o.CreatedAt = base.Add(time.Duration(2-i) * time.Second)
				o.UpdatedAt = o.CreatedAt
				if err := s.SaveOrder(ctx, o); err != nil {
					t.Fatalf("SaveOrder: %v", err)
				}
			}
			// A terminal order must not appear.
			done := sampleOrder("ord-d", "acct-1")
			done.Status = domain.OrderStatusFilled
			if err := s.SaveOrder(ctx, done); err != nil {
				t.Fatalf("SaveOrder: %v", err)
			}
			// Another account's order must not appear.
			other := sampleOrder("ord-x", "acct-2")
			if err := s.SaveOrder(ctx, other); err != nil {
				t.Fatalf("SaveOrder: %v", err)
			}

			open, err := s.ListOpenOrders(ctx, "acct-1", "ES")
			if err != nil {
				t.Fatalf("ListOpenOrders: %v", err)
			}
			if len(open) != 3 {
				t.Fatalf("ListOpenOrders returned %d orders, want 3", len(open))
			}
			for i := 1; i < len(open); i++ {
				if open[i].CreatedAt.Before(open[i-1].CreatedAt) {
					t.Errorf("open orders out of FIFO order: %v before %v", open[i].CreatedAt, open[i-1].CreatedAt)
				}
			}
		})
	}
}

func TestCompareAndSwapStatus(t *testing.T) {
	for name, s := range orderStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := sampleOrder("ord-cas", "acct-1")
			if err := s.SaveOrder(ctx, o); err != nil {
				t.Fatalf("SaveOrder: %v", err)
			}

			if err := s.CompareAndSwapStatus(ctx, "ord-cas", domain.OrderStatusWorking, domain.OrderStatusCancelled); err != nil {
				t.Fatalf("CAS working→cancelled: %v", err)
			}

			// Second swap from the stale status must fail with a typed error.
			err := s.CompareAndSwapStatus(ctx, "ord-cas", domain.OrderStatusWorking, domain.OrderStatusFilled)
			var conflict *domain.StateConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("stale CAS error = %v, want StateConflictError", err)
			}

			err = s.CompareAndSwapStatus(ctx, "ord-ghost", domain.OrderStatusWorking, domain.OrderStatusCancelled)
			if !errors.As(err, &conflict) {
				t.Fatalf("missing order CAS error = %v, want StateConflictError", err)
			}
		})
	}
}

func TestPositionRoundTrip(t *testing.T) {
	for name, s := range orderStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if got, err := s.GetPosition(ctx, "acct-1", "ES"); err != nil || got != nil {
				t.Fatalf("GetPosition(missing) = %v, %v; want nil, nil", got, err)
			}

			p := &domain.Position{AccountID: "acct-1", Symbol: "ES", Qty: 2, AvgEntryPrice: 4500.25}
			if err := s.SavePosition(ctx, p); err != nil {
				t.Fatalf("SavePosition: %v", err)
			}

			p.Qty = 3
			p.AvgEntryPrice = 4501
			if err := s.SavePosition(ctx, p); err != nil {
				t.Fatalf("SavePosition upsert: %v", err)
			}

			got, err := s.GetPosition(ctx, "acct-1", "ES")
			if err != nil || got == nil || got.Qty != 3 {
				t.Fatalf("GetPosition = %+v, %v; want qty 3", got, err)
			}

			list, err := s.ListPositions(ctx, "acct-1")
			if err != nil || len(list) != 1 {
				t.Fatalf("ListPositions = %v, %v; want one position", list, err)
			}

			if err := s.DeletePosition(ctx, "acct-1", "ES"); err != nil {
				t.Fatalf("DeletePosition: %v", err)
			}
			if got, _ := s.GetPosition(ctx, "acct-1", "ES"); got != nil {
				t.Fatalf("position survived delete: %+v", got)
			}
		})
	}
}

func TestAccountBalanceAndMargin(t *testing.T) {
	for name, s := range orderStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := &domain.Account{ID: "acct-1", Balance: 100000}
			if err := s.SaveAccount(ctx, a); err != nil {
				t.Fatalf("SaveAccount: %v", err)
			}

			if err := s.ApplyBalanceChange(ctx, "acct-1", 500.50); err != nil {
				t.Fatalf("ApplyBalanceChange: %v", err)
			}
			if err := s.UpdateMargin(ctx, "acct-1", 12000); err != nil {
				t.Fatalf("UpdateMargin: %v", err)
			}

			got, err := s.GetAccount(ctx, "acct-1")
			if err != nil || got == nil {
				t.Fatalf("GetAccount: %v, %v", got, err)
			}
			if got.Balance != 100500.50 {
				t.Errorf("Balance = %v, want 100500.50", got.Balance)
			}
			if got.MarginUsed != 12000 {
				t.Errorf("MarginUsed = %v, want 12000", got.MarginUsed)
			}

			var conflict *domain.StateConflictError
			if err := s.ApplyBalanceChange(ctx, "ghost", 1); !errors.As(err, &conflict) {
				t.Errorf("balance change on missing account = %v, want StateConflictError", err)
			}
		})
	}
}

func TestParquetCandleArchive(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := []domain.Candle{
		{Symbol: "ES", Time: day.Add(14*time.Hour + 30*time.Minute), Open: 4500, High: 4502, Low: 4499.5, Close: 4501.25, Volume: 1200},
		{Symbol: "ES", Time: day.Add(14*time.Hour + 31*time.Minute), Open: 4501.25, High: 4503, Low: 4501, Close: 4502.75, Volume: 900},
	}
	if err := ps.WriteCandles(ctx, candles); err != nil {
		t.Fatalf("WriteCandles: %v", err)
	}

	wantPath := filepath.Join(dir, "candles", "ES", "2024-03-01.parquet")
	if p := ps.candlePath("es", day); p != wantPath {
		t.Errorf("candlePath = %s, want %s", p, wantPath)
	}

	got, err := ps.ReadCandles(ctx, "ES", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ReadCandles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadCandles returned %d candles, want 2", len(got))
	}
	if got[0].Close != 4501.25 || got[1].Close != 4502.75 {
		t.Errorf("closes = %v, %v; want 4501.25, 4502.75", got[0].Close, got[1].Close)
	}

	// Rewriting the same bucket replaces, not duplicates.
	candles[0].Close = 4501.50
	if err := ps.WriteCandles(ctx, candles[:1]); err != nil {
		t.Fatalf("WriteCandles rewrite: %v", err)
	}
	got, err = ps.ReadCandles(ctx, "ES", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ReadCandles after rewrite: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("after rewrite got %d candles, want 2", len(got))
	}
	if got[0].Close != 4501.50 {
		t.Errorf("rewritten close = %v, want 4501.50", got[0].Close)
	}

	// Range outside the archive is empty, not an error.
	got, err = ps.ReadCandles(ctx, "ES", day.AddDate(0, 0, 5), day.AddDate(0, 0, 6))
	if err != nil || len(got) != 0 {
		t.Errorf("out-of-range read = %v, %v; want empty, nil", got, err)
	}
}
