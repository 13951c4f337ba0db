// Package store defines storage interfaces for persisting and retrieving
// orders, positions, accounts, and candles, with SQLite, parquet, and
// in-memory implementations.
package store

import (
	"context"
	"time"

	"tradesim/internal/domain"
)

// OrderStore persists and retrieves order records. Get-style methods return
// (nil, nil) when the record does not exist.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOpenOrders returns the account's working and partial orders for a
	// symbol, ordered by creation time.
	ListOpenOrders(ctx context.Context, accountID, symbol string) ([]domain.Order, error)

	// ListOrders returns all orders for an account, newest first.
	ListOrders(ctx context.Context, accountID string) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// CompareAndSwapStatus atomically moves an order from one status to
	// another. It returns a *domain.StateConflictError if the order is no
	// longer in the expected status.
	CompareAndSwapStatus(ctx context.Context, id string, from, to domain.OrderStatus) error
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or updates the position for an account/symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the position for an account/symbol, or (nil, nil).
	GetPosition(ctx context.Context, accountID, symbol string) (*domain.Position, error)

	// ListPositions returns all open positions for an account.
	ListPositions(ctx context.Context, accountID string) ([]domain.Position, error)

	// DeletePosition removes the position for an account/symbol.
	DeletePosition(ctx context.Context, accountID, symbol string) error
}

// AccountStore persists and retrieves account records.
type AccountStore interface {
	// SaveAccount inserts or updates an account.
	SaveAccount(ctx context.Context, acct *domain.Account) error

	// GetAccount retrieves an account by ID, or (nil, nil).
	GetAccount(ctx context.Context, id string) (*domain.Account, error)

	// ApplyBalanceChange atomically adds delta to the account balance.
	ApplyBalanceChange(ctx context.Context, id string, delta float64) error

	// UpdateMargin sets the account's margin in use.
	UpdateMargin(ctx context.Context, id string, marginUsed float64) error
}

// CandleStore archives frozen candles and serves historical reads.
type CandleStore interface {
	// WriteCandles persists a batch of frozen candles.
	WriteCandles(ctx context.Context, candles []domain.Candle) error

	// ReadCandles returns candles for the symbol within [start, end].
	ReadCandles(ctx context.Context, symbol string, start, end time.Time) ([]domain.Candle, error)
}
