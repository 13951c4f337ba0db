package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradesim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ AccountStore = (*SQLiteStore)(nil)

// SQLiteStore implements OrderStore, PositionStore, and AccountStore backed
// by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	filled_qty       INTEGER NOT NULL DEFAULT 0,
	limit_price      REAL NOT NULL DEFAULT 0,
	stop_price       REAL NOT NULL DEFAULT 0,
	trail_amount     REAL NOT NULL DEFAULT 0,
	triggered        INTEGER NOT NULL DEFAULT 0,
	time_in_force    TEXT NOT NULL,
	status           TEXT NOT NULL,
	filled_avg_price REAL NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account_symbol_status
	ON orders(account_id, symbol, status);

CREATE TABLE IF NOT EXISTS positions (
	account_id      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	avg_entry_price REAL NOT NULL,
	realized_pnl    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	balance     REAL NOT NULL,
	margin_used REAL NOT NULL DEFAULT 0
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent book actors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, account_id, symbol, side, type, qty, filled_qty,
	limit_price, stop_price, trail_amount, triggered, time_in_force, status,
	filled_avg_price, created_at, updated_at`

// SaveOrder inserts a new order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.Symbol, string(o.Side), string(o.Type), o.Qty,
		o.FilledQty, o.LimitPrice, o.StopPrice, o.TrailAmount, o.Triggered,
		string(o.TimeInForce), string(o.Status), o.FilledAvgPrice,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	return err
}

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var o domain.Order
	var side, typ, tif, status string
	var created, updated int64
	err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &side, &typ, &o.Qty,
		&o.FilledQty, &o.LimitPrice, &o.StopPrice, &o.TrailAmount, &o.Triggered,
		&tif, &status, &o.FilledAvgPrice, &created, &updated)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return &o, nil
}

// GetOrder retrieves an order by ID, or (nil, nil) if absent.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListOpenOrders returns working/partial orders for an account and symbol,
// ordered by creation time.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context, accountID, symbol string) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE account_id = ? AND symbol = ? AND status IN ('working', 'partial')
		ORDER BY created_at ASC, id ASC`, accountID, symbol)
}

// ListOrders returns all orders for an account, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC`, accountID)
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			qty = ?, filled_qty = ?, limit_price = ?, stop_price = ?,
			trail_amount = ?, triggered = ?, status = ?, filled_avg_price = ?,
			updated_at = ?
		WHERE id = ?`,
		o.Qty, o.FilledQty, o.LimitPrice, o.StopPrice, o.TrailAmount, o.Triggered,
		string(o.Status), o.FilledAvgPrice, o.UpdatedAt.UnixMilli(), o.ID)
	return err
}

// CompareAndSwapStatus atomically moves an order between statuses. The WHERE
// clause carries the expected status, so a concurrent transition loses the
// race cleanly instead of clobbering it.
func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, err := s.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return domain.NewStateConflictError("order " + id + " not found")
		}
		return domain.NewStateConflictError("order " + id + " is " + string(cur.Status) + ", expected " + string(from))
	}
	return nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates the position for an account/symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (account_id, symbol, qty, avg_entry_price, realized_pnl)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			realized_pnl = excluded.realized_pnl`,
		p.AccountID, p.Symbol, p.Qty, p.AvgEntryPrice, p.RealizedPnL)
	return err
}

// GetPosition retrieves a position, or (nil, nil) if absent.
func (s *SQLiteStore) GetPosition(ctx context.Context, accountID, symbol string) (*domain.Position, error) {
	var p domain.Position
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, symbol, qty, avg_entry_price, realized_pnl
		FROM positions WHERE account_id = ? AND symbol = ?`,
		accountID, symbol).Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgEntryPrice, &p.RealizedPnL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns all positions for an account.
func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, symbol, qty, avg_entry_price, realized_pnl
		FROM positions WHERE account_id = ? ORDER BY symbol ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgEntryPrice, &p.RealizedPnL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes the position for an account/symbol.
func (s *SQLiteStore) DeletePosition(ctx context.Context, accountID, symbol string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	return err
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

// SaveAccount inserts or updates an account.
func (s *SQLiteStore) SaveAccount(ctx context.Context, a *domain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, margin_used)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			balance = excluded.balance,
			margin_used = excluded.margin_used`,
		a.ID, a.Balance, a.MarginUsed)
	return err
}

// GetAccount retrieves an account by ID, or (nil, nil) if absent.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var a domain.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance, margin_used FROM accounts WHERE id = ?`,
		id).Scan(&a.ID, &a.Balance, &a.MarginUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ApplyBalanceChange atomically adds delta to the account balance.
func (s *SQLiteStore) ApplyBalanceChange(ctx context.Context, id string, delta float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + ? WHERE id = ?`, delta, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewStateConflictError("account " + id + " not found")
	}
	return nil
}

// UpdateMargin sets the account's margin in use.
func (s *SQLiteStore) UpdateMargin(ctx context.Context, id string, marginUsed float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET margin_used = ? WHERE id = ?`, marginUsed, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewStateConflictError("account " + id + " not found")
	}
	return nil
}
