package store

import (
	"context"
	"sort"
	"sync"

	"tradesim/internal/domain"
)

// Compile-time interface checks.
var _ OrderStore = (*MemoryStore)(nil)
var _ PositionStore = (*MemoryStore)(nil)
var _ AccountStore = (*MemoryStore)(nil)

// MemoryStore implements OrderStore, PositionStore, and AccountStore with
// in-process maps. It backs tests and ephemeral deployments where durability
// is not needed.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]domain.Order
	positions map[posKey]domain.Position
	accounts  map[string]domain.Account
}

type posKey struct {
	accountID string
	symbol    string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]domain.Order),
		positions: make(map[posKey]domain.Position),
		accounts:  make(map[string]domain.Account),
	}
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order.
func (s *MemoryStore) SaveOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = *order
	return nil
}

// GetOrder retrieves an order by ID, or (nil, nil) if absent.
func (s *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// ListOpenOrders returns working/partial orders for an account and symbol,
// ordered by creation time.
func (s *MemoryStore) ListOpenOrders(_ context.Context, accountID, symbol string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.AccountID != accountID || o.Symbol != symbol {
			continue
		}
		if o.Status != domain.OrderStatusWorking && o.Status != domain.OrderStatusPartial {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListOrders returns all orders for an account, newest first.
func (s *MemoryStore) ListOrders(_ context.Context, accountID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateOrder persists changes to an existing order.
func (s *MemoryStore) UpdateOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = *order
	return nil
}

// CompareAndSwapStatus atomically moves an order between statuses.
func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, from, to domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.NewStateConflictError("order " + id + " not found")
	}
	if o.Status != from {
		return domain.NewStateConflictError("order " + id + " is " + string(o.Status) + ", expected " + string(from))
	}
	o.Status = to
	s.orders[id] = o
	return nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates the position for an account/symbol.
func (s *MemoryStore) SavePosition(_ context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey{pos.AccountID, pos.Symbol}] = *pos
	return nil
}

// GetPosition retrieves a position, or (nil, nil) if absent.
func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey{accountID, symbol}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ListPositions returns all positions for an account.
func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for k, p := range s.positions {
		if k.accountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// DeletePosition removes the position for an account/symbol.
func (s *MemoryStore) DeletePosition(_ context.Context, accountID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, posKey{accountID, symbol})
	return nil
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

// SaveAccount inserts or updates an account.
func (s *MemoryStore) SaveAccount(_ context.Context, acct *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = *acct
	return nil
}

// GetAccount retrieves an account by ID, or (nil, nil) if absent.
func (s *MemoryStore) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// ApplyBalanceChange atomically adds delta to the account balance.
func (s *MemoryStore) ApplyBalanceChange(_ context.Context, id string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.NewStateConflictError("account " + id + " not found")
	}
	a.Balance += delta
	s.accounts[id] = a
	return nil
}

// UpdateMargin sets the account's margin in use.
func (s *MemoryStore) UpdateMargin(_ context.Context, id string, marginUsed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.NewStateConflictError("account " + id + " not found")
	}
	a.MarginUsed = marginUsed
	s.accounts[id] = a
	return nil
}
