package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nathanyu/p2p-wallet/internal/domain"
)

// MemoryStore keeps accounts in process memory. It only offers the single-row
// conditional primitives, so transfers against it go through the
// compare-and-retry protocol.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]domain.Account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("get %q: %w", id, domain.ErrAccountNotFound)
	}
	return acc, nil
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, id, displayName string, initialBalance int64) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	if initialBalance < 0 {
		return CreateResult{}, domain.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accounts[id]; ok {
		return CreateResult{Created: false, Account: existing}, nil
	}

	acc := domain.Account{
		ID:          id,
		DisplayName: displayName,
		Balance:     initialBalance,
		CreatedAt:   s.now(),
	}
	s.accounts[id] = acc
	return CreateResult{Created: true, Account: acc}, nil
}

func (s *MemoryStore) ApplyDelta(ctx context.Context, id string, delta, expectedBalance int64) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("apply delta %q: %w", id, domain.ErrAccountNotFound)
	}
	if acc.Balance != expectedBalance {
		return domain.Account{}, fmt.Errorf("apply delta %q: expected %d, found %d: %w", id, expectedBalance, acc.Balance, domain.ErrConflict)
	}
	if acc.Balance+delta < 0 {
		return domain.Account{}, fmt.Errorf("apply delta %q: %w", id, domain.ErrInsufficientBalance)
	}

	acc.Balance += delta
	s.accounts[id] = acc
	return acc, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	result := make([]domain.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		result = append(result, acc)
	}
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// TotalBalance returns the sum of all balances
func (s *MemoryStore) TotalBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, acc := range s.accounts {
		total += acc.Balance
	}
	return total
}
