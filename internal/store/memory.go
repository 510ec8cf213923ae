package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/shopspring/decimal"
)

// MemoryStore is the process-local fallback used when the durable store is
// unreachable. It honors the same contract with weaker durability: nothing
// survives a restart and instances never converge across processes.
type MemoryStore struct {
	mu      sync.RWMutex
	byName  map[string]*memoryAccount
	byPhone map[string]*memoryAccount
}

type memoryAccount struct {
	// mu is the per-user exclusive section. Lock ordering is always s.mu
	// before acct.mu; acct.mu is never held across a map-lock acquisition.
	mu           sync.Mutex
	user         User
	balanceCents int64
	holdings     map[prices.Symbol]decimal.Decimal
	transactions []Transaction
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		byName:  make(map[string]*memoryAccount),
		byPhone: make(map[string]*memoryAccount),
	}
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	acct, ok := s.byName[username]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	user := acct.user
	return &user, nil
}

func (s *MemoryStore) GetUserByPhone(_ context.Context, phone string) (*User, error) {
	s.mu.RLock()
	acct, ok := s.byPhone[phone]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	user := acct.user
	return &user, nil
}

func (s *MemoryStore) ProvisionUser(_ context.Context, username, phone string) (*ProvisionedUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.byName[username]; ok {
		acct.mu.Lock()
		out := &ProvisionedUser{User: acct.user, BalanceCents: acct.balanceCents}
		acct.mu.Unlock()
		return out, nil
	}

	acct := &memoryAccount{
		user: User{
			ID:        uuid.New(),
			Username:  username,
			Phone:     phone,
			CreatedAt: time.Now().UTC(),
		},
		balanceCents: StartingBalanceCents,
		holdings:     make(map[prices.Symbol]decimal.Decimal),
	}
	s.byName[username] = acct
	if phone != "" {
		s.byPhone[phone] = acct
	}
	return &ProvisionedUser{User: acct.user, BalanceCents: acct.balanceCents}, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, username string) (*BalanceSnapshot, error) {
	s.mu.RLock()
	acct, ok := s.byName[username]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	holdings := make([]Holding, 0, len(acct.holdings))
	for symbol, qty := range acct.holdings {
		if qty.GreaterThan(decimal.Zero) {
			holdings = append(holdings, Holding{Symbol: symbol, Quantity: qty})
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })

	return &BalanceSnapshot{
		Username:     acct.user.Username,
		BalanceCents: acct.balanceCents,
		Holdings:     holdings,
	}, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, username string) ([]Transaction, error) {
	s.mu.RLock()
	acct, ok := s.byName[username]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make([]Transaction, len(acct.transactions))
	copy(out, acct.transactions)
	return out, nil
}

func (s *MemoryStore) RunExclusive(_ context.Context, username string, symbol prices.Symbol, fn ExclusiveFn) error {
	s.mu.RLock()
	acct, ok := s.byName[username]
	s.mu.RUnlock()
	if !ok {
		return ErrUserNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	view := ExclusiveView{
		UserID:       acct.user.ID,
		Username:     acct.user.Username,
		BalanceCents: acct.balanceCents,
		Quantity:     acct.holdings[symbol],
	}

	write, err := fn(view)
	if err != nil {
		return err
	}
	if err := validateWrite(write); err != nil {
		return err
	}

	acct.balanceCents = write.BalanceCents
	acct.holdings[symbol] = write.Quantity
	rec := write.Transaction
	acct.transactions = append(acct.transactions, Transaction{
		ID:        uuid.New(),
		UserID:    acct.user.ID,
		Direction: rec.Direction,
		Symbol:    rec.Symbol,
		PriceUSD:  rec.PriceUSD,
		Quantity:  rec.Quantity,
		AmountUSD: rec.AmountUSD,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}
