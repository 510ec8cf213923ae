package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/papertrade/papertrade/internal/prices"
)

// FailoverObserver is notified when a durable operation fails over to the
// fallback store.
type FailoverObserver interface {
	IncFailover(op string)
}

// TieredStore routes every operation to the durable store and fails over to
// the in-memory fallback on ErrStoreUnavailable. One retry is attempted
// against the durable store before giving up on it. After a fail-over the
// durable store is skipped for a cooldown window instead of probing it on
// every request.
type TieredStore struct {
	durable  Store
	fallback Store
	logger   *slog.Logger
	observer FailoverObserver
	cooldown time.Duration

	mu        sync.Mutex
	downUntil time.Time
}

func NewTiered(durable, fallback Store, logger *slog.Logger, cooldown time.Duration, observer FailoverObserver) *TieredStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &TieredStore{
		durable:  durable,
		fallback: fallback,
		logger:   logger,
		observer: observer,
		cooldown: cooldown,
	}
}

func (t *TieredStore) GetUser(ctx context.Context, username string) (*User, error) {
	return runTiered(t, ctx, "get_user", func(s Store) (*User, error) {
		return s.GetUser(ctx, username)
	})
}

func (t *TieredStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	return runTiered(t, ctx, "get_user_by_phone", func(s Store) (*User, error) {
		return s.GetUserByPhone(ctx, phone)
	})
}

func (t *TieredStore) ProvisionUser(ctx context.Context, username, phone string) (*ProvisionedUser, error) {
	return runTiered(t, ctx, "provision_user", func(s Store) (*ProvisionedUser, error) {
		return s.ProvisionUser(ctx, username, phone)
	})
}

func (t *TieredStore) GetBalance(ctx context.Context, username string) (*BalanceSnapshot, error) {
	return runTiered(t, ctx, "get_balance", func(s Store) (*BalanceSnapshot, error) {
		return s.GetBalance(ctx, username)
	})
}

func (t *TieredStore) ListTransactions(ctx context.Context, username string) ([]Transaction, error) {
	return runTiered(t, ctx, "list_transactions", func(s Store) ([]Transaction, error) {
		return s.ListTransactions(ctx, username)
	})
}

func (t *TieredStore) RunExclusive(ctx context.Context, username string, symbol prices.Symbol, fn ExclusiveFn) error {
	_, err := runTiered(t, ctx, "run_exclusive", func(s Store) (struct{}, error) {
		return struct{}{}, s.RunExclusive(ctx, username, symbol, fn)
	})
	return err
}

func runTiered[T any](t *TieredStore, ctx context.Context, op string, call func(Store) (T, error)) (T, error) {
	if t.durableUp() {
		out, err := call(t.durable)
		if !errors.Is(err, ErrStoreUnavailable) {
			return out, err
		}
		// Domain rejections never reach here; retry the durable store once
		// before failing over.
		out, err = call(t.durable)
		if !errors.Is(err, ErrStoreUnavailable) {
			return out, err
		}
		t.markDown(op, err)
	}
	return call(t.fallback)
}

func (t *TieredStore) durableUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Now().After(t.downUntil)
}

func (t *TieredStore) markDown(op string, err error) {
	t.mu.Lock()
	t.downUntil = time.Now().Add(t.cooldown)
	t.mu.Unlock()

	t.logger.Warn("durable store unavailable, serving from memory",
		"op", op,
		"cooldown", t.cooldown.String(),
		"error", err,
	)
	if t.observer != nil {
		t.observer.IncFailover(op)
	}
}
