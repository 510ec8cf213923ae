package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountNotFound = errors.New("account not found")

	// ErrStoreUnavailable marks infrastructure failure, as opposed to a
	// domain rejection. Callers fail over to the in-memory store on it.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StartingBalanceCents is seeded exactly once per user at provisioning.
const StartingBalanceCents int64 = 1_000_000

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

type User struct {
	ID        uuid.UUID
	Username  string
	Phone     string
	CreatedAt time.Time
}

type ProvisionedUser struct {
	User         User
	BalanceCents int64
}

type Holding struct {
	Symbol   prices.Symbol
	Quantity decimal.Decimal
}

type BalanceSnapshot struct {
	Username     string
	BalanceCents int64
	// Holdings contains strictly positive quantities, ordered by symbol
	// ascending.
	Holdings []Holding
}

type Transaction struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Direction Direction
	Symbol    prices.Symbol
	PriceUSD  decimal.Decimal
	Quantity  decimal.Decimal
	AmountUSD decimal.Decimal
	CreatedAt time.Time
}

// TransactionRecord is the append-only fact written alongside a settlement.
type TransactionRecord struct {
	Direction Direction
	Symbol    prices.Symbol
	PriceUSD  decimal.Decimal
	Quantity  decimal.Decimal
	AmountUSD decimal.Decimal
}

// ExclusiveView is the locked state handed to an exclusive section: the
// user's cash balance and the quantity held for the requested symbol (zero
// when no holding row exists).
type ExclusiveView struct {
	UserID       uuid.UUID
	Username     string
	BalanceCents int64
	Quantity     decimal.Decimal
}

// LedgerWrite is the full set of effects an exclusive section applies
// atomically: the new cash balance, the new holding quantity for the locked
// symbol, and one transaction record.
type LedgerWrite struct {
	BalanceCents int64
	Quantity     decimal.Decimal
	Transaction  TransactionRecord
}

// ExclusiveFn computes a LedgerWrite from the locked view. Returning an
// error discards every effect; the error is surfaced verbatim.
type ExclusiveFn func(view ExclusiveView) (*LedgerWrite, error)

// Store is the single storage contract the settlement engine is written
// against. The durable and in-memory implementations are interchangeable.
type Store interface {
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)

	// ProvisionUser is an idempotent upsert: an existing user is returned
	// unchanged, balance included; a new one gets an account seeded with
	// StartingBalanceCents in the same atomic step.
	ProvisionUser(ctx context.Context, username, phone string) (*ProvisionedUser, error)

	GetBalance(ctx context.Context, username string) (*BalanceSnapshot, error)
	ListTransactions(ctx context.Context, username string) ([]Transaction, error)

	// RunExclusive serializes all settlement activity for one user: it
	// locks the user's account and the holding row for symbol, invokes fn
	// with the locked state, and applies the returned write atomically.
	// Operations for different users never block each other.
	RunExclusive(ctx context.Context, username string, symbol prices.Symbol, fn ExclusiveFn) error
}

// validateWrite refuses a write that would break a ledger invariant. This
// cannot happen under correct locking; when it does, the write must not be
// applied or clamped.
func validateWrite(write *LedgerWrite) error {
	if write == nil {
		return fmt.Errorf("ledger write required")
	}
	if write.BalanceCents < 0 {
		return fmt.Errorf("invariant violation: negative balance %d", write.BalanceCents)
	}
	if write.Quantity.IsNegative() {
		return fmt.Errorf("invariant violation: negative quantity %s", write.Quantity)
	}
	switch write.Transaction.Direction {
	case DirectionBuy, DirectionSell:
	default:
		return fmt.Errorf("invariant violation: direction %q", write.Transaction.Direction)
	}
	return nil
}
