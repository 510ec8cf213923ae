package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/shopspring/decimal"
)

// PostgresStore is the durable Store backed by row locking. All settlement
// effects for one operation are applied inside a single transaction.
type PostgresStore struct {
	pool         *pgxpool.Pool
	logger       *slog.Logger
	queryTimeout time.Duration
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger, queryTimeout time.Duration) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}
	return &PostgresStore{
		pool:         pool,
		logger:       logger,
		queryTimeout: queryTimeout,
	}
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var user User
	var phone *string
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, phone_number, created_at
		FROM users
		WHERE username = $1
	`, username)
	if err := row.Scan(&user.ID, &user.Username, &phone, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, s.wrapErr(err)
	}
	if phone != nil {
		user.Phone = *phone
	}
	return &user, nil
}

func (s *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var user User
	var stored *string
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, phone_number, created_at
		FROM users
		WHERE phone_number = $1
	`, phone)
	if err := row.Scan(&user.ID, &user.Username, &stored, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, s.wrapErr(err)
	}
	if stored != nil {
		user.Phone = *stored
	}
	return &user, nil
}

func (s *PostgresStore) ProvisionUser(ctx context.Context, username, phone string) (*ProvisionedUser, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, s.wrapErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var user User
	var storedPhone *string
	// The no-op DO UPDATE makes RETURNING fire for existing rows too, so a
	// repeat call yields the same id without a second round trip.
	err = tx.QueryRow(ctx, `
		INSERT INTO users (username, phone_number)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING id, username, phone_number, created_at
	`, username, phone).Scan(&user.ID, &user.Username, &storedPhone, &user.CreatedAt)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	if storedPhone != nil {
		user.Phone = *storedPhone
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id, usd_balance_cents)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, user.ID, StartingBalanceCents); err != nil {
		return nil, s.wrapErr(err)
	}

	var balance int64
	if err := tx.QueryRow(ctx, `
		SELECT usd_balance_cents FROM accounts WHERE user_id = $1
	`, user.ID).Scan(&balance); err != nil {
		return nil, s.wrapErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, s.wrapErr(err)
	}
	committed = true

	return &ProvisionedUser{User: user, BalanceCents: balance}, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, username string) (*BalanceSnapshot, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// Balance and holdings are read in one transaction so a settlement
	// committing between the two reads cannot produce a torn snapshot.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, s.wrapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var userID uuid.UUID
	var storedName string
	if err := tx.QueryRow(ctx, `
		SELECT id, username FROM users WHERE username = $1
	`, username).Scan(&userID, &storedName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, s.wrapErr(err)
	}

	var balance int64
	if err := tx.QueryRow(ctx, `
		SELECT usd_balance_cents FROM accounts WHERE user_id = $1
	`, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, s.wrapErr(err)
	}

	rows, err := tx.Query(ctx, `
		SELECT symbol, quantity::text
		FROM holdings
		WHERE user_id = $1 AND quantity > 0
		ORDER BY symbol ASC
	`, userID)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		var symbol string
		var qtyStr string
		if err := rows.Scan(&symbol, &qtyStr); err != nil {
			return nil, s.wrapErr(err)
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("parse holding quantity: %w", err)
		}
		holdings = append(holdings, Holding{Symbol: prices.Symbol(symbol), Quantity: qty})
	}
	if rows.Err() != nil {
		return nil, s.wrapErr(rows.Err())
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return nil, s.wrapErr(err)
	}

	return &BalanceSnapshot{
		Username:     storedName,
		BalanceCents: balance,
		Holdings:     holdings,
	}, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, username string) ([]Transaction, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	user, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, direction, symbol, price_usd::text, quantity::text, usd_amount::text, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, user.ID)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		var txn Transaction
		var direction, symbol, priceStr, qtyStr, amountStr string
		if err := rows.Scan(&txn.ID, &txn.UserID, &direction, &symbol, &priceStr, &qtyStr, &amountStr, &txn.CreatedAt); err != nil {
			return nil, s.wrapErr(err)
		}
		txn.Direction = Direction(direction)
		txn.Symbol = prices.Symbol(symbol)
		if txn.PriceUSD, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse transaction price: %w", err)
		}
		if txn.Quantity, err = decimal.NewFromString(qtyStr); err != nil {
			return nil, fmt.Errorf("parse transaction quantity: %w", err)
		}
		if txn.AmountUSD, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse transaction amount: %w", err)
		}
		txns = append(txns, txn)
	}
	if rows.Err() != nil {
		return nil, s.wrapErr(rows.Err())
	}
	return txns, nil
}

func (s *PostgresStore) RunExclusive(ctx context.Context, username string, symbol prices.Symbol, fn ExclusiveFn) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return s.wrapErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	view := ExclusiveView{Username: username}
	if err := tx.QueryRow(ctx, `
		SELECT id FROM users WHERE username = $1
	`, username).Scan(&view.UserID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return s.wrapErr(err)
	}

	// Account row lock is the exclusive section: every settlement for this
	// user serializes here.
	if err := tx.QueryRow(ctx, `
		SELECT usd_balance_cents FROM accounts WHERE user_id = $1 FOR UPDATE
	`, view.UserID).Scan(&view.BalanceCents); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return s.wrapErr(err)
	}

	var qtyStr string
	err = tx.QueryRow(ctx, `
		SELECT quantity::text FROM holdings WHERE user_id = $1 AND symbol = $2 FOR UPDATE
	`, view.UserID, string(symbol)).Scan(&qtyStr)
	switch {
	case err == nil:
		view.Quantity, err = decimal.NewFromString(qtyStr)
		if err != nil {
			return fmt.Errorf("parse holding quantity: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		view.Quantity = decimal.Zero
	default:
		return s.wrapErr(err)
	}

	write, err := fn(view)
	if err != nil {
		return err
	}
	if err := validateWrite(write); err != nil {
		s.logger.Error("refusing ledger write", "username", username, "error", err)
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET usd_balance_cents = $1, updated_at = $2 WHERE user_id = $3
	`, write.BalanceCents, now, view.UserID); err != nil {
		return s.wrapErr(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO holdings (user_id, symbol, quantity, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, symbol) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, view.UserID, string(symbol), write.Quantity.String(), now); err != nil {
		return s.wrapErr(err)
	}

	rec := write.Transaction
	if _, err := tx.Exec(ctx, `
		INSERT INTO transactions (user_id, direction, symbol, price_usd, quantity, usd_amount)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, view.UserID, string(rec.Direction), string(rec.Symbol), rec.PriceUSD.String(), rec.Quantity.String(), rec.AmountUSD.String()); err != nil {
		return s.wrapErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.wrapErr(err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *PostgresStore) wrapErr(err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// isUnavailable classifies connection-level failures so callers can fail
// over instead of surfacing a false business error. Query timeouts count as
// unavailability per the store contract.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 57P01-57P03: server shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
