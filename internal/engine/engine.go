package engine

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/papertrade/papertrade/internal/events"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/papertrade/papertrade/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient usd balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidAmount        = errors.New("amount must be a positive number")
)

var centsPerDollar = decimal.NewFromInt(100)

// holdingPrecision is the fractional digit count of the holdings ledger
// (NUMERIC(30,12)). Quantities are quantized here so the value returned to
// the caller is exactly the value every store persists.
const holdingPrecision = 12

// Store is the storage contract the engine is written against. Both the
// durable and in-memory implementations satisfy it; the engine never locks
// anything itself.
type Store interface {
	GetUser(ctx context.Context, username string) (*store.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*store.User, error)
	ProvisionUser(ctx context.Context, username, phone string) (*store.ProvisionedUser, error)
	GetBalance(ctx context.Context, username string) (*store.BalanceSnapshot, error)
	ListTransactions(ctx context.Context, username string) ([]store.Transaction, error)
	RunExclusive(ctx context.Context, username string, symbol prices.Symbol, fn store.ExclusiveFn) error
}

type BuyResult struct {
	Symbol          prices.Symbol
	PriceUSD        decimal.Decimal
	Quantity        decimal.Decimal
	USDSpent        decimal.Decimal
	NewBalanceCents int64
}

type SellResult struct {
	Symbol          prices.Symbol
	PriceUSD        decimal.Decimal
	QuantitySold    decimal.Decimal
	USDReceived     decimal.Decimal
	NewBalanceCents int64
}

type Balance struct {
	Username     string
	BalanceCents int64
	Holdings     []store.Holding
	// PortfolioValueCents is cash plus holdings at current quotes, for
	// display only; it never feeds back into the ledger.
	PortfolioValueCents int64
}

// Engine executes paper settlements: the atomic state transition that moves
// value between a user's cash balance and a symbol holding at the oracle
// price, recording one transaction per operation.
type Engine struct {
	store     Store
	oracle    prices.Oracle
	logger    *slog.Logger
	metrics   *Metrics
	publisher events.Publisher
	topic     string
}

func New(st Store, oracle prices.Oracle, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		oracle:  oracle,
		logger:  logger,
		metrics: metrics,
	}
}

// WithPublisher enables best-effort settlement event publication. A publish
// failure is logged and never rolls back a committed settlement.
func (e *Engine) WithPublisher(publisher events.Publisher, topic string) *Engine {
	e.publisher = publisher
	e.topic = topic
	return e
}

// EnsureProvisioned creates the User and its starting-balance Account on
// first contact. Safe to call repeatedly and concurrently.
func (e *Engine) EnsureProvisioned(ctx context.Context, username, phone string) (*store.ProvisionedUser, error) {
	return e.store.ProvisionUser(ctx, username, phone)
}

func (e *Engine) Buy(ctx context.Context, username string, symbol prices.Symbol, usdAmount decimal.Decimal) (*BuyResult, error) {
	start := time.Now()
	res, err := e.buy(ctx, username, symbol, usdAmount)
	e.observe("buy", start, err)
	return res, err
}

func (e *Engine) buy(ctx context.Context, username string, symbol prices.Symbol, usdAmount decimal.Decimal) (*BuyResult, error) {
	if usdAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	// One price fetch per operation: the ledger update and the recorded
	// transaction must see the same quote.
	price := e.oracle.Quote(symbol)
	cents := toCents(usdAmount)
	quantity := usdAmount.Div(price).Round(holdingPrecision)

	var result *BuyResult
	err := e.store.RunExclusive(ctx, username, symbol, func(view store.ExclusiveView) (*store.LedgerWrite, error) {
		if view.BalanceCents < cents {
			return nil, ErrInsufficientFunds
		}
		newBalance := view.BalanceCents - cents
		result = &BuyResult{
			Symbol:          symbol,
			PriceUSD:        price,
			Quantity:        quantity,
			USDSpent:        usdAmount,
			NewBalanceCents: newBalance,
		}
		return &store.LedgerWrite{
			BalanceCents: newBalance,
			Quantity:     view.Quantity.Add(quantity),
			Transaction: store.TransactionRecord{
				Direction: store.DirectionBuy,
				Symbol:    symbol,
				PriceUSD:  price,
				Quantity:  quantity,
				AmountUSD: usdAmount,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.publishSettled(ctx, username, store.DirectionBuy, symbol, price, quantity, usdAmount, result.NewBalanceCents)
	return result, nil
}

func (e *Engine) Sell(ctx context.Context, username string, symbol prices.Symbol, quantity decimal.Decimal) (*SellResult, error) {
	start := time.Now()
	res, err := e.sell(ctx, username, symbol, quantity)
	e.observe("sell", start, err)
	return res, err
}

func (e *Engine) sell(ctx context.Context, username string, symbol prices.Symbol, quantity decimal.Decimal) (*SellResult, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	price := e.oracle.Quote(symbol)
	// The cash ledger is credited with the rounded cents; the transaction
	// record keeps the unrounded USD amount.
	usdReceived := quantity.Mul(price)
	cents := toCents(usdReceived)

	var result *SellResult
	err := e.store.RunExclusive(ctx, username, symbol, func(view store.ExclusiveView) (*store.LedgerWrite, error) {
		if view.Quantity.LessThan(quantity) {
			return nil, ErrInsufficientHoldings
		}
		newBalance := view.BalanceCents + cents
		result = &SellResult{
			Symbol:          symbol,
			PriceUSD:        price,
			QuantitySold:    quantity,
			USDReceived:     usdReceived,
			NewBalanceCents: newBalance,
		}
		return &store.LedgerWrite{
			BalanceCents: newBalance,
			Quantity:     view.Quantity.Sub(quantity),
			Transaction: store.TransactionRecord{
				Direction: store.DirectionSell,
				Symbol:    symbol,
				PriceUSD:  price,
				Quantity:  quantity,
				AmountUSD: usdReceived,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.publishSettled(ctx, username, store.DirectionSell, symbol, price, quantity, usdReceived, result.NewBalanceCents)
	return result, nil
}

func (e *Engine) GetBalance(ctx context.Context, username string) (*Balance, error) {
	snapshot, err := e.store.GetBalance(ctx, username)
	if err != nil {
		if e.metrics != nil {
			e.metrics.BalanceLookups.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.BalanceLookups.WithLabelValues("success").Inc()
	}

	total := snapshot.BalanceCents
	for _, holding := range snapshot.Holdings {
		total += toCents(holding.Quantity.Mul(e.oracle.Quote(holding.Symbol)))
	}

	return &Balance{
		Username:            snapshot.Username,
		BalanceCents:        snapshot.BalanceCents,
		Holdings:            snapshot.Holdings,
		PortfolioValueCents: total,
	}, nil
}

func (e *Engine) ListTransactions(ctx context.Context, username string) ([]store.Transaction, error) {
	return e.store.ListTransactions(ctx, username)
}

func (e *Engine) publishSettled(ctx context.Context, username string, direction store.Direction, symbol prices.Symbol, price, quantity, usdAmount decimal.Decimal, balanceCents int64) {
	if e.publisher == nil || e.topic == "" {
		return
	}
	evt, err := events.NewTradeSettled(username, string(direction), string(symbol), price, quantity, usdAmount, balanceCents)
	if err != nil {
		e.logger.Error("build settlement event failed", "username", username, "error", err)
		return
	}
	if _, _, err := e.publisher.PublishJSON(ctx, e.topic, username, evt); err != nil {
		e.logger.Error("publish settlement event failed", "username", username, "error", err)
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.SettlementDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	e.metrics.SettlementsTotal.WithLabelValues(op, settlementStatus(err)).Inc()
}

func settlementStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientHoldings),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		return "rejected"
	default:
		return "error"
	}
}

// toCents rounds a USD amount to the nearest cent, half away from zero.
func toCents(usd decimal.Decimal) int64 {
	return usd.Mul(centsPerDollar).Round(0).IntPart()
}
