package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TradeSettledType    = "trade.settled"
	TradeSettledVersion = 1
)

type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// TradeSettled is published after a settlement commits. Amounts are decimal
// strings so downstream consumers never touch binary floats.
type TradeSettled struct {
	Envelope
	Username     string `json:"username"`
	Direction    string `json:"direction"`
	Symbol       string `json:"symbol"`
	PriceUSD     string `json:"price_usd"`
	Quantity     string `json:"quantity"`
	USDAmount    string `json:"usd_amount"`
	BalanceCents int64  `json:"usd_balance_cents"`
}

func NewTradeSettled(username, direction, symbol string, price, quantity, usdAmount decimal.Decimal, balanceCents int64) (TradeSettled, error) {
	if username == "" {
		return TradeSettled{}, fmt.Errorf("username is required")
	}
	if symbol == "" {
		return TradeSettled{}, fmt.Errorf("symbol is required")
	}
	return TradeSettled{
		Envelope: Envelope{
			EventID:      uuid.NewString(),
			EventType:    TradeSettledType,
			EventVersion: TradeSettledVersion,
			Timestamp:    time.Now().UTC(),
		},
		Username:     username,
		Direction:    direction,
		Symbol:       symbol,
		PriceUSD:     price.String(),
		Quantity:     quantity.String(),
		USDAmount:    usdAmount.String(),
		BalanceCents: balanceCents,
	}, nil
}
