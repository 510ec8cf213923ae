package prices

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Symbol is one of the tradable crypto assets. The set is closed: anything
// outside it is rejected before reaching the settlement engine.
type Symbol string

const (
	BTC Symbol = "BTC"
	ETH Symbol = "ETH"
	SOL Symbol = "SOL"
)

// Symbols lists every tradable symbol in ascending order.
func Symbols() []Symbol {
	return []Symbol{BTC, ETH, SOL}
}

func ParseSymbol(raw string) (Symbol, error) {
	switch Symbol(strings.ToUpper(strings.TrimSpace(raw))) {
	case BTC:
		return BTC, nil
	case ETH:
		return ETH, nil
	case SOL:
		return SOL, nil
	default:
		return "", fmt.Errorf("unknown symbol %q", raw)
	}
}

// Oracle returns the current USD unit price for a symbol.
type Oracle interface {
	Quote(symbol Symbol) decimal.Decimal
}

// FixedOracle serves a static quote table. Prices are not a market; they are
// a published lookup used for paper settlement.
type FixedOracle struct {
	quotes map[Symbol]decimal.Decimal
}

func NewFixedOracle() *FixedOracle {
	return &FixedOracle{
		quotes: map[Symbol]decimal.Decimal{
			BTC: decimal.NewFromInt(50000),
			ETH: decimal.NewFromInt(2500),
			SOL: decimal.NewFromInt(120),
		},
	}
}

func (o *FixedOracle) Quote(symbol Symbol) decimal.Decimal {
	return o.quotes[symbol]
}

// All returns the full quote table keyed by symbol, in ascending order.
func (o *FixedOracle) All() []QuoteEntry {
	entries := make([]QuoteEntry, 0, len(o.quotes))
	for _, sym := range Symbols() {
		entries = append(entries, QuoteEntry{Symbol: sym, PriceUSD: o.quotes[sym]})
	}
	return entries
}

type QuoteEntry struct {
	Symbol   Symbol
	PriceUSD decimal.Decimal
}
