package main

import (
	"context"
	"fmt"

	"github.com/papertrade/papertrade/internal/engine"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/shopspring/decimal"
)

// seedTestData provisions accounts in the corner states integration suites
// poke at: a nearly broke user and one holding a dust quantity.
func seedTestData(ctx context.Context, eng *engine.Engine) error {
	if _, err := eng.EnsureProvisioned(ctx, "broke", ""); err != nil {
		return fmt.Errorf("provision broke: %w", err)
	}
	// Spend all but one dollar.
	if _, err := eng.Buy(ctx, "broke", prices.BTC, decimal.NewFromInt(9_999)); err != nil {
		return fmt.Errorf("broke buy btc: %w", err)
	}

	if _, err := eng.EnsureProvisioned(ctx, "dust", ""); err != nil {
		return fmt.Errorf("provision dust: %w", err)
	}
	if _, err := eng.Buy(ctx, "dust", prices.BTC, decimal.RequireFromString("0.01")); err != nil {
		return fmt.Errorf("dust buy btc: %w", err)
	}
	return nil
}
