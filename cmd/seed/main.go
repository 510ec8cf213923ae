package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/papertrade/papertrade/internal/engine"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/papertrade/papertrade/internal/store"
	"github.com/shopspring/decimal"
)

func main() {
	env := getEnv("PAPER_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: PAPER_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "papertrade")
	user := getEnv("POSTGRES_USER", "papertrade")
	password := getEnv("POSTGRES_PASSWORD", "papertrade")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	st := store.NewPostgres(pool, nil, 10*time.Second)
	eng := engine.New(st, prices.NewFixedOracle(), nil, nil)

	if err := seedDemoUsers(ctx, eng); err != nil {
		log.Fatalf("seed demo users: %v", err)
	}
	fmt.Println("✓ Demo users seeded")

	if env == "test" {
		if err := seedTestData(ctx, eng); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test fixtures seeded")
	}

	fmt.Println("Done.")
}

// seedDemoUsers provisions two paper traders and runs a few settlements so
// the dev environment has holdings and a transaction history to look at.
func seedDemoUsers(ctx context.Context, eng *engine.Engine) error {
	if _, err := eng.EnsureProvisioned(ctx, "alice", "+15550000001"); err != nil {
		return fmt.Errorf("provision alice: %w", err)
	}
	if _, err := eng.EnsureProvisioned(ctx, "bob", "+15550000002"); err != nil {
		return fmt.Errorf("provision bob: %w", err)
	}

	// Re-running the seeder repeats these trades; acceptable for paper money.
	if _, err := eng.Buy(ctx, "alice", prices.BTC, decimal.NewFromInt(500)); err != nil {
		return fmt.Errorf("alice buy btc: %w", err)
	}
	if _, err := eng.Buy(ctx, "alice", prices.ETH, decimal.NewFromInt(250)); err != nil {
		return fmt.Errorf("alice buy eth: %w", err)
	}
	if _, err := eng.Sell(ctx, "alice", prices.BTC, decimal.RequireFromString("0.001")); err != nil {
		return fmt.Errorf("alice sell btc: %w", err)
	}
	if _, err := eng.Buy(ctx, "bob", prices.SOL, decimal.NewFromInt(1200)); err != nil {
		return fmt.Errorf("bob buy sol: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
