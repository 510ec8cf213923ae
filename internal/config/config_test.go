package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAPER_CONFIG", "does-not-exist.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.ServiceName != "papertrade" {
		t.Fatalf("unexpected service name %q", cfg.App.ServiceName)
	}
	if cfg.App.HTTP.Port != 8080 {
		t.Fatalf("unexpected port %d", cfg.App.HTTP.Port)
	}
	if cfg.DB.Host != "localhost" || cfg.DB.Name != "papertrade" {
		t.Fatalf("unexpected db defaults: %+v", cfg.DB)
	}
	if cfg.DB.QueryTimeout != 3*time.Second {
		t.Fatalf("unexpected query timeout %v", cfg.DB.QueryTimeout)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("kafka enabled without brokers")
	}
	if cfg.RateLimit.TradeLimit != 30 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Failover.Cooldown != 10*time.Second {
		t.Fatalf("unexpected failover cooldown %v", cfg.Failover.Cooldown)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAPER_CONFIG", "does-not-exist.yaml")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_QUERY_TIMEOUT", "500ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PAPER_TRADE_RATE_LIMIT", "5")
	t.Setenv("PAPER_FAILOVER_COOLDOWN", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DB.Host != "db.internal" {
		t.Fatalf("env override ignored: %q", cfg.DB.Host)
	}
	if cfg.DB.QueryTimeout != 500*time.Millisecond {
		t.Fatalf("unexpected query timeout %v", cfg.DB.QueryTimeout)
	}
	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.RateLimit.TradeLimit != 5 {
		t.Fatalf("unexpected trade limit %d", cfg.RateLimit.TradeLimit)
	}
	if cfg.Failover.Cooldown != 2*time.Second {
		t.Fatalf("unexpected cooldown %v", cfg.Failover.Cooldown)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PAPER_CONFIG", "does-not-exist.yaml")
	t.Setenv("PAPER_TRADE_RATE_LIMIT", "-1")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for non-positive trade limit")
	}
}
