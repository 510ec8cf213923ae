package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	// QueryTimeout bounds each store operation; expiry is treated as the
	// durable store being unavailable, not as a domain rejection.
	QueryTimeout time.Duration
}

type KafkaConfig struct {
	Brokers      []string
	SettledTopic string
}

// Enabled reports whether settlement events should be published at all.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	TradeLimit int
	Window     time.Duration
	Redis      RedisConfig
}

type FailoverConfig struct {
	// Cooldown is how long the durable store is considered down after an
	// unavailability error before it is probed again.
	Cooldown time.Duration
}

type Config struct {
	App       AppConfig
	DB        DBConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
	Failover  FailoverConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	path := os.Getenv("PAPER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var appCfg AppConfig
	if err := v.Unmarshal(&appCfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := &Config{
		App: appCfg,
		DB: DBConfig{
			Host:         envString("POSTGRES_HOST", "localhost"),
			Port:         envInt("POSTGRES_PORT", 5432),
			Name:         envString("POSTGRES_DB", "papertrade"),
			User:         envString("POSTGRES_USER", "papertrade"),
			Password:     envString("POSTGRES_PASSWORD", "papertrade"),
			SSLMode:      envString("POSTGRES_SSLMODE", "disable"),
			QueryTimeout: envDuration("POSTGRES_QUERY_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:      envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			SettledTopic: envString("KAFKA_SETTLED_TOPIC", v.GetString("kafka.topics.trades_settled")),
		},
		RateLimit: RateLimitConfig{
			TradeLimit: envInt("PAPER_TRADE_RATE_LIMIT", v.GetInt("rate_limit.trade_limit")),
			Window:     envDuration("PAPER_TRADE_RATE_WINDOW", v.GetDuration("rate_limit.window")),
			Redis: RedisConfig{
				Addr:     envString("PAPER_RATE_REDIS_ADDR", v.GetString("rate_limit.redis.addr")),
				Password: envString("PAPER_RATE_REDIS_PASSWORD", ""),
				DB:       envInt("PAPER_RATE_REDIS_DB", 0),
				Prefix:   envString("PAPER_RATE_REDIS_PREFIX", v.GetString("rate_limit.redis.prefix")),
			},
		},
		Failover: FailoverConfig{
			Cooldown: envDuration("PAPER_FAILOVER_COOLDOWN", v.GetDuration("failover.cooldown")),
		},
	}

	if cfg.RateLimit.TradeLimit <= 0 {
		return nil, fmt.Errorf("rate_limit.trade_limit must be positive")
	}
	if cfg.RateLimit.Window <= 0 {
		return nil, fmt.Errorf("rate_limit.window must be positive")
	}
	if cfg.Failover.Cooldown <= 0 {
		return nil, fmt.Errorf("failover.cooldown must be positive")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "papertrade")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topics.trades_settled", "trades.settled")
	v.SetDefault("rate_limit.trade_limit", 30)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.redis.addr", "")
	v.SetDefault("rate_limit.redis.prefix", "papertrade:rl:")
	v.SetDefault("failover.cooldown", "10s")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
