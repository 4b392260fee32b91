package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/dealrouter/libs/config"
	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	routeBudgetMargin = 2 * time.Second
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type KafkaTopics struct {
	DealsUnrouted      string
	DealsStatusChanged string
	DeadLetter         string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type RoutingConfig struct {
	DealTTL          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// Budget bounds one aggregator trial so the response still fits in the
	// HTTP write timeout.
	Budget           time.Duration
}

type CallbackConfig struct {
	SLAThreshold time.Duration
	RateLimit    int
	RateWindow   time.Duration
}

type ExpiryConfig struct {
	Interval  time.Duration
	BatchSize int
	LeaseTTL  time.Duration
}

type TraceConfig struct {
	Endpoint    string
	SampleRatio float64
}

type FeeConfig struct {
	CacheTTL        time.Duration
	RefreshInterval time.Duration
}

type Config struct {
	App           base.AppConfig
	Storage       string
	DB            DBConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	JWTSecret     string
	Routing       RoutingConfig
	Callback      CallbackConfig
	Expiry        ExpiryConfig
	Fee           FeeConfig
	Trace         TraceConfig
	NotifyTimeout time.Duration
}

func Load() (*Config, error) {
	path := os.Getenv("DEALROUTER_CONFIG")
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}
	return fromViper(v, appCfg)
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage", StoragePostgres)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "dealrouter")
	v.SetDefault("kafka.topics.deals_unrouted", "deals.unrouted")
	v.SetDefault("kafka.topics.deals_status_changed", "deals.status_changed")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("routing.deal_ttl", "15m")
	v.SetDefault("routing.breaker_threshold", 3)
	v.SetDefault("routing.breaker_cooldown", "30s")
	v.SetDefault("callback.sla_threshold", "2s")
	v.SetDefault("callback.rate_limit", 600)
	v.SetDefault("callback.rate_window", "1m")
	v.SetDefault("expiry.interval", "10s")
	v.SetDefault("expiry.batch_size", 100)
	v.SetDefault("expiry.lease_ttl", "")
	v.SetDefault("fee.cache_ttl", "5m")
	v.SetDefault("fee.refresh_interval", "1m")
	v.SetDefault("trace.endpoint", "")
	v.SetDefault("trace.sample_ratio", 1.0)
	v.SetDefault("notify_timeout", "3s")
}

func fromViper(v *viper.Viper, appCfg *base.AppConfig) (*Config, error) {
	SetDefaults(v)

	expiryInterval := envDuration("EXPIRY_INTERVAL", v.GetDuration("expiry.interval"))
	leaseTTL := envDuration("EXPIRY_LEASE_TTL", v.GetDuration("expiry.lease_ttl"))
	if leaseTTL <= 0 {
		leaseTTL = expiryInterval
	}
	routeBudget := envDuration("ROUTING_BUDGET", v.GetDuration("routing.budget"))
	if routeBudget <= 0 {
		routeBudget = defaultRouteBudget(appCfg.HTTP.WriteTimeout)
	}

	cfg := &Config{
		App:     *appCfg,
		Storage: strings.ToLower(envString("STORAGE", v.GetString("storage"))),
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "dealrouter")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "dealrouter")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "dealrouter")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				DealsUnrouted:      envString("KAFKA_DEALS_UNROUTED_TOPIC", v.GetString("kafka.topics.deals_unrouted")),
				DealsStatusChanged: envString("KAFKA_DEALS_STATUS_TOPIC", v.GetString("kafka.topics.deals_status_changed")),
				DeadLetter:         envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		JWTSecret: envString("JWT_SECRET", v.GetString("jwt_secret")),
		Routing: RoutingConfig{
			DealTTL:          envDuration("ROUTING_DEAL_TTL", v.GetDuration("routing.deal_ttl")),
			BreakerThreshold: envInt("ROUTING_BREAKER_THRESHOLD", v.GetInt("routing.breaker_threshold")),
			BreakerCooldown:  envDuration("ROUTING_BREAKER_COOLDOWN", v.GetDuration("routing.breaker_cooldown")),
			Budget:           routeBudget,
		},
		Callback: CallbackConfig{
			SLAThreshold: envDuration("CALLBACK_SLA_THRESHOLD", v.GetDuration("callback.sla_threshold")),
			RateLimit:    envInt("CALLBACK_RATE_LIMIT", v.GetInt("callback.rate_limit")),
			RateWindow:   envDuration("CALLBACK_RATE_WINDOW", v.GetDuration("callback.rate_window")),
		},
		Expiry: ExpiryConfig{
			Interval:  expiryInterval,
			BatchSize: envInt("EXPIRY_BATCH_SIZE", v.GetInt("expiry.batch_size")),
			LeaseTTL:  leaseTTL,
		},
		Fee: FeeConfig{
			CacheTTL:        envDuration("FEE_CACHE_TTL", v.GetDuration("fee.cache_ttl")),
			RefreshInterval: envDuration("FEE_REFRESH_INTERVAL", v.GetDuration("fee.refresh_interval")),
		},
		Trace: TraceConfig{
			Endpoint:    envString("OTEL_EXPORTER_OTLP_ENDPOINT", v.GetString("trace.endpoint")),
			SampleRatio: v.GetFloat64("trace.sample_ratio"),
		},
		NotifyTimeout: envDuration("NOTIFY_TIMEOUT", v.GetDuration("notify_timeout")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Storage != StorageMemory && c.Storage != StoragePostgres {
		return fmt.Errorf("storage must be %q or %q", StorageMemory, StoragePostgres)
	}
	if c.JWTSecret == "" && c.App.Env != "dev" {
		return fmt.Errorf("jwt secret required outside dev")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.DealsUnrouted == "" || c.Kafka.Topics.DealsStatusChanged == "" || c.Kafka.Topics.DeadLetter == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.Routing.DealTTL <= 0 {
		return fmt.Errorf("routing.deal_ttl must be positive")
	}
	if c.Routing.BreakerThreshold < 0 {
		return fmt.Errorf("routing.breaker_threshold must be non-negative")
	}
	if c.App.HTTP.WriteTimeout > 0 && c.Routing.Budget >= c.App.HTTP.WriteTimeout {
		return fmt.Errorf("routing.budget must be shorter than http.write_timeout")
	}
	if c.Callback.RateLimit <= 0 || c.Callback.RateWindow <= 0 {
		return fmt.Errorf("callback rate limit and window must be positive")
	}
	if c.Expiry.Interval <= 0 || c.Expiry.BatchSize <= 0 {
		return fmt.Errorf("expiry interval and batch size must be positive")
	}
	return nil
}

// defaultRouteBudget leaves a margin after routing for the commit and the
// response write. Zero means no write timeout, so no budget.
func defaultRouteBudget(writeTimeout time.Duration) time.Duration {
	switch {
	case writeTimeout <= 0:
		return 0
	case writeTimeout > 2*routeBudgetMargin:
		return writeTimeout - routeBudgetMargin
	}
	return writeTimeout / 2
}

func envString(key, def string) string {
	if v := os.Getenv("DEALROUTER_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	for _, name := range []string{"DEALROUTER_" + key, key} {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	for _, name := range []string{"DEALROUTER_" + key, key} {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, name := range []string{"DEALROUTER_" + key, key} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		out := make([]string, 0)
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
