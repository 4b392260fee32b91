package config

import (
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("DEALROUTER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage != StoragePostgres {
		t.Fatalf("expected postgres storage, got %s", cfg.Storage)
	}
	if cfg.Routing.DealTTL != 15*time.Minute || cfg.Routing.BreakerThreshold != 3 || cfg.Routing.BreakerCooldown != 30*time.Second {
		t.Fatalf("unexpected routing defaults %+v", cfg.Routing)
	}
	if cfg.Routing.Budget != cfg.App.HTTP.WriteTimeout-routeBudgetMargin {
		t.Fatalf("expected routing budget below write timeout %s, got %s", cfg.App.HTTP.WriteTimeout, cfg.Routing.Budget)
	}
	if cfg.Expiry.Interval != 10*time.Second || cfg.Expiry.BatchSize != 100 || cfg.Expiry.LeaseTTL != cfg.Expiry.Interval {
		t.Fatalf("unexpected expiry defaults %+v", cfg.Expiry)
	}
	if cfg.Callback.SLAThreshold != 2*time.Second {
		t.Fatalf("unexpected callback sla %s", cfg.Callback.SLAThreshold)
	}
	if cfg.Kafka.Enabled() || cfg.Redis.Enabled() {
		t.Fatalf("expected kafka and redis disabled by default")
	}
	if cfg.Kafka.Topics.DealsUnrouted != "deals.unrouted" || cfg.Kafka.Topics.DealsStatusChanged != "deals.status_changed" {
		t.Fatalf("unexpected topics %+v", cfg.Kafka.Topics)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("DEALROUTER_STORAGE", "MEMORY")
	t.Setenv("DEALROUTER_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("DEALROUTER_REDIS_ADDR", "redis:6379")
	t.Setenv("DEALROUTER_EXPIRY_INTERVAL", "5s")
	t.Setenv("DEALROUTER_CALLBACK_RATE_LIMIT", "10")
	t.Setenv("DB_HOST", "db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage != StorageMemory {
		t.Fatalf("expected memory storage, got %s", cfg.Storage)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("unexpected redis %+v", cfg.Redis)
	}
	if cfg.Expiry.Interval != 5*time.Second || cfg.Expiry.LeaseTTL != 5*time.Second {
		t.Fatalf("expected lease ttl to follow interval, got %+v", cfg.Expiry)
	}
	if cfg.Callback.RateLimit != 10 {
		t.Fatalf("unexpected rate limit %d", cfg.Callback.RateLimit)
	}
	if cfg.DB.Host != "db" || cfg.DB.DSN() != "postgres://dealrouter:dealrouter@db:5432/dealrouter?sslmode=disable" {
		t.Fatalf("unexpected dsn %s", cfg.DB.DSN())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"storage":     {"DEALROUTER_STORAGE", "sqlite"},
		"jwt":         {"DEALROUTER_ENV", "prod"},
		"batch":       {"DEALROUTER_EXPIRY_BATCH_SIZE", "0"},
		"deal ttl":    {"DEALROUTER_ROUTING_DEAL_TTL", "-1s"},
		"rate window": {"DEALROUTER_CALLBACK_RATE_WINDOW", "-1m"},
		"budget":      {"DEALROUTER_ROUTING_BUDGET", "40s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			t.Setenv(env[0], env[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", env[0], env[1])
			}
		})
	}
}

func TestDefaultRouteBudget(t *testing.T) {
	cases := []struct {
		write time.Duration
		want  time.Duration
	}{
		{0, 0},
		{30 * time.Second, 28 * time.Second},
		{3 * time.Second, 1500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := defaultRouteBudget(tc.write); got != tc.want {
			t.Fatalf("write timeout %s: expected budget %s, got %s", tc.write, tc.want, got)
		}
	}
}
