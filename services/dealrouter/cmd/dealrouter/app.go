package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/dealrouter/libs/logging"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/config"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// app holds the dependencies every command shares. pool and redis stay nil
// when the matching backend is not configured.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.Store
	pool   *pgxpool.Pool
	redis  *redis.Client
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat, cfg.App.ServiceName, cfg.App.Env)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, state is lost on exit")
		a.store = storage.NewMemoryStore()
	default:
		pool, err := connectDB(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db connection: %w", err)
		}
		a.pool = pool
		a.store = storage.NewPostgresStore(pool, logger)
	}

	if cfg.Redis.Enabled() {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			if cfg.App.Env != "dev" && cfg.App.Env != "test" {
				a.Close()
				return nil, fmt.Errorf("redis connection: %w", err)
			}
			logger.Warn("redis unavailable, continuing without it", "error", err)
		} else {
			a.redis = client
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
