package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/dealrouter/libs/health"
	"github.com/AfshinJalili/dealrouter/libs/httpmiddleware"
	"github.com/AfshinJalili/dealrouter/libs/kafka"
	libmetrics "github.com/AfshinJalili/dealrouter/libs/metrics"
	"github.com/AfshinJalili/dealrouter/libs/trace"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/adapter"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/callback"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/consumer"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/expiry"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/handlers"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/ledger"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lifecycle"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lock"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/notify"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/rate"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/routing"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const dlqMaxAttempts = 5

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, expiry watcher and unrouted-deal consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	shutdownTracer, err := trace.InitTracer(ctx, trace.Config{
		ServiceName: cfg.App.ServiceName,
		Env:         cfg.App.Env,
		Endpoint:    cfg.Trace.Endpoint,
		SampleRatio: cfg.Trace.SampleRatio,
	})
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := libmetrics.NewRegistry()
	m := metrics.NewMetrics(registry)
	ready := health.NewManager(false)
	ready.AddCheck("store", a.store.Ping)
	if a.redis != nil {
		ready.AddCheck("redis", func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}

	var publisher kafka.Publisher
	var consumerGroup *kafka.Consumer
	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)

		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer consumerGroup.Close()
		consumerGroup = consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter, dlqMaxAttempts)
	} else {
		logger.Warn("kafka not configured, status notifications and unrouted-deal intake are disabled")
	}

	l := ledger.New(logger, m)
	feeCache := fee.NewScheduleCache(cfg.Fee.CacheTTL)
	fees := fee.NewEngine(a.store, feeCache, logger, m)
	feeAdmin := fee.NewAdmin(a.store, feeCache, logger)

	var notifier lifecycle.Notifier
	var dispatcher *notify.Dispatcher
	if publisher != nil {
		sink := notify.NewKafkaNotifier(publisher, cfg.Kafka.Topics.DealsStatusChanged, cfg.NotifyTimeout, logger)
		dispatcher = notify.NewDispatcher(sink, notify.DefaultQueueSize, notify.DefaultDrainTimeout, logger, m)
		notifier = dispatcher
	}
	transitioner := lifecycle.NewTransitioner(a.store, fees, l, notifier, logger, m)

	breakers := adapter.NewBreakers(cfg.Routing.BreakerThreshold, cfg.Routing.BreakerCooldown)
	router := routing.NewRouter(a.store, adapter.NewHTTPClient(nil, logger, m), breakers, l, logger, m,
		routing.Options{DealTTL: cfg.Routing.DealTTL, Budget: cfg.Routing.Budget})
	processor := callback.NewProcessor(a.store, transitioner, logger, m, cfg.Callback.SLAThreshold)

	var limiter rate.Limiter = rate.NewMemory(cfg.Callback.RateLimit, cfg.Callback.RateWindow)
	if a.redis != nil {
		limiter = rate.NewFallback(rate.NewRedisLimiter(a.redis, cfg.Callback.RateLimit, cfg.Callback.RateWindow, ""), limiter, logger)
	}

	var locker expiry.Locker
	if a.redis != nil {
		locker = lock.NewRedisLocker(a.redis, "")
	}
	watcher := expiry.NewWatcher(a.store, transitioner, locker, logger, m, expiry.Config{
		Interval:  cfg.Expiry.Interval,
		BatchSize: cfg.Expiry.BatchSize,
		LeaseTTL:  cfg.Expiry.LeaseTTL,
	})

	engine := gin.New()
	engine.Use(httpmiddleware.RequestID())
	engine.Use(httpmiddleware.Logger(logger))
	engine.Use(httpmiddleware.Recovery(logger))
	engine.Use(trace.Middleware(cfg.App.ServiceName))

	engine.GET("/healthz", health.LivenessHandler)
	engine.GET("/readyz", health.ReadinessHandler(ready))
	engine.GET(cfg.App.MetricsPath, gin.WrapH(libmetrics.Handler(registry)))

	handlers.New(router, a.store, feeAdmin, processor, limiter, m, logger).Register(engine, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      engine,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	feeCache.StartAutoRefresh(gctx, a.store, cfg.Fee.RefreshInterval, m, logger)

	g.Go(func() error {
		logger.Info("dealrouter http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	if consumerGroup != nil {
		dealConsumer := consumer.NewDealConsumer(router, logger)
		g.Go(func() error {
			logger.Info("unrouted deal consumer starting", "topic", cfg.Kafka.Topics.DealsUnrouted)
			if err := consumerGroup.Consume(gctx, []string{cfg.Kafka.Topics.DealsUnrouted}, dealConsumer); err != nil && gctx.Err() == nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}

	// Dispatch outlives gctx so transitions committed while HTTP drains are
	// still delivered.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	if dispatcher != nil {
		g.Go(func() error {
			return dispatcher.Run(dispatchCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		err := shutdown(httpServer, ready, watcher, logger)
		stopDispatch()
		return err
	})

	ready.SetReady(true)
	return g.Wait()
}

func shutdown(httpServer *http.Server, ready *health.Manager, watcher *expiry.Watcher, logger *slog.Logger) error {
	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	stats := watcher.Stats()
	logger.Info("shutdown complete",
		"expiry_ticks", stats.Ticks, "expired", stats.Processed, "expiry_failed", stats.Failed, "released", stats.Released.String())
	return nil
}
