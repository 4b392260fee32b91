package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lifecycle"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lock"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const leaseName = "expiry-sweep"

var errNotExpired = errors.New("deal no longer expirable")

type Store interface {
	ListExpiredDeals(ctx context.Context, now time.Time, limit int) ([]storage.Deal, error)
}

type Transitioner interface {
	Apply(ctx context.Context, dealID uuid.UUID, to storage.DealStatus, guard lifecycle.Guard) (lifecycle.Outcome, error)
}

type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	LeaseTTL  time.Duration
}

type TickResult struct {
	Skipped  bool
	Selected int
	Expired  int
	Failed   int
	Released decimal.Decimal
}

// Stats are lifetime counters for this process. They are not reconciled
// with the ledger and reset on restart.
type Stats struct {
	Ticks     int64
	Processed int64
	Failed    int64
	Released  decimal.Decimal
}

type Watcher struct {
	store        Store
	transitioner Transitioner
	locker       Locker
	logger       *slog.Logger
	metrics      *metrics.Metrics
	cfg          Config
	now          func() time.Time

	ticks     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	mu        sync.Mutex
	released  decimal.Decimal
}

func NewWatcher(store Store, transitioner Transitioner, locker Locker, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	return &Watcher{
		store:        store,
		transitioner: transitioner,
		locker:       locker,
		logger:       logger,
		metrics:      m,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is done. A failed tick is logged and
// retried on the next interval.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("expiry watcher started", "interval", w.cfg.Interval, "batch_size", w.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry watcher stopped")
			return nil
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Tick expires up to one batch of overdue deals, oldest first. Each deal is
// handled in its own transaction so one failure does not block the rest.
func (w *Watcher) Tick(ctx context.Context) (TickResult, error) {
	result := TickResult{Released: decimal.Zero}
	if w.locker != nil {
		lease, err := w.locker.TryAcquire(ctx, leaseName, w.cfg.LeaseTTL)
		if err != nil {
			w.metrics.IncExpirySweep("error")
			return result, err
		}
		if lease == nil {
			w.metrics.IncExpirySweep("skipped")
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("failed to release expiry lease", "error", err)
			}
		}()
	}

	w.ticks.Add(1)
	now := w.now()
	deals, err := w.store.ListExpiredDeals(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.metrics.IncExpirySweep("error")
		return result, err
	}
	result.Selected = len(deals)

	guard := func(deal storage.Deal) error {
		if deal.Status != storage.StatusInProgress || !deal.ExpiresAt.Before(now) {
			return errNotExpired
		}
		return nil
	}
	for _, deal := range deals {
		if ctx.Err() != nil {
			break
		}
		out, err := w.transitioner.Apply(ctx, deal.ID, storage.StatusExpired, guard)
		if err != nil {
			if errors.Is(err, errNotExpired) {
				continue
			}
			result.Failed++
			w.logger.Error("failed to expire deal", "deal_id", deal.ID, "error", err)
			continue
		}
		if !out.Applied {
			continue
		}
		result.Expired++
		result.Released = result.Released.Add(out.Released)
		w.logger.Info("deal expired",
			"deal_id", deal.ID, "party", string(deal.Party.Kind()), "released", out.Released.String(),
			"expires_at", deal.ExpiresAt)
	}

	w.processed.Add(int64(result.Expired))
	w.failed.Add(int64(result.Failed))
	w.mu.Lock()
	w.released = w.released.Add(result.Released)
	w.mu.Unlock()

	w.metrics.AddExpired(result.Expired)
	status := "ok"
	if result.Failed > 0 {
		status = "partial"
	}
	w.metrics.IncExpirySweep(status)
	return result, nil
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	released := w.released
	w.mu.Unlock()
	return Stats{
		Ticks:     w.ticks.Load(),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Released:  released,
	}
}
