package expiry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lifecycle"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lock"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type countingNotifier struct{ statuses []storage.DealStatus }

func (n *countingNotifier) DealStatusChanged(_ context.Context, deal storage.Deal, _ storage.DealStatus) error {
	n.statuses = append(n.statuses, deal.Status)
	return nil
}

type harness struct {
	store    *storage.MemoryStore
	trader   uuid.UUID
	notifier *countingNotifier
	tr       *lifecycle.Transitioner
	logger   *slog.Logger
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := storage.NewMemoryStore()
	traderID := uuid.New()
	if err := store.UpsertTraderBalance(context.Background(), storage.TraderBalance{TraderID: traderID, TrustBalance: dec("500")}); err != nil {
		t.Fatalf("seed trader: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &countingNotifier{}
	return harness{
		store:    store,
		trader:   traderID,
		notifier: notifier,
		tr:       lifecycle.NewTransitioner(store, nil, nil, notifier, logger, nil),
		logger:   logger,
	}
}

func (h harness) seedDeal(t *testing.T, principal string, expiresAt time.Time) storage.Deal {
	t.Helper()
	deal := storage.Deal{
		ID:              uuid.New(),
		ExternalOrderID: "ext-" + uuid.NewString(),
		MerchantID:      uuid.New(),
		MethodID:        uuid.New(),
		Direction:       storage.DirectionIn,
		Amount:          dec("1000"),
		Rate:            dec("10"),
		FrozenPrincipal: dec(principal),
		Status:          storage.StatusInProgress,
		Party:           storage.TraderParty(h.trader),
		ExpiresAt:       expiresAt,
	}
	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertDeal(ctx, deal); err != nil {
			return err
		}
		_, err := tx.FreezeTrader(ctx, h.trader, deal.FrozenPrincipal)
		return err
	})
	if err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return deal
}

func TestTickExpiresOverdueDealsAndReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	overdue := h.seedDeal(t, "100", time.Now().UTC().Add(-time.Minute))
	fresh := h.seedDeal(t, "50", time.Now().UTC().Add(time.Hour))
	before, _ := h.store.GetTraderBalance(ctx, h.trader)

	w := NewWatcher(h.store, h.tr, nil, h.logger, nil, Config{})
	res, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Expired != 1 || !res.Released.Equal(dec("100")) {
		t.Fatalf("unexpected result %+v", res)
	}

	got, _ := h.store.GetDeal(ctx, overdue.ID)
	if got.Status != storage.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if still, _ := h.store.GetDeal(ctx, fresh.ID); still.Status != storage.StatusInProgress {
		t.Fatalf("fresh deal must stay IN_PROGRESS, got %s", still.Status)
	}
	after, _ := h.store.GetTraderBalance(ctx, h.trader)
	if !before.FrozenUSDT.Sub(after.FrozenUSDT).Equal(dec("100")) || !after.TrustBalance.Sub(before.TrustBalance).Equal(dec("100")) {
		t.Fatalf("expected exactly 100 moved back, before=%+v after=%+v", before, after)
	}
	if len(h.notifier.statuses) != 1 || h.notifier.statuses[0] != storage.StatusExpired {
		t.Fatalf("expected one EXPIRED notification, got %v", h.notifier.statuses)
	}

	res, _ = w.Tick(ctx)
	if res.Expired != 0 {
		t.Fatalf("second tick must not expire again, got %+v", res)
	}
	stats := w.Stats()
	if stats.Ticks != 2 || stats.Processed != 1 || !stats.Released.Equal(dec("100")) {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestTickTakesOldestFirstWithinBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	newer := h.seedDeal(t, "10", time.Now().UTC().Add(-time.Minute))
	older := h.seedDeal(t, "20", time.Now().UTC().Add(-time.Hour))

	w := NewWatcher(h.store, h.tr, nil, h.logger, nil, Config{BatchSize: 1})
	if _, err := w.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got, _ := h.store.GetDeal(ctx, older.ID); got.Status != storage.StatusExpired {
		t.Fatalf("expected oldest deal expired first, got %s", got.Status)
	}
	if got, _ := h.store.GetDeal(ctx, newer.ID); got.Status != storage.StatusInProgress {
		t.Fatalf("expected newer deal left for next tick, got %s", got.Status)
	}
}

func TestTickSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	locker := lock.NewRedisLocker(client, "test:")

	h := newHarness(t)
	deal := h.seedDeal(t, "10", time.Now().UTC().Add(-time.Minute))
	held, err := locker.TryAcquire(context.Background(), leaseName, time.Minute)
	if err != nil || held == nil {
		t.Fatalf("acquire: %v", err)
	}

	w := NewWatcher(h.store, h.tr, locker, h.logger, nil, Config{})
	res, err := w.Tick(context.Background())
	if err != nil || !res.Skipped {
		t.Fatalf("expected skipped tick, got %+v %v", res, err)
	}
	if got, _ := h.store.GetDeal(context.Background(), deal.ID); got.Status != storage.StatusInProgress {
		t.Fatalf("deal must be untouched while another replica sweeps")
	}

	_ = held.Release(context.Background())
	res, err = w.Tick(context.Background())
	if err != nil || res.Expired != 1 {
		t.Fatalf("expected sweep after lease release, got %+v %v", res, err)
	}
	if s.Exists("test:" + leaseName) {
		t.Fatalf("expected lease released after tick")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	w := NewWatcher(h.store, h.tr, nil, h.logger, nil, Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop")
	}
	if w.Stats().Ticks == 0 {
		t.Fatalf("expected at least one tick")
	}
}
