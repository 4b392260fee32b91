package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/notify"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type recordingNotifier struct {
	events []storage.DealStatus
	err    error
}

func (n *recordingNotifier) DealStatusChanged(_ context.Context, deal storage.Deal, _ storage.DealStatus) error {
	n.events = append(n.events, deal.Status)
	return n.err
}

type fixture struct {
	store    *storage.MemoryStore
	trader   uuid.UUID
	deal     storage.Deal
	notifier *recordingNotifier
	tr       *Transitioner
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	traderID := uuid.New()
	if err := store.UpsertTraderBalance(ctx, storage.TraderBalance{TraderID: traderID, TrustBalance: dec("1000")}); err != nil {
		t.Fatalf("seed trader: %v", err)
	}
	deal := storage.Deal{
		ID:              uuid.New(),
		ExternalOrderID: "ext-" + uuid.NewString(),
		MerchantID:      uuid.New(),
		MethodID:        uuid.New(),
		Direction:       storage.DirectionIn,
		Amount:          dec("5000"),
		Rate:            dec("95.5"),
		FrozenPrincipal: dec("52.36"),
		Status:          storage.StatusInProgress,
		Party:           storage.TraderParty(traderID),
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
	}
	err := store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertDeal(ctx, deal); err != nil {
			return err
		}
		_, err := tx.FreezeTrader(ctx, traderID, deal.FrozenPrincipal)
		return err
	})
	if err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	if err := store.UpsertFeeRelation(ctx, storage.FeeRelation{
		PartyID: traderID, MerchantID: deal.MerchantID, MethodID: deal.MethodID,
		FeeInPercent: dec("2"), FeeOutPercent: dec("3"),
	}); err != nil {
		t.Fatalf("seed relation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &recordingNotifier{}
	engine := fee.NewEngine(store, nil, logger, nil)
	return fixture{
		store:    store,
		trader:   traderID,
		deal:     deal,
		notifier: notifier,
		tr:       NewTransitioner(store, engine, nil, notifier, logger, nil),
	}
}

func TestParseStatusAliases(t *testing.T) {
	cases := map[string]storage.DealStatus{
		"ready":       storage.StatusReady,
		"PAID":        storage.StatusReady,
		"Cancelled":   storage.StatusCanceled,
		"rejected":    storage.StatusCanceled,
		"TIMEOUT":     storage.StatusExpired,
		"in-progress": storage.StatusInProgress,
		"DISPUTE":     storage.StatusDispute,
	}
	for raw, want := range cases {
		got, ok := ParseStatus(raw)
		if !ok || got != want {
			t.Fatalf("ParseStatus(%q) = %s, %v; want %s", raw, got, ok, want)
		}
	}
	if _, ok := ParseStatus("MILK"); ok {
		t.Fatalf("MILK must not map to a status")
	}
	if _, ok := ParseStatus("whatever"); ok {
		t.Fatalf("unknown status must not map")
	}
}

func TestReadySettlesAndCreditsMerchant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.tr.Apply(ctx, f.deal.ID, storage.StatusReady, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !out.Applied || out.Deal.Status != storage.StatusReady || out.Deal.AcceptedAt == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	// 2% of 52.36 = 1.0472, truncated.
	if !out.Deal.Commission.Equal(dec("1.04")) {
		t.Fatalf("expected commission 1.04, got %s", out.Deal.Commission)
	}
	bal, _ := f.store.GetTraderBalance(ctx, f.trader)
	if !bal.FrozenUSDT.IsZero() || !bal.TrustBalance.Equal(dec("948.68")) {
		t.Fatalf("unexpected trader balance trust=%s frozen=%s", bal.TrustBalance, bal.FrozenUSDT)
	}
	merchant, err := f.store.GetMerchantBalance(ctx, f.deal.MerchantID)
	if err != nil || !merchant.Balance.Equal(dec("52.36")) {
		t.Fatalf("expected merchant credit 52.36, got %+v %v", merchant, err)
	}
	if len(f.notifier.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.events))
	}
}

func TestCancelReleasesPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.tr.Apply(ctx, f.deal.ID, storage.StatusCanceled, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !out.Released.Equal(dec("52.36")) {
		t.Fatalf("expected 52.36 released, got %s", out.Released)
	}
	bal, _ := f.store.GetTraderBalance(ctx, f.trader)
	if !bal.TrustBalance.Equal(dec("1000")) || !bal.FrozenUSDT.IsZero() {
		t.Fatalf("unexpected balance trust=%s frozen=%s", bal.TrustBalance, bal.FrozenUSDT)
	}
	if _, err := f.store.GetMerchantBalance(ctx, f.deal.MerchantID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no merchant credit, got %v", err)
	}
}

func TestTerminalReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.tr.Apply(ctx, f.deal.ID, storage.StatusReady, nil); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	once, _ := f.store.GetTraderBalance(ctx, f.trader)

	for _, status := range []storage.DealStatus{storage.StatusReady, storage.StatusCanceled} {
		out, err := f.tr.Apply(ctx, f.deal.ID, status, nil)
		if err != nil {
			t.Fatalf("replay %s: %v", status, err)
		}
		if out.Applied {
			t.Fatalf("replay %s must not apply", status)
		}
	}
	twice, _ := f.store.GetTraderBalance(ctx, f.trader)
	if !once.TrustBalance.Equal(twice.TrustBalance) || !once.FrozenUSDT.Equal(twice.FrozenUSDT) {
		t.Fatalf("replay changed balances: %+v -> %+v", once, twice)
	}
	deal, _ := f.store.GetDeal(ctx, f.deal.ID)
	if deal.Status != storage.StatusReady {
		t.Fatalf("terminal status regressed to %s", deal.Status)
	}
	if len(f.notifier.events) != 1 {
		t.Fatalf("expected a single notification, got %d", len(f.notifier.events))
	}
}

func TestNotifierFailureKeepsTransition(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")

	out, err := f.tr.Apply(context.Background(), f.deal.ID, storage.StatusExpired, nil)
	if err != nil || !out.Applied {
		t.Fatalf("expected applied transition, got %+v %v", out, err)
	}
	deal, _ := f.store.GetDeal(context.Background(), f.deal.ID)
	if deal.Status != storage.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", deal.Status)
	}
}

func TestGuardRejectsBeforeChanges(t *testing.T) {
	f := newFixture(t)
	errForeign := errors.New("foreign")

	_, err := f.tr.Apply(context.Background(), f.deal.ID, storage.StatusReady, func(storage.Deal) error { return errForeign })
	if !errors.Is(err, errForeign) {
		t.Fatalf("expected guard error, got %v", err)
	}
	deal, _ := f.store.GetDeal(context.Background(), f.deal.ID)
	if deal.Status != storage.StatusInProgress {
		t.Fatalf("guard must leave deal untouched, got %s", deal.Status)
	}
}

func TestMissingRelationSettlesWithoutCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTransitioner(f.store, fee.NewEngine(emptyFees{}, nil, logger, nil), nil, nil, logger, nil)

	out, err := tr.Apply(ctx, f.deal.ID, storage.StatusReady, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !out.Deal.Commission.IsZero() {
		t.Fatalf("expected zero commission, got %s", out.Deal.Commission)
	}
}

type emptyFees struct{}

func (emptyFees) GetFeeRelation(context.Context, storage.FeeScope) (storage.FeeRelation, error) {
	return storage.FeeRelation{}, storage.ErrNotFound
}

func (emptyFees) ListActiveFeeRanges(context.Context, storage.FeeScope) ([]storage.FeeRange, error) {
	return nil, nil
}

func TestInvalidTransitionRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.Apply(context.Background(), f.deal.ID, storage.StatusCreated, nil)
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

type blockingSink struct {
	release chan struct{}
	got     chan storage.DealStatus
}

func (s *blockingSink) DealStatusChanged(_ context.Context, deal storage.Deal, _ storage.DealStatus) error {
	<-s.release
	s.got <- deal.Status
	return nil
}

func TestApplyDoesNotWaitForSlowDelivery(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &blockingSink{release: make(chan struct{}), got: make(chan storage.DealStatus, 1)}
	dispatcher := notify.NewDispatcher(sink, 8, time.Second, logger, nil)
	tr := NewTransitioner(f.store, fee.NewEngine(f.store, nil, logger, nil), nil, dispatcher, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Run(ctx) }()

	start := time.Now()
	out, err := tr.Apply(context.Background(), f.deal.ID, storage.StatusExpired, nil)
	if err != nil || !out.Applied {
		t.Fatalf("expected applied transition, got %+v %v", out, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("apply waited on delivery for %s", elapsed)
	}

	close(sink.release)
	select {
	case status := <-sink.got:
		if status != storage.StatusExpired {
			t.Fatalf("expected EXPIRED delivered, got %s", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transition was never delivered")
	}
}
