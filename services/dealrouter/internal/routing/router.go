package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/adapter"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/ledger"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	outcomeRouted     = "routed"
	outcomeTrader     = "trader"
	outcomeNoCapacity = "no_capacity"
	outcomeError      = "error"

	eventCreateDeal = "create_deal"
)

var ErrNoCapacity = errors.New("no aggregator capacity")

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
	GetDealByExternalOrderID(ctx context.Context, externalOrderID string) (storage.Deal, error)
	ListActiveAggregators(ctx context.Context) ([]storage.Aggregator, error)
	ResetDailyVolumes(ctx context.Context, now time.Time) (int64, error)
	InsertIntegrationLog(ctx context.Context, entry storage.IntegrationLogEntry) error
	InsertRoutingFailure(ctx context.Context, failure storage.RoutingFailure) error
}

type Options struct {
	DealTTL time.Duration
	// Budget caps the aggregator trial; zero leaves only the caller's deadline.
	Budget  time.Duration
}

type Router struct {
	store    Store
	client   Adapter
	breakers *adapter.Breakers
	ledger   *ledger.Ledger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dealTTL  time.Duration
	budget   time.Duration
	now      func() time.Time
}

func NewRouter(store Store, client Adapter, breakers *adapter.Breakers, l *ledger.Ledger, logger *slog.Logger, m *metrics.Metrics, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if l == nil {
		l = ledger.New(logger, m)
	}
	if opts.DealTTL <= 0 {
		opts.DealTTL = 15 * time.Minute
	}
	return &Router{
		store:    store,
		client:   client,
		breakers: breakers,
		ledger:   l,
		logger:   logger,
		metrics:  m,
		dealTTL:  opts.DealTTL,
		budget:   opts.Budget,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type SubmitInput struct {
	ExternalOrderID string
	MerchantID      uuid.UUID
	MethodID        uuid.UUID
	TraderID        *uuid.UUID
	Direction       storage.Direction
	Amount          decimal.Decimal
	Rate            decimal.Decimal
	CallbackURL     string
	ExpiresIn       time.Duration
	Metadata        map[string]any
}

type Result struct {
	Deal       storage.Deal
	Aggregator *storage.Aggregator
	Requisites json.RawMessage
	Attempts   []storage.RoutingAttempt
}

// Submit accepts a deal that internal requisite selection has either
// assigned to a trader or given up on. Trader deals are frozen directly;
// everything else goes through the aggregator pool.
func (r *Router) Submit(ctx context.Context, in SubmitInput) (Result, error) {
	in.ExternalOrderID = strings.TrimSpace(in.ExternalOrderID)
	if _, err := r.store.GetDealByExternalOrderID(ctx, in.ExternalOrderID); err == nil {
		return Result{}, storage.ErrDuplicateOrder
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	principal, err := ledger.Principal(in.Amount, in.Rate)
	if err != nil {
		return Result{}, err
	}
	if in.Direction == "" {
		in.Direction = storage.DirectionIn
	}
	ttl := in.ExpiresIn
	if ttl <= 0 {
		ttl = r.dealTTL
	}
	now := r.now()
	deal := storage.Deal{
		ID:              uuid.New(),
		ExternalOrderID: in.ExternalOrderID,
		MerchantID:      in.MerchantID,
		MethodID:        in.MethodID,
		Direction:       in.Direction,
		Amount:          in.Amount,
		Rate:            in.Rate,
		FrozenPrincipal: principal,
		Commission:      decimal.Zero,
		Status:          storage.StatusInProgress,
		CallbackURL:     in.CallbackURL,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		UpdatedAt:       now,
	}

	if in.TraderID != nil {
		return r.assignTrader(ctx, deal, *in.TraderID)
	}
	return r.Route(ctx, deal, in.Metadata)
}

func (r *Router) assignTrader(ctx context.Context, deal storage.Deal, traderID uuid.UUID) (Result, error) {
	start := time.Now()
	deal.Party = storage.TraderParty(traderID)
	err := r.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertDeal(ctx, deal); err != nil {
			return err
		}
		return r.ledger.Freeze(ctx, tx, deal.ID, deal.Party, deal.FrozenPrincipal, decimal.Zero)
	})
	if err != nil {
		r.metrics.ObserveRouting(outcomeError, time.Since(start))
		return Result{}, err
	}
	r.metrics.ObserveRouting(outcomeTrader, time.Since(start))
	r.logger.Info("deal assigned to trader",
		"deal_id", deal.ID, "trader_id", traderID, "principal", deal.FrozenPrincipal.String())
	return Result{Deal: deal}, nil
}

// Route trials the active aggregator pool for deal. The deal is persisted
// only when an aggregator accepts it; on total failure a routing failure
// record is written and ErrNoCapacity returned along with the attempts.
func (r *Router) Route(ctx context.Context, deal storage.Deal, metadata map[string]any) (Result, error) {
	start := time.Now()
	if _, err := r.ResetDailyVolumes(ctx); err != nil {
		r.logger.Warn("daily volume reset failed", "error", err)
	}

	candidates, err := r.store.ListActiveAggregators(ctx)
	if err != nil {
		r.metrics.ObserveRouting(outcomeError, time.Since(start))
		return Result{}, fmt.Errorf("list aggregators: %w", err)
	}
	if deal.FrozenPrincipal.IsZero() {
		if deal.FrozenPrincipal, err = ledger.Principal(deal.Amount, deal.Rate); err != nil {
			return Result{}, err
		}
	}

	req := Request{
		DealID:        deal.ID,
		Amount:        deal.Amount,
		Rate:          deal.Rate,
		PaymentMethod: deal.MethodID.String(),
		CallbackURL:   deal.CallbackURL,
		Metadata:      metadata,
		Now:           r.now(),
	}
	trialCtx := ctx
	if r.budget > 0 {
		var cancel context.CancelFunc
		trialCtx, cancel = context.WithTimeout(ctx, r.budget)
		defer cancel()
	}

	// Commits run on ctx: a reservation for an accepted deal is not bound by
	// the trial budget.
	var persisted storage.Deal
	commit := func(_ context.Context, agg storage.Aggregator, resp adapter.CreateDealResponse) error {
		routed := deal
		routed.Party = storage.AggregatorParty(agg.ID, resp.PartnerDealID)
		err := r.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.InsertDeal(ctx, routed); err != nil {
				return err
			}
			return r.ledger.Freeze(ctx, tx, routed.ID, routed.Party, routed.FrozenPrincipal, routed.Amount)
		})
		if err != nil {
			r.logger.Warn("aggregator accepted deal but reservation failed, partner deal orphaned",
				"deal_id", routed.ID, "aggregator_id", agg.ID, "partner_deal_id", resp.PartnerDealID, "error", err)
			return err
		}
		persisted = routed
		return nil
	}

	selection, attempts, err := Trial(trialCtx, candidates, req, r.client, r.breakers, commit)
	r.recordAttempts(ctx, deal.ID, candidates, attempts)
	if err != nil {
		r.metrics.ObserveRouting(outcomeError, time.Since(start))
		return Result{Attempts: attempts}, err
	}

	if selection == nil {
		r.metrics.ObserveRouting(outcomeNoCapacity, time.Since(start))
		failure := storage.RoutingFailure{
			ID:              uuid.New(),
			DealID:          deal.ID,
			ExternalOrderID: deal.ExternalOrderID,
			Amount:          deal.Amount,
			Attempts:        attempts,
			CreatedAt:       r.now(),
		}
		if err := r.store.InsertRoutingFailure(ctx, failure); err != nil {
			r.logger.Error("failed to record routing failure", "deal_id", deal.ID, "error", err)
		}
		r.logger.Warn("no aggregator accepted deal",
			"deal_id", deal.ID, "external_order_id", deal.ExternalOrderID, "attempts", len(attempts))
		return Result{Attempts: attempts}, ErrNoCapacity
	}

	r.metrics.ObserveRouting(outcomeRouted, time.Since(start))
	agg := selection.Aggregator
	r.logger.Info("deal routed to aggregator",
		"deal_id", persisted.ID, "aggregator_id", agg.ID, "partner_deal_id", selection.Response.PartnerDealID,
		"principal", persisted.FrozenPrincipal.String(), "attempts", len(attempts))
	return Result{
		Deal:       persisted,
		Aggregator: &agg,
		Requisites: selection.Response.Requisites,
		Attempts:   attempts,
	}, nil
}

// ResetDailyVolumes zeroes the volume counters of aggregators whose last
// reset predates today. Calling it again on the same day has no effect.
func (r *Router) ResetDailyVolumes(ctx context.Context) (int64, error) {
	n, err := r.store.ResetDailyVolumes(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.metrics.AddVolumeResets(n)
		r.logger.Info("daily volumes reset", "aggregators", n)
	}
	return n, nil
}

func (r *Router) recordAttempts(ctx context.Context, dealID uuid.UUID, candidates []storage.Aggregator, attempts []storage.RoutingAttempt) {
	names := make(map[uuid.UUID]string, len(candidates))
	for _, agg := range candidates {
		names[agg.ID] = agg.Name
	}
	for _, attempt := range attempts {
		r.metrics.IncAttempt(names[attempt.AggregatorID], string(attempt.Outcome))
		if attempt.Outcome == storage.AttemptSkipped {
			continue
		}
		entry := storage.IntegrationLogEntry{
			ID:            uuid.New(),
			AggregatorID:  attempt.AggregatorID,
			DealID:        dealID,
			PartnerDealID: attempt.PartnerDealID,
			Direction:     storage.LogOutbound,
			EventType:     eventCreateDeal,
			LatencyMs:     attempt.LatencyMs,
			SLAViolation:  attempt.SLAViolation,
			CreatedAt:     r.now(),
		}
		switch attempt.Outcome {
		case storage.AttemptAccepted, storage.AttemptDeclined:
			entry.StatusCode = http.StatusOK
		default:
			entry.Error = attempt.Reason
		}
		if err := r.store.InsertIntegrationLog(ctx, entry); err != nil {
			r.logger.Warn("failed to write integration log", "deal_id", dealID, "aggregator_id", attempt.AggregatorID, "error", err)
		}
	}
}
