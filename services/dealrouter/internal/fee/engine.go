package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/ledger"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNoRelation = errors.New("fee: no relation for party and merchant")

const (
	SourceFlat    = "flat"
	SourceRange   = "range"
	SourceDefault = "default"
)

type Store interface {
	GetFeeRelation(ctx context.Context, scope storage.FeeScope) (storage.FeeRelation, error)
	ListActiveFeeRanges(ctx context.Context, scope storage.FeeScope) ([]storage.FeeRange, error)
}

type Resolution struct {
	Percent     decimal.Decimal
	Source      string
	RangeID     uuid.UUID
	UsedDefault bool
}

type Engine struct {
	store   Store
	cache   *ScheduleCache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewEngine(store Store, cache *ScheduleCache, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cache: cache, logger: logger, metrics: m}
}

// ResolveFee returns the commission percent for a deal of amount handled by
// partyID for merchantID over methodID.
func (e *Engine) ResolveFee(ctx context.Context, partyID, merchantID, methodID uuid.UUID, amount decimal.Decimal, direction storage.Direction) (Resolution, error) {
	scope := storage.FeeScope{PartyID: partyID, MerchantID: merchantID, MethodID: methodID}

	s, ok := e.cache.get(scope)
	if !ok {
		var err error
		s, err = loadSchedule(ctx, e.store, scope)
		if err != nil {
			return Resolution{}, err
		}
		e.cache.put(scope, s)
	}
	if s.missing {
		return Resolution{}, ErrNoRelation
	}

	res := resolve(s, amount, direction)
	e.metrics.IncFeeResolution(res.Source)
	return res, nil
}

func resolve(s schedule, amount decimal.Decimal, direction storage.Direction) Resolution {
	flat := pick(direction, s.relation.FeeInPercent, s.relation.FeeOutPercent)
	if !s.relation.FlexibleRates || len(s.ranges) == 0 {
		return Resolution{Percent: flat, Source: SourceFlat}
	}
	for _, r := range s.ranges {
		if r.MinAmount.LessThanOrEqual(amount) && amount.LessThanOrEqual(r.MaxAmount) {
			return Resolution{
				Percent: pick(direction, r.FeeInPercent, r.FeeOutPercent),
				Source:  SourceRange,
				RangeID: r.ID,
			}
		}
	}
	return Resolution{Percent: flat, Source: SourceDefault, UsedDefault: true}
}

func pick(direction storage.Direction, in, out decimal.Decimal) decimal.Decimal {
	if direction == storage.DirectionOut {
		return out
	}
	return in
}

// Commission applies percent to principal, truncated to cents.
func Commission(principal, percent decimal.Decimal) decimal.Decimal {
	return ledger.Truncate(principal.Mul(percent).Div(decimal.NewFromInt(100)))
}

func loadSchedule(ctx context.Context, store Store, scope storage.FeeScope) (schedule, error) {
	rel, err := store.GetFeeRelation(ctx, scope)
	if errors.Is(err, storage.ErrNotFound) {
		return schedule{missing: true}, nil
	}
	if err != nil {
		return schedule{}, fmt.Errorf("load fee relation: %w", err)
	}
	s := schedule{relation: rel}
	if rel.FlexibleRates {
		ranges, err := store.ListActiveFeeRanges(ctx, scope)
		if err != nil {
			return schedule{}, fmt.Errorf("load fee ranges: %w", err)
		}
		sort.Slice(ranges, func(i, j int) bool {
			return ranges[i].MinAmount.LessThan(ranges[j].MinAmount)
		})
		s.ranges = ranges
	}
	return s, nil
}
