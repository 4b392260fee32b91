package fee

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TxStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

// Admin writes fee ranges. Every write re-reads the active ranges of the
// scope under a scope lock and rejects any intersection.
type Admin struct {
	store  TxStore
	cache  *ScheduleCache
	logger *slog.Logger
	now    func() time.Time
}

func NewAdmin(store TxStore, cache *ScheduleCache, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: store, cache: cache, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type RangeInput struct {
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	FeeInPercent  decimal.Decimal
	FeeOutPercent decimal.Decimal
	IsActive      bool
}

// CheckOverlap rejects candidate when it intersects any active range other
// than itself: allowed only if candidate.max < existing.min or
// candidate.min > existing.max.
func CheckOverlap(candidate storage.FeeRange, existing []storage.FeeRange) error {
	if !candidate.IsActive {
		return nil
	}
	for _, r := range existing {
		if r.ID == candidate.ID || !r.IsActive {
			continue
		}
		if candidate.Overlaps(r) {
			return fmt.Errorf("%w: [%s, %s] intersects range %s [%s, %s]", storage.ErrRangeOverlap,
				candidate.MinAmount, candidate.MaxAmount, r.ID, r.MinAmount, r.MaxAmount)
		}
	}
	return nil
}

func (a *Admin) CreateRange(ctx context.Context, scope storage.FeeScope, in RangeInput) (storage.FeeRange, error) {
	r := storage.FeeRange{
		ID:            uuid.New(),
		PartyID:       scope.PartyID,
		MerchantID:    scope.MerchantID,
		MethodID:      scope.MethodID,
		MinAmount:     in.MinAmount,
		MaxAmount:     in.MaxAmount,
		FeeInPercent:  in.FeeInPercent,
		FeeOutPercent: in.FeeOutPercent,
		IsActive:      in.IsActive,
		CreatedAt:     a.now(),
	}
	err := a.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.LockFeeScope(ctx, scope); err != nil {
			return err
		}
		existing, err := tx.ListActiveFeeRanges(ctx, scope)
		if err != nil {
			return err
		}
		if err := CheckOverlap(r, existing); err != nil {
			return err
		}
		return tx.InsertFeeRange(ctx, r)
	})
	if err != nil {
		return storage.FeeRange{}, err
	}
	a.cache.Invalidate(scope)
	a.logger.Info("fee range created", "range_id", r.ID, "party_id", scope.PartyID, "merchant_id", scope.MerchantID,
		"min", r.MinAmount.String(), "max", r.MaxAmount.String())
	return r, nil
}

func (a *Admin) UpdateRange(ctx context.Context, id uuid.UUID, in RangeInput) (storage.FeeRange, error) {
	var updated storage.FeeRange
	err := a.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.GetFeeRange(ctx, id)
		if err != nil {
			return err
		}
		scope := current.Scope()
		if err := tx.LockFeeScope(ctx, scope); err != nil {
			return err
		}
		updated = current
		updated.MinAmount = in.MinAmount
		updated.MaxAmount = in.MaxAmount
		updated.FeeInPercent = in.FeeInPercent
		updated.FeeOutPercent = in.FeeOutPercent
		updated.IsActive = in.IsActive

		existing, err := tx.ListActiveFeeRanges(ctx, scope)
		if err != nil {
			return err
		}
		if err := CheckOverlap(updated, existing); err != nil {
			return err
		}
		return tx.UpdateFeeRange(ctx, updated)
	})
	if err != nil {
		return storage.FeeRange{}, err
	}
	a.cache.Invalidate(updated.Scope())
	a.logger.Info("fee range updated", "range_id", id, "active", updated.IsActive)
	return updated, nil
}
