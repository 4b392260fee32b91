package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/ledger"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
	GetDeal(ctx context.Context, id uuid.UUID) (storage.Deal, error)
}

type FeeResolver interface {
	ResolveFee(ctx context.Context, partyID, merchantID, methodID uuid.UUID, amount decimal.Decimal, direction storage.Direction) (fee.Resolution, error)
}

// Notifier receives committed transitions after the transaction, so a
// failure here never undoes the status change. Implementations on the
// request path should only enqueue (see notify.Dispatcher).
type Notifier interface {
	DealStatusChanged(ctx context.Context, deal storage.Deal, previous storage.DealStatus) error
}

type Outcome struct {
	Deal     storage.Deal
	Previous storage.DealStatus
	Applied  bool
	Released decimal.Decimal
}

type Transitioner struct {
	store    Store
	fees     FeeResolver
	ledger   *ledger.Ledger
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewTransitioner(store Store, fees FeeResolver, l *ledger.Ledger, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) *Transitioner {
	if logger == nil {
		logger = slog.Default()
	}
	if l == nil {
		l = ledger.New(logger, m)
	}
	return &Transitioner{
		store:    store,
		fees:     fees,
		ledger:   l,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Guard lets a caller reject a deal before any change is made. It is
// checked again against the locked row.
type Guard func(deal storage.Deal) error

// Apply moves the deal to status in its own transaction. A deal that is
// already terminal is left untouched and reported with Applied false.
func (t *Transitioner) Apply(ctx context.Context, dealID uuid.UUID, to storage.DealStatus, guard Guard) (Outcome, error) {
	current, err := t.store.GetDeal(ctx, dealID)
	if err != nil {
		return Outcome{}, err
	}
	if guard != nil {
		if err := guard(current); err != nil {
			return Outcome{}, err
		}
	}
	if current.Status.Terminal() {
		return Outcome{Deal: current, Previous: current.Status}, nil
	}
	// Fee lookups read outside the row lock.
	commission := current.Commission
	if to == storage.StatusReady {
		commission = t.commission(ctx, current)
	}

	var out Outcome
	err = t.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		deal, err := tx.GetDealForUpdate(ctx, dealID)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(deal); err != nil {
				return err
			}
		}
		out, err = t.apply(ctx, tx, deal, to, commission)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if out.Applied {
		t.notify(ctx, out)
	}
	return out, nil
}

func (t *Transitioner) apply(ctx context.Context, tx storage.Tx, deal storage.Deal, to storage.DealStatus, commission decimal.Decimal) (Outcome, error) {
	out := Outcome{Deal: deal, Previous: deal.Status}
	if deal.Status.Terminal() || deal.Status == to {
		return out, nil
	}
	if !deal.Status.CanTransition(to) {
		return out, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, deal.Status, to)
	}

	now := t.now()
	update := storage.DealUpdate{
		DealID:     deal.ID,
		From:       deal.Status,
		To:         to,
		Commission: deal.Commission,
		UpdatedAt:  now,
	}

	switch to {
	case storage.StatusReady:
		consumed, err := t.ledger.Settle(ctx, tx, deal.ID, deal.Party, deal.FrozenPrincipal, commission)
		if err != nil {
			return out, err
		}
		if _, err := tx.CreditMerchant(ctx, deal.MerchantID, ledger.Truncate(deal.FrozenPrincipal)); err != nil {
			return out, fmt.Errorf("credit merchant %s: %w", deal.MerchantID, err)
		}
		update.Commission = commission
		update.AcceptedAt = &now
		out.Released = consumed
	case storage.StatusCanceled, storage.StatusExpired, storage.StatusDispute:
		released, err := t.ledger.Release(ctx, tx, deal.ID, deal.Party, deal.FrozenPrincipal)
		if err != nil {
			return out, err
		}
		out.Released = released
	}

	if err := tx.UpdateDealStatus(ctx, update); err != nil {
		return out, err
	}
	deal.Status = to
	deal.Commission = update.Commission
	deal.UpdatedAt = now
	if update.AcceptedAt != nil {
		deal.AcceptedAt = update.AcceptedAt
	}
	out.Deal = deal
	out.Applied = true
	return out, nil
}

// commission resolves the fee owed by the fulfilling party. A missing fee
// relation settles with zero commission.
func (t *Transitioner) commission(ctx context.Context, deal storage.Deal) decimal.Decimal {
	if t.fees == nil || !deal.Party.IsRouted() {
		return decimal.Zero
	}
	res, err := t.fees.ResolveFee(ctx, deal.Party.ID(), deal.MerchantID, deal.MethodID, deal.Amount, deal.Direction)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, fee.ErrNoRelation) {
			level = slog.LevelWarn
		}
		t.logger.Log(ctx, level, "fee resolution failed, settling without commission",
			"deal_id", deal.ID, "party_id", deal.Party.ID(), "merchant_id", deal.MerchantID, "error", err)
		return decimal.Zero
	}
	if res.UsedDefault {
		t.logger.Info("no fee range matched, using default fee", "deal_id", deal.ID, "amount", deal.Amount.String())
	}
	return fee.Commission(deal.FrozenPrincipal, res.Percent)
}

func (t *Transitioner) notify(ctx context.Context, out Outcome) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.DealStatusChanged(ctx, out.Deal, out.Previous); err != nil {
		t.metrics.IncNotify("handoff_failed")
		t.logger.Warn("deal status notification failed",
			"deal_id", out.Deal.ID, "status", string(out.Deal.Status), "error", err)
		return
	}
	t.metrics.IncNotify("handed_off")
}
