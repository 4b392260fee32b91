package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const scale = 2

var (
	ErrUnroutedParty = errors.New("ledger: party is unrouted")
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	ErrInvalidRate   = errors.New("ledger: rate must be positive")
)

// Truncate drops everything past two decimal places without rounding.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(scale)
}

// Principal converts a fiat amount into the settlement currency, rounding up
// so the reservation never undershoots.
func Principal(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return amount.Div(rate).RoundCeil(scale), nil
}

// Ledger applies freeze, release and settlement inside a caller-owned
// transaction, so balance changes commit together with the deal status.
type Ledger struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(logger *slog.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger, metrics: m}
}

// Freeze reserves amount against party. For aggregators volume is booked
// against the daily counter in the same statement.
func (l *Ledger) Freeze(ctx context.Context, tx storage.Tx, dealID uuid.UUID, party storage.Party, amount, volume decimal.Decimal) error {
	amount = Truncate(amount)
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	switch party.Kind() {
	case storage.PartyTrader:
		traderID, _ := party.Trader()
		bal, err := tx.FreezeTrader(ctx, traderID, amount)
		if err != nil {
			return fmt.Errorf("freeze trader %s: %w", traderID, err)
		}
		l.logger.Debug("trader funds frozen",
			"deal_id", dealID, "trader_id", traderID, "amount", amount.String(),
			"trust_balance", bal.TrustBalance.String(), "frozen_usdt", bal.FrozenUSDT.String())
	case storage.PartyAggregator:
		aggID, _, _ := party.Aggregator()
		agg, err := tx.FreezeAggregator(ctx, aggID, amount, Truncate(volume))
		if err != nil {
			return fmt.Errorf("freeze aggregator %s: %w", aggID, err)
		}
		if !agg.RequiresInsuranceDeposit {
			l.logger.Info("aggregator freeze without insurance deposit",
				"deal_id", dealID, "aggregator_id", aggID, "amount", amount.String(),
				"daily_volume", agg.CurrentDailyVolume.String())
		} else {
			l.logger.Debug("aggregator funds frozen",
				"deal_id", dealID, "aggregator_id", aggID, "amount", amount.String(),
				"frozen_balance", agg.FrozenBalance.String(), "daily_volume", agg.CurrentDailyVolume.String())
		}
	default:
		return ErrUnroutedParty
	}
	l.metrics.IncLedgerOp("freeze", string(party.Kind()))
	return nil
}

// Release returns up to amount of frozen funds. A release larger than what
// is frozen is clamped and reported as drift, never as an error.
func (l *Ledger) Release(ctx context.Context, tx storage.Tx, dealID uuid.UUID, party storage.Party, amount decimal.Decimal) (decimal.Decimal, error) {
	amount = Truncate(amount)
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}

	var released decimal.Decimal
	switch party.Kind() {
	case storage.PartyTrader:
		traderID, _ := party.Trader()
		moved, bal, err := tx.ReleaseTrader(ctx, traderID, amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("release trader %s: %w", traderID, err)
		}
		released = moved
		l.checkDrift(dealID, party, "release", amount, moved)
		l.logger.Debug("trader funds released",
			"deal_id", dealID, "trader_id", traderID, "amount", moved.String(),
			"trust_balance", bal.TrustBalance.String(), "frozen_usdt", bal.FrozenUSDT.String())
	case storage.PartyAggregator:
		aggID, _, _ := party.Aggregator()
		moved, agg, err := tx.ReleaseAggregator(ctx, aggID, amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("release aggregator %s: %w", aggID, err)
		}
		released = moved
		if agg.RequiresInsuranceDeposit {
			l.checkDrift(dealID, party, "release", amount, moved)
		} else {
			l.logger.Info("aggregator release without insurance deposit",
				"deal_id", dealID, "aggregator_id", aggID, "amount", amount.String())
		}
	default:
		return decimal.Zero, ErrUnroutedParty
	}
	l.metrics.IncLedgerOp("release", string(party.Kind()))
	return released, nil
}

// Settle consumes the frozen principal of a completed deal and credits the
// commission to a trader's available balance.
func (l *Ledger) Settle(ctx context.Context, tx storage.Tx, dealID uuid.UUID, party storage.Party, principal, commission decimal.Decimal) (decimal.Decimal, error) {
	principal = Truncate(principal)
	commission = Truncate(commission)
	if principal.IsNegative() || commission.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}

	var consumed decimal.Decimal
	switch party.Kind() {
	case storage.PartyTrader:
		traderID, _ := party.Trader()
		moved, bal, err := tx.SettleTrader(ctx, traderID, principal, commission)
		if err != nil {
			return decimal.Zero, fmt.Errorf("settle trader %s: %w", traderID, err)
		}
		consumed = moved
		l.checkDrift(dealID, party, "settle", principal, moved)
		l.logger.Debug("trader deal settled",
			"deal_id", dealID, "trader_id", traderID, "principal", moved.String(), "commission", commission.String(),
			"trust_balance", bal.TrustBalance.String(), "frozen_usdt", bal.FrozenUSDT.String())
	case storage.PartyAggregator:
		aggID, _, _ := party.Aggregator()
		moved, agg, err := tx.SettleAggregator(ctx, aggID, principal)
		if err != nil {
			return decimal.Zero, fmt.Errorf("settle aggregator %s: %w", aggID, err)
		}
		consumed = moved
		if agg.RequiresInsuranceDeposit {
			l.checkDrift(dealID, party, "settle", principal, moved)
		}
		l.logger.Debug("aggregator deal settled",
			"deal_id", dealID, "aggregator_id", aggID, "principal", principal.String(), "commission", commission.String())
	default:
		return decimal.Zero, ErrUnroutedParty
	}
	l.metrics.IncLedgerOp("settle", string(party.Kind()))
	return consumed, nil
}

func (l *Ledger) checkDrift(dealID uuid.UUID, party storage.Party, op string, requested, moved decimal.Decimal) {
	if !moved.LessThan(requested) {
		return
	}
	l.metrics.IncLedgerDrift(string(party.Kind()))
	l.logger.Warn("ledger drift: frozen balance below requested amount",
		"deal_id", dealID, "party", string(party.Kind()), "party_id", party.ID(), "op", op,
		"requested", requested.String(), "moved", moved.String())
}
