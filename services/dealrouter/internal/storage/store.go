package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable state behind the router. Reads outside WithTx see
// committed data only.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetDeal(ctx context.Context, id uuid.UUID) (Deal, error)
	GetDealByExternalOrderID(ctx context.Context, externalOrderID string) (Deal, error)
	ListExpiredDeals(ctx context.Context, now time.Time, limit int) ([]Deal, error)

	ListActiveAggregators(ctx context.Context) ([]Aggregator, error)
	GetAggregator(ctx context.Context, id uuid.UUID) (Aggregator, error)
	GetAggregatorByTokenHash(ctx context.Context, hash string) (Aggregator, error)
	UpsertAggregator(ctx context.Context, agg Aggregator) error
	ResetDailyVolumes(ctx context.Context, now time.Time) (int64, error)

	GetTraderBalance(ctx context.Context, traderID uuid.UUID) (TraderBalance, error)
	UpsertTraderBalance(ctx context.Context, bal TraderBalance) error
	GetMerchantBalance(ctx context.Context, merchantID uuid.UUID) (MerchantBalance, error)

	GetFeeRelation(ctx context.Context, scope FeeScope) (FeeRelation, error)
	UpsertFeeRelation(ctx context.Context, rel FeeRelation) error
	ListActiveFeeRanges(ctx context.Context, scope FeeScope) ([]FeeRange, error)

	InsertIntegrationLog(ctx context.Context, entry IntegrationLogEntry) error
	InsertRoutingFailure(ctx context.Context, failure RoutingFailure) error

	Ping(ctx context.Context) error
	Close()
}

// Tx groups the mutations that must commit together with a deal's status.
type Tx interface {
	InsertDeal(ctx context.Context, deal Deal) error
	GetDealForUpdate(ctx context.Context, id uuid.UUID) (Deal, error)
	UpdateDealStatus(ctx context.Context, update DealUpdate) error

	FreezeTrader(ctx context.Context, traderID uuid.UUID, amount decimal.Decimal) (TraderBalance, error)
	ReleaseTrader(ctx context.Context, traderID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, TraderBalance, error)
	SettleTrader(ctx context.Context, traderID uuid.UUID, principal, credit decimal.Decimal) (decimal.Decimal, TraderBalance, error)

	FreezeAggregator(ctx context.Context, aggregatorID uuid.UUID, amount, volume decimal.Decimal) (Aggregator, error)
	ReleaseAggregator(ctx context.Context, aggregatorID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, Aggregator, error)
	SettleAggregator(ctx context.Context, aggregatorID uuid.UUID, principal decimal.Decimal) (decimal.Decimal, Aggregator, error)

	CreditMerchant(ctx context.Context, merchantID uuid.UUID, amount decimal.Decimal) (MerchantBalance, error)

	LockFeeScope(ctx context.Context, scope FeeScope) error
	GetFeeRange(ctx context.Context, id uuid.UUID) (FeeRange, error)
	ListActiveFeeRanges(ctx context.Context, scope FeeScope) ([]FeeRange, error)
	InsertFeeRange(ctx context.Context, r FeeRange) error
	UpdateFeeRange(ctx context.Context, r FeeRange) error
}

// DealUpdate moves a deal from From to To. The write fails with
// ErrInvalidTransition when the stored status is no longer From.
type DealUpdate struct {
	DealID     uuid.UUID
	From       DealStatus
	To         DealStatus
	Commission decimal.Decimal
	AcceptedAt *time.Time
	UpdatedAt  time.Time
}
