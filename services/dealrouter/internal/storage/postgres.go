package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const dealColumns = `
	id, external_order_id, merchant_id, method_id, direction,
	amount::text, rate::text, frozen_principal::text, commission::text,
	status, party_kind, trader_id, aggregator_id, aggregator_deal_id,
	callback_url, created_at, expires_at, accepted_at, updated_at`

var aggregatorFields = []string{
	"id", "name", "api_base_url", "callback_token_hash", "priority",
	"balance::text", "frozen_balance::text", "min_balance::text",
	"max_daily_volume::text", "current_daily_volume::text", "last_volume_reset",
	"max_sla_ms", "is_active", "requires_insurance_deposit", "created_at",
}

var aggregatorColumns = strings.Join(aggregatorFields, ", ")

const feeRangeColumns = `
	id, party_id, merchant_id, method_id, min_amount::text, max_amount::text,
	fee_in_percent::text, fee_out_percent::text, is_active, created_at`

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", "error", err)
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetDeal(ctx context.Context, id uuid.UUID) (Deal, error) {
	return getDeal(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetDealByExternalOrderID(ctx context.Context, externalOrderID string) (Deal, error) {
	deal, err := scanDeal(s.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE external_order_id = $1`, externalOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Deal{}, ErrNotFound
	}
	return deal, err
}

func (s *PostgresStore) ListExpiredDeals(ctx context.Context, now time.Time, limit int) ([]Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, string(StatusInProgress), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, rows.Err()
}

func (s *PostgresStore) ListActiveAggregators(ctx context.Context) ([]Aggregator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+aggregatorColumns+`
		FROM aggregators
		WHERE is_active
		ORDER BY priority ASC, created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Aggregator
	for rows.Next() {
		agg, err := scanAggregator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAggregator(ctx context.Context, id uuid.UUID) (Aggregator, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+aggregatorColumns+` FROM aggregators WHERE id = $1`, id)
	agg, err := scanAggregator(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Aggregator{}, ErrNotFound
	}
	return agg, err
}

func (s *PostgresStore) GetAggregatorByTokenHash(ctx context.Context, hash string) (Aggregator, error) {
	if hash == "" {
		return Aggregator{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+aggregatorColumns+` FROM aggregators WHERE callback_token_hash = $1`, hash)
	agg, err := scanAggregator(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Aggregator{}, ErrNotFound
	}
	return agg, err
}

func (s *PostgresStore) UpsertAggregator(ctx context.Context, agg Aggregator) error {
	if agg.CreatedAt.IsZero() {
		agg.CreatedAt = time.Now().UTC()
	}
	if agg.LastVolumeReset.IsZero() {
		agg.LastVolumeReset = agg.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO aggregators (id, name, api_base_url, callback_token_hash, priority, balance, frozen_balance,
			min_balance, max_daily_volume, current_daily_volume, last_volume_reset, max_sla_ms, is_active,
			requires_insurance_deposit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			api_base_url = EXCLUDED.api_base_url,
			callback_token_hash = EXCLUDED.callback_token_hash,
			priority = EXCLUDED.priority,
			balance = EXCLUDED.balance,
			min_balance = EXCLUDED.min_balance,
			max_daily_volume = EXCLUDED.max_daily_volume,
			max_sla_ms = EXCLUDED.max_sla_ms,
			is_active = EXCLUDED.is_active,
			requires_insurance_deposit = EXCLUDED.requires_insurance_deposit
	`, agg.ID, agg.Name, agg.APIBaseURL, agg.CallbackTokenHash, agg.Priority, agg.Balance.String(),
		agg.FrozenBalance.String(), agg.MinBalance.String(), agg.MaxDailyVolume.String(),
		agg.CurrentDailyVolume.String(), agg.LastVolumeReset, agg.MaxSLAMs, agg.IsActive,
		agg.RequiresInsuranceDeposit, agg.CreatedAt)
	return err
}

// ResetDailyVolumes zeroes counters whose reset date predates the current
// UTC day. The predicate is re-evaluated per row, so a second call in the
// same day matches nothing.
func (s *PostgresStore) ResetDailyVolumes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE aggregators
		SET current_daily_volume = 0, last_volume_reset = $1
		WHERE last_volume_reset < $2
	`, now, StartOfDay(now))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetTraderBalance(ctx context.Context, traderID uuid.UUID) (TraderBalance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT trader_id, trust_balance::text, frozen_usdt::text, updated_at
		FROM trader_balances WHERE trader_id = $1
	`, traderID)
	bal, err := scanTraderBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return TraderBalance{}, ErrNotFound
	}
	return bal, err
}

func (s *PostgresStore) UpsertTraderBalance(ctx context.Context, bal TraderBalance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trader_balances (trader_id, trust_balance, frozen_usdt, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, now())
		ON CONFLICT (trader_id) DO UPDATE SET
			trust_balance = EXCLUDED.trust_balance,
			frozen_usdt = EXCLUDED.frozen_usdt,
			updated_at = now()
	`, bal.TraderID, bal.TrustBalance.String(), bal.FrozenUSDT.String())
	return err
}

func (s *PostgresStore) GetMerchantBalance(ctx context.Context, merchantID uuid.UUID) (MerchantBalance, error) {
	var balStr string
	bal := MerchantBalance{MerchantID: merchantID}
	err := s.pool.QueryRow(ctx, `
		SELECT balance::text, updated_at FROM merchant_balances WHERE merchant_id = $1
	`, merchantID).Scan(&balStr, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		bal.Balance = decimal.Zero
		return bal, nil
	}
	if err != nil {
		return MerchantBalance{}, err
	}
	bal.Balance, err = decimal.NewFromString(balStr)
	if err != nil {
		return MerchantBalance{}, fmt.Errorf("parse merchant balance: %w", err)
	}
	return bal, nil
}

func (s *PostgresStore) GetFeeRelation(ctx context.Context, scope FeeScope) (FeeRelation, error) {
	var inStr, outStr string
	rel := FeeRelation{PartyID: scope.PartyID, MerchantID: scope.MerchantID, MethodID: scope.MethodID}
	err := s.pool.QueryRow(ctx, `
		SELECT fee_in_percent::text, fee_out_percent::text, flexible_rates
		FROM fee_relations
		WHERE party_id = $1 AND merchant_id = $2 AND method_id = $3
	`, scope.PartyID, scope.MerchantID, scope.MethodID).Scan(&inStr, &outStr, &rel.FlexibleRates)
	if errors.Is(err, pgx.ErrNoRows) {
		return FeeRelation{}, ErrNotFound
	}
	if err != nil {
		return FeeRelation{}, err
	}
	if rel.FeeInPercent, err = decimal.NewFromString(inStr); err != nil {
		return FeeRelation{}, fmt.Errorf("parse fee_in_percent: %w", err)
	}
	if rel.FeeOutPercent, err = decimal.NewFromString(outStr); err != nil {
		return FeeRelation{}, fmt.Errorf("parse fee_out_percent: %w", err)
	}
	return rel, nil
}

func (s *PostgresStore) UpsertFeeRelation(ctx context.Context, rel FeeRelation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fee_relations (party_id, merchant_id, method_id, fee_in_percent, fee_out_percent, flexible_rates)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		ON CONFLICT (party_id, merchant_id, method_id) DO UPDATE SET
			fee_in_percent = EXCLUDED.fee_in_percent,
			fee_out_percent = EXCLUDED.fee_out_percent,
			flexible_rates = EXCLUDED.flexible_rates
	`, rel.PartyID, rel.MerchantID, rel.MethodID, rel.FeeInPercent.String(), rel.FeeOutPercent.String(), rel.FlexibleRates)
	return err
}

func (s *PostgresStore) ListActiveFeeRanges(ctx context.Context, scope FeeScope) ([]FeeRange, error) {
	return listActiveFeeRanges(ctx, s.pool, scope, false)
}

func (s *PostgresStore) InsertIntegrationLog(ctx context.Context, entry IntegrationLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integration_logs (id, aggregator_id, deal_id, partner_deal_id, direction, event_type, status_code,
			latency_ms, sla_violation, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, nullableUUID(entry.AggregatorID), nullableUUID(entry.DealID), entry.PartnerDealID, entry.Direction,
		entry.EventType, entry.StatusCode, entry.LatencyMs, entry.SLAViolation, entry.Error, entry.CreatedAt)
	return err
}

func (s *PostgresStore) InsertRoutingFailure(ctx context.Context, failure RoutingFailure) error {
	if failure.ID == uuid.Nil {
		failure.ID = uuid.New()
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now().UTC()
	}
	attempts, err := json.Marshal(failure.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO routing_failures (id, deal_id, external_order_id, amount, attempts, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, failure.ID, failure.DealID, failure.ExternalOrderID, failure.Amount.String(), attempts, failure.CreatedAt)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertDeal(ctx context.Context, deal Deal) error {
	var traderID, aggregatorID *uuid.UUID
	var externalID *string
	if id, ok := deal.Party.Trader(); ok {
		traderID = &id
	}
	if id, ext, ok := deal.Party.Aggregator(); ok {
		aggregatorID = &id
		externalID = &ext
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO deals (id, external_order_id, merchant_id, method_id, direction, amount, rate,
			frozen_principal, commission, status, party_kind, trader_id, aggregator_id, aggregator_deal_id,
			callback_url, created_at, expires_at, accepted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19)
	`, deal.ID, deal.ExternalOrderID, deal.MerchantID, deal.MethodID, string(deal.Direction),
		deal.Amount.String(), deal.Rate.String(), deal.FrozenPrincipal.String(), deal.Commission.String(),
		string(deal.Status), string(deal.Party.Kind()), traderID, aggregatorID, externalID,
		deal.CallbackURL, deal.CreatedAt, deal.ExpiresAt, deal.AcceptedAt, deal.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return err
	}
	return nil
}

func (t *pgTx) GetDealForUpdate(ctx context.Context, id uuid.UUID) (Deal, error) {
	return getDeal(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateDealStatus(ctx context.Context, update DealUpdate) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE deals
		SET status = $1, commission = $2::numeric, accepted_at = COALESCE($3, accepted_at), updated_at = $4
		WHERE id = $5 AND status = $6
	`, string(update.To), update.Commission.String(), update.AcceptedAt, update.UpdatedAt, update.DealID, string(update.From))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (t *pgTx) FreezeTrader(ctx context.Context, traderID uuid.UUID, amount decimal.Decimal) (TraderBalance, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE trader_balances
		SET trust_balance = trust_balance - $2::numeric, frozen_usdt = frozen_usdt + $2::numeric, updated_at = now()
		WHERE trader_id = $1 AND trust_balance >= $2::numeric
		RETURNING trader_id, trust_balance::text, frozen_usdt::text, updated_at
	`, traderID, amount.String())
	bal, err := scanTraderBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := t.traderExists(ctx, traderID); lookupErr != nil {
			return TraderBalance{}, lookupErr
		}
		return TraderBalance{}, ErrInsufficientBalance
	}
	return bal, err
}

func (t *pgTx) traderExists(ctx context.Context, traderID uuid.UUID) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx, `SELECT 1 FROM trader_balances WHERE trader_id = $1`, traderID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return err == nil, err
}

// ReleaseTrader returns at most what is frozen; the first return value is
// the amount actually moved back to the trust balance.
func (t *pgTx) ReleaseTrader(ctx context.Context, traderID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, TraderBalance, error) {
	row := t.tx.QueryRow(ctx, `
		WITH prev AS (
			SELECT trader_id, LEAST(frozen_usdt, $2::numeric) AS moved
			FROM trader_balances WHERE trader_id = $1 FOR UPDATE
		)
		UPDATE trader_balances tb
		SET frozen_usdt = tb.frozen_usdt - prev.moved, trust_balance = tb.trust_balance + prev.moved, updated_at = now()
		FROM prev
		WHERE tb.trader_id = prev.trader_id
		RETURNING prev.moved::text, tb.trader_id, tb.trust_balance::text, tb.frozen_usdt::text, tb.updated_at
	`, traderID, amount.String())
	return scanMovedTrader(row)
}

func (t *pgTx) SettleTrader(ctx context.Context, traderID uuid.UUID, principal, credit decimal.Decimal) (decimal.Decimal, TraderBalance, error) {
	row := t.tx.QueryRow(ctx, `
		WITH prev AS (
			SELECT trader_id, LEAST(frozen_usdt, $2::numeric) AS moved
			FROM trader_balances WHERE trader_id = $1 FOR UPDATE
		)
		UPDATE trader_balances tb
		SET frozen_usdt = tb.frozen_usdt - prev.moved, trust_balance = tb.trust_balance + $3::numeric, updated_at = now()
		FROM prev
		WHERE tb.trader_id = prev.trader_id
		RETURNING prev.moved::text, tb.trader_id, tb.trust_balance::text, tb.frozen_usdt::text, tb.updated_at
	`, traderID, principal.String(), credit.String())
	return scanMovedTrader(row)
}

// FreezeAggregator reserves amount and books volume in one conditional
// statement. A counter last reset before today is rolled over in the same
// statement, so the booking can never land on yesterday's volume. Zero
// matched rows is resolved into the specific reason.
func (t *pgTx) FreezeAggregator(ctx context.Context, aggregatorID uuid.UUID, amount, volume decimal.Decimal) (Aggregator, error) {
	now := time.Now().UTC()
	row := t.tx.QueryRow(ctx, `
		UPDATE aggregators
		SET frozen_balance = CASE WHEN requires_insurance_deposit THEN frozen_balance + $2::numeric ELSE frozen_balance END,
			current_daily_volume = CASE WHEN last_volume_reset < $4 THEN $3::numeric ELSE current_daily_volume + $3::numeric END,
			last_volume_reset = CASE WHEN last_volume_reset < $4 THEN $5 ELSE last_volume_reset END
		WHERE id = $1
			AND (NOT requires_insurance_deposit OR balance - frozen_balance >= $2::numeric)
			AND (max_daily_volume = 0
				OR (CASE WHEN last_volume_reset < $4 THEN 0 ELSE current_daily_volume END) + $3::numeric <= max_daily_volume)
		RETURNING `+aggregatorColumns, aggregatorID, amount.String(), volume.String(), StartOfDay(now), now)
	agg, err := scanAggregator(row)
	if err == nil {
		return agg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Aggregator{}, err
	}

	current, err := scanAggregator(t.tx.QueryRow(ctx, `SELECT `+aggregatorColumns+` FROM aggregators WHERE id = $1`, aggregatorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Aggregator{}, ErrNotFound
	}
	if err != nil {
		return Aggregator{}, err
	}
	if current.RequiresInsuranceDeposit && current.Available().LessThan(amount) {
		return Aggregator{}, ErrInsufficientBalance
	}
	return Aggregator{}, ErrVolumeExceeded
}

func (t *pgTx) ReleaseAggregator(ctx context.Context, aggregatorID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, Aggregator, error) {
	row := t.tx.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, CASE WHEN requires_insurance_deposit THEN LEAST(frozen_balance, $2::numeric) ELSE 0 END AS moved
			FROM aggregators WHERE id = $1 FOR UPDATE
		)
		UPDATE aggregators a
		SET frozen_balance = a.frozen_balance - prev.moved
		FROM prev
		WHERE a.id = prev.id
		RETURNING prev.moved::text, `+qualified("a", aggregatorFields), aggregatorID, amount.String())
	return scanMovedAggregator(row)
}

func (t *pgTx) SettleAggregator(ctx context.Context, aggregatorID uuid.UUID, principal decimal.Decimal) (decimal.Decimal, Aggregator, error) {
	row := t.tx.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, CASE WHEN requires_insurance_deposit THEN LEAST(frozen_balance, $2::numeric) ELSE 0 END AS moved
			FROM aggregators WHERE id = $1 FOR UPDATE
		)
		UPDATE aggregators a
		SET frozen_balance = a.frozen_balance - prev.moved, balance = a.balance - prev.moved
		FROM prev
		WHERE a.id = prev.id
		RETURNING prev.moved::text, `+qualified("a", aggregatorFields), aggregatorID, principal.String())
	return scanMovedAggregator(row)
}

func (t *pgTx) CreditMerchant(ctx context.Context, merchantID uuid.UUID, amount decimal.Decimal) (MerchantBalance, error) {
	var balStr string
	bal := MerchantBalance{MerchantID: merchantID}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO merchant_balances (merchant_id, balance, updated_at)
		VALUES ($1, $2::numeric, now())
		ON CONFLICT (merchant_id) DO UPDATE SET
			balance = merchant_balances.balance + EXCLUDED.balance,
			updated_at = now()
		RETURNING balance::text, updated_at
	`, merchantID, amount.String()).Scan(&balStr, &bal.UpdatedAt)
	if err != nil {
		return MerchantBalance{}, err
	}
	if bal.Balance, err = decimal.NewFromString(balStr); err != nil {
		return MerchantBalance{}, fmt.Errorf("parse merchant balance: %w", err)
	}
	return bal, nil
}

// LockFeeScope serializes range writers of one (party, merchant, method).
func (t *pgTx) LockFeeScope(ctx context.Context, scope FeeScope) error {
	key := scope.PartyID.String() + ":" + scope.MerchantID.String() + ":" + scope.MethodID.String()
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (t *pgTx) GetFeeRange(ctx context.Context, id uuid.UUID) (FeeRange, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+feeRangeColumns+` FROM fee_ranges WHERE id = $1 FOR UPDATE`, id)
	r, err := scanFeeRange(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return FeeRange{}, ErrNotFound
	}
	return r, err
}

func (t *pgTx) ListActiveFeeRanges(ctx context.Context, scope FeeScope) ([]FeeRange, error) {
	return listActiveFeeRanges(ctx, t.tx, scope, true)
}

func (t *pgTx) InsertFeeRange(ctx context.Context, r FeeRange) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO fee_ranges (id, party_id, merchant_id, method_id, min_amount, max_amount, fee_in_percent,
			fee_out_percent, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10)
	`, r.ID, r.PartyID, r.MerchantID, r.MethodID, r.MinAmount.String(), r.MaxAmount.String(),
		r.FeeInPercent.String(), r.FeeOutPercent.String(), r.IsActive, r.CreatedAt)
	return err
}

func (t *pgTx) UpdateFeeRange(ctx context.Context, r FeeRange) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE fee_ranges
		SET min_amount = $2::numeric, max_amount = $3::numeric, fee_in_percent = $4::numeric,
			fee_out_percent = $5::numeric, is_active = $6
		WHERE id = $1
	`, r.ID, r.MinAmount.String(), r.MaxAmount.String(), r.FeeInPercent.String(), r.FeeOutPercent.String(), r.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func getDeal(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	deal, err := scanDeal(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Deal{}, ErrNotFound
	}
	return deal, err
}

func listActiveFeeRanges(ctx context.Context, q querier, scope FeeScope, forUpdate bool) ([]FeeRange, error) {
	query := `
		SELECT ` + feeRangeColumns + `
		FROM fee_ranges
		WHERE party_id = $1 AND merchant_id = $2 AND method_id = $3 AND is_active
		ORDER BY min_amount ASC`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, scope.PartyID, scope.MerchantID, scope.MethodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeeRange
	for rows.Next() {
		r, err := scanFeeRange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		deal                                         Deal
		direction, status, partyKind                 string
		amountStr, rateStr, frozenStr, commissionStr string
		traderID, aggregatorID                       *uuid.UUID
		externalID                                   *string
	)
	if err := row.Scan(&deal.ID, &deal.ExternalOrderID, &deal.MerchantID, &deal.MethodID, &direction,
		&amountStr, &rateStr, &frozenStr, &commissionStr,
		&status, &partyKind, &traderID, &aggregatorID, &externalID,
		&deal.CallbackURL, &deal.CreatedAt, &deal.ExpiresAt, &deal.AcceptedAt, &deal.UpdatedAt); err != nil {
		return Deal{}, err
	}
	deal.Direction = Direction(direction)
	deal.Status = DealStatus(status)

	var err error
	if deal.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Deal{}, fmt.Errorf("parse amount: %w", err)
	}
	if deal.Rate, err = decimal.NewFromString(rateStr); err != nil {
		return Deal{}, fmt.Errorf("parse rate: %w", err)
	}
	if deal.FrozenPrincipal, err = decimal.NewFromString(frozenStr); err != nil {
		return Deal{}, fmt.Errorf("parse frozen principal: %w", err)
	}
	if deal.Commission, err = decimal.NewFromString(commissionStr); err != nil {
		return Deal{}, fmt.Errorf("parse commission: %w", err)
	}

	switch PartyKind(partyKind) {
	case PartyTrader:
		if traderID == nil {
			return Deal{}, fmt.Errorf("deal %s: trader party without trader_id", deal.ID)
		}
		deal.Party = TraderParty(*traderID)
	case PartyAggregator:
		if aggregatorID == nil {
			return Deal{}, fmt.Errorf("deal %s: aggregator party without aggregator_id", deal.ID)
		}
		ext := ""
		if externalID != nil {
			ext = *externalID
		}
		deal.Party = AggregatorParty(*aggregatorID, ext)
	default:
		deal.Party = Unrouted()
	}
	return deal, nil
}

func qualified(alias string, fields []string) string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = alias + "." + f
	}
	return strings.Join(out, ", ")
}

func scanAggregator(row pgx.Row) (Aggregator, error) {
	return scanAggregatorWith(row)
}

func scanAggregatorWith(row pgx.Row, extra ...any) (Aggregator, error) {
	var (
		agg                                                 Aggregator
		balStr, frozenStr, minStr, maxVolStr, currentVolStr string
	)
	dest := append(extra, &agg.ID, &agg.Name, &agg.APIBaseURL, &agg.CallbackTokenHash, &agg.Priority,
		&balStr, &frozenStr, &minStr, &maxVolStr, &currentVolStr, &agg.LastVolumeReset,
		&agg.MaxSLAMs, &agg.IsActive, &agg.RequiresInsuranceDeposit, &agg.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return Aggregator{}, err
	}
	parsed, err := parseDecimals(balStr, frozenStr, minStr, maxVolStr, currentVolStr)
	if err != nil {
		return Aggregator{}, fmt.Errorf("parse aggregator %s: %w", agg.ID, err)
	}
	agg.Balance, agg.FrozenBalance, agg.MinBalance = parsed[0], parsed[1], parsed[2]
	agg.MaxDailyVolume, agg.CurrentDailyVolume = parsed[3], parsed[4]
	return agg, nil
}

func scanMovedAggregator(row pgx.Row) (decimal.Decimal, Aggregator, error) {
	var movedStr string
	agg, err := scanAggregatorWith(row, &movedStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, Aggregator{}, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, Aggregator{}, err
	}
	moved, err := decimal.NewFromString(movedStr)
	if err != nil {
		return decimal.Zero, Aggregator{}, fmt.Errorf("parse moved amount: %w", err)
	}
	return moved, agg, nil
}

func scanTraderBalance(row pgx.Row) (TraderBalance, error) {
	var bal TraderBalance
	var trustStr, frozenStr string
	if err := row.Scan(&bal.TraderID, &trustStr, &frozenStr, &bal.UpdatedAt); err != nil {
		return TraderBalance{}, err
	}
	parsed, err := parseDecimals(trustStr, frozenStr)
	if err != nil {
		return TraderBalance{}, fmt.Errorf("parse trader balance: %w", err)
	}
	bal.TrustBalance, bal.FrozenUSDT = parsed[0], parsed[1]
	return bal, nil
}

func scanMovedTrader(row pgx.Row) (decimal.Decimal, TraderBalance, error) {
	var bal TraderBalance
	var movedStr, trustStr, frozenStr string
	if err := row.Scan(&movedStr, &bal.TraderID, &trustStr, &frozenStr, &bal.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, TraderBalance{}, ErrNotFound
		}
		return decimal.Zero, TraderBalance{}, err
	}
	parsed, err := parseDecimals(movedStr, trustStr, frozenStr)
	if err != nil {
		return decimal.Zero, TraderBalance{}, fmt.Errorf("parse trader balance: %w", err)
	}
	bal.TrustBalance, bal.FrozenUSDT = parsed[1], parsed[2]
	return parsed[0], bal, nil
}

func scanFeeRange(row pgx.Row) (FeeRange, error) {
	var r FeeRange
	var minStr, maxStr, inStr, outStr string
	if err := row.Scan(&r.ID, &r.PartyID, &r.MerchantID, &r.MethodID, &minStr, &maxStr, &inStr, &outStr,
		&r.IsActive, &r.CreatedAt); err != nil {
		return FeeRange{}, err
	}
	parsed, err := parseDecimals(minStr, maxStr, inStr, outStr)
	if err != nil {
		return FeeRange{}, fmt.Errorf("parse fee range %s: %w", r.ID, err)
	}
	r.MinAmount, r.MaxAmount, r.FeeInPercent, r.FeeOutPercent = parsed[0], parsed[1], parsed[2], parsed[3]
	return r, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
