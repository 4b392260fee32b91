package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps all state in process. WithTx serializes writers and
// restores a snapshot when fn fails, so it honors the same atomicity
// contract as the Postgres store for a single replica.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	deals       map[uuid.UUID]Deal
	orderIndex  map[string]uuid.UUID
	aggregators map[uuid.UUID]Aggregator
	traders     map[uuid.UUID]TraderBalance
	merchants   map[uuid.UUID]MerchantBalance
	relations   map[FeeScope]FeeRelation
	ranges      map[uuid.UUID]FeeRange
	logs        []IntegrationLogEntry
	failures    []RoutingFailure
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			deals:       map[uuid.UUID]Deal{},
			orderIndex:  map[string]uuid.UUID{},
			aggregators: map[uuid.UUID]Aggregator{},
			traders:     map[uuid.UUID]TraderBalance{},
			merchants:   map[uuid.UUID]MerchantBalance{},
			relations:   map[FeeScope]FeeRelation{},
			ranges:      map[uuid.UUID]FeeRange{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		deals:       make(map[uuid.UUID]Deal, len(s.deals)),
		orderIndex:  make(map[string]uuid.UUID, len(s.orderIndex)),
		aggregators: make(map[uuid.UUID]Aggregator, len(s.aggregators)),
		traders:     make(map[uuid.UUID]TraderBalance, len(s.traders)),
		merchants:   make(map[uuid.UUID]MerchantBalance, len(s.merchants)),
		relations:   make(map[FeeScope]FeeRelation, len(s.relations)),
		ranges:      make(map[uuid.UUID]FeeRange, len(s.ranges)),
		logs:        append([]IntegrationLogEntry(nil), s.logs...),
		failures:    append([]RoutingFailure(nil), s.failures...),
	}
	for k, v := range s.deals {
		c.deals[k] = v
	}
	for k, v := range s.orderIndex {
		c.orderIndex[k] = v
	}
	for k, v := range s.aggregators {
		c.aggregators[k] = v
	}
	for k, v := range s.traders {
		c.traders[k] = v
	}
	for k, v := range s.merchants {
		c.merchants[k] = v
	}
	for k, v := range s.relations {
		c.relations[k] = v
	}
	for k, v := range s.ranges {
		c.ranges[k] = v
	}
	return c
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &memoryTx{store: s}); err != nil {
		s.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) GetDeal(_ context.Context, id uuid.UUID) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.state.deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return deal, nil
}

func (s *MemoryStore) GetDealByExternalOrderID(_ context.Context, externalOrderID string) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.orderIndex[externalOrderID]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return s.state.deals[id], nil
}

func (s *MemoryStore) ListExpiredDeals(_ context.Context, now time.Time, limit int) ([]Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Deal
	for _, deal := range s.state.deals {
		if deal.Status == StatusInProgress && deal.ExpiresAt.Before(now) {
			out = append(out, deal)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActiveAggregators(_ context.Context) ([]Aggregator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Aggregator
	for _, agg := range s.state.aggregators {
		if agg.IsActive {
			out = append(out, agg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) GetAggregator(_ context.Context, id uuid.UUID) (Aggregator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.state.aggregators[id]
	if !ok {
		return Aggregator{}, ErrNotFound
	}
	return agg, nil
}

func (s *MemoryStore) GetAggregatorByTokenHash(_ context.Context, hash string) (Aggregator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hash == "" {
		return Aggregator{}, ErrNotFound
	}
	for _, agg := range s.state.aggregators {
		if agg.CallbackTokenHash == hash {
			return agg, nil
		}
	}
	return Aggregator{}, ErrNotFound
}

func (s *MemoryStore) UpsertAggregator(_ context.Context, agg Aggregator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agg.CreatedAt.IsZero() {
		agg.CreatedAt = s.now()
	}
	s.state.aggregators[agg.ID] = agg
	return nil
}

func (s *MemoryStore) ResetDailyVolumes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dayStart := StartOfDay(now)
	var n int64
	for id, agg := range s.state.aggregators {
		if agg.LastVolumeReset.Before(dayStart) {
			agg.CurrentDailyVolume = decimal.Zero
			agg.LastVolumeReset = now
			s.state.aggregators[id] = agg
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetTraderBalance(_ context.Context, traderID uuid.UUID) (TraderBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.state.traders[traderID]
	if !ok {
		return TraderBalance{}, ErrNotFound
	}
	return bal, nil
}

func (s *MemoryStore) UpsertTraderBalance(_ context.Context, bal TraderBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal.UpdatedAt = s.now()
	s.state.traders[bal.TraderID] = bal
	return nil
}

func (s *MemoryStore) GetMerchantBalance(_ context.Context, merchantID uuid.UUID) (MerchantBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.state.merchants[merchantID]
	if !ok {
		return MerchantBalance{MerchantID: merchantID, Balance: decimal.Zero}, nil
	}
	return bal, nil
}

func (s *MemoryStore) GetFeeRelation(_ context.Context, scope FeeScope) (FeeRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.state.relations[scope]
	if !ok {
		return FeeRelation{}, ErrNotFound
	}
	return rel, nil
}

func (s *MemoryStore) UpsertFeeRelation(_ context.Context, rel FeeRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.relations[rel.Scope()] = rel
	return nil
}

func (s *MemoryStore) ListActiveFeeRanges(_ context.Context, scope FeeScope) ([]FeeRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.activeRanges(scope), nil
}

func (s memoryState) activeRanges(scope FeeScope) []FeeRange {
	var out []FeeRange
	for _, r := range s.ranges {
		if r.IsActive && r.Scope() == scope {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MinAmount.LessThan(out[j].MinAmount)
	})
	return out
}

func (s *MemoryStore) InsertIntegrationLog(_ context.Context, entry IntegrationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.state.logs = append(s.state.logs, entry)
	return nil
}

// IntegrationLogs returns a copy of every recorded entry.
func (s *MemoryStore) IntegrationLogs() []IntegrationLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IntegrationLogEntry(nil), s.state.logs...)
}

func (s *MemoryStore) InsertRoutingFailure(_ context.Context, failure RoutingFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failure.ID == uuid.Nil {
		failure.ID = uuid.New()
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = s.now()
	}
	failure.Attempts = append([]RoutingAttempt(nil), failure.Attempts...)
	s.state.failures = append(s.state.failures, failure)
	return nil
}

func (s *MemoryStore) RoutingFailures() []RoutingFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RoutingFailure(nil), s.state.failures...)
}

// DealCount reports the number of persisted deals.
func (s *MemoryStore) DealCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.deals)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// memoryTx runs with MemoryStore.mu held.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) st() *memoryState { return &t.store.state }

func (t *memoryTx) InsertDeal(_ context.Context, deal Deal) error {
	st := t.st()
	if _, ok := st.orderIndex[deal.ExternalOrderID]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := st.deals[deal.ID]; ok {
		return ErrDuplicateOrder
	}
	st.deals[deal.ID] = deal
	st.orderIndex[deal.ExternalOrderID] = deal.ID
	return nil
}

func (t *memoryTx) GetDealForUpdate(_ context.Context, id uuid.UUID) (Deal, error) {
	deal, ok := t.st().deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return deal, nil
}

func (t *memoryTx) UpdateDealStatus(_ context.Context, update DealUpdate) error {
	st := t.st()
	deal, ok := st.deals[update.DealID]
	if !ok {
		return ErrNotFound
	}
	if deal.Status != update.From {
		return ErrInvalidTransition
	}
	deal.Status = update.To
	deal.Commission = update.Commission
	if update.AcceptedAt != nil {
		at := *update.AcceptedAt
		deal.AcceptedAt = &at
	}
	deal.UpdatedAt = update.UpdatedAt
	st.deals[deal.ID] = deal
	return nil
}

func (t *memoryTx) FreezeTrader(_ context.Context, traderID uuid.UUID, amount decimal.Decimal) (TraderBalance, error) {
	st := t.st()
	bal, ok := st.traders[traderID]
	if !ok {
		return TraderBalance{}, ErrNotFound
	}
	if bal.TrustBalance.LessThan(amount) {
		return TraderBalance{}, ErrInsufficientBalance
	}
	bal.TrustBalance = bal.TrustBalance.Sub(amount)
	bal.FrozenUSDT = bal.FrozenUSDT.Add(amount)
	bal.UpdatedAt = t.store.now()
	st.traders[traderID] = bal
	return bal, nil
}

func (t *memoryTx) ReleaseTrader(_ context.Context, traderID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, TraderBalance, error) {
	st := t.st()
	bal, ok := st.traders[traderID]
	if !ok {
		return decimal.Zero, TraderBalance{}, ErrNotFound
	}
	released := decimal.Min(amount, bal.FrozenUSDT)
	bal.FrozenUSDT = bal.FrozenUSDT.Sub(released)
	bal.TrustBalance = bal.TrustBalance.Add(released)
	bal.UpdatedAt = t.store.now()
	st.traders[traderID] = bal
	return released, bal, nil
}

func (t *memoryTx) SettleTrader(_ context.Context, traderID uuid.UUID, principal, credit decimal.Decimal) (decimal.Decimal, TraderBalance, error) {
	st := t.st()
	bal, ok := st.traders[traderID]
	if !ok {
		return decimal.Zero, TraderBalance{}, ErrNotFound
	}
	consumed := decimal.Min(principal, bal.FrozenUSDT)
	bal.FrozenUSDT = bal.FrozenUSDT.Sub(consumed)
	bal.TrustBalance = bal.TrustBalance.Add(credit)
	bal.UpdatedAt = t.store.now()
	st.traders[traderID] = bal
	return consumed, bal, nil
}

func (t *memoryTx) FreezeAggregator(_ context.Context, aggregatorID uuid.UUID, amount, volume decimal.Decimal) (Aggregator, error) {
	st := t.st()
	agg, ok := st.aggregators[aggregatorID]
	if !ok {
		return Aggregator{}, ErrNotFound
	}
	if agg.RequiresInsuranceDeposit && agg.Available().LessThan(amount) {
		return Aggregator{}, ErrInsufficientBalance
	}
	now := t.store.now()
	booked := agg.VolumeOn(now)
	if agg.MaxDailyVolume.IsPositive() && booked.Add(volume).GreaterThan(agg.MaxDailyVolume) {
		return Aggregator{}, ErrVolumeExceeded
	}
	if agg.RequiresInsuranceDeposit {
		agg.FrozenBalance = agg.FrozenBalance.Add(amount)
	}
	if agg.LastVolumeReset.Before(StartOfDay(now)) {
		agg.LastVolumeReset = now
	}
	agg.CurrentDailyVolume = booked.Add(volume)
	st.aggregators[aggregatorID] = agg
	return agg, nil
}

func (t *memoryTx) ReleaseAggregator(_ context.Context, aggregatorID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, Aggregator, error) {
	st := t.st()
	agg, ok := st.aggregators[aggregatorID]
	if !ok {
		return decimal.Zero, Aggregator{}, ErrNotFound
	}
	if !agg.RequiresInsuranceDeposit {
		return decimal.Zero, agg, nil
	}
	released := decimal.Min(amount, agg.FrozenBalance)
	agg.FrozenBalance = agg.FrozenBalance.Sub(released)
	st.aggregators[aggregatorID] = agg
	return released, agg, nil
}

func (t *memoryTx) SettleAggregator(_ context.Context, aggregatorID uuid.UUID, principal decimal.Decimal) (decimal.Decimal, Aggregator, error) {
	st := t.st()
	agg, ok := st.aggregators[aggregatorID]
	if !ok {
		return decimal.Zero, Aggregator{}, ErrNotFound
	}
	if !agg.RequiresInsuranceDeposit {
		return decimal.Zero, agg, nil
	}
	consumed := decimal.Min(principal, agg.FrozenBalance)
	agg.FrozenBalance = agg.FrozenBalance.Sub(consumed)
	agg.Balance = agg.Balance.Sub(consumed)
	st.aggregators[aggregatorID] = agg
	return consumed, agg, nil
}

func (t *memoryTx) CreditMerchant(_ context.Context, merchantID uuid.UUID, amount decimal.Decimal) (MerchantBalance, error) {
	st := t.st()
	bal, ok := st.merchants[merchantID]
	if !ok {
		bal = MerchantBalance{MerchantID: merchantID, Balance: decimal.Zero}
	}
	bal.Balance = bal.Balance.Add(amount)
	bal.UpdatedAt = t.store.now()
	st.merchants[merchantID] = bal
	return bal, nil
}

// LockFeeScope is implicit: the store mutex is held for the whole tx.
func (t *memoryTx) LockFeeScope(context.Context, FeeScope) error { return nil }

func (t *memoryTx) GetFeeRange(_ context.Context, id uuid.UUID) (FeeRange, error) {
	r, ok := t.st().ranges[id]
	if !ok {
		return FeeRange{}, ErrNotFound
	}
	return r, nil
}

func (t *memoryTx) ListActiveFeeRanges(_ context.Context, scope FeeScope) ([]FeeRange, error) {
	return t.st().activeRanges(scope), nil
}

func (t *memoryTx) InsertFeeRange(_ context.Context, r FeeRange) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.store.now()
	}
	t.st().ranges[r.ID] = r
	return nil
}

func (t *memoryTx) UpdateFeeRange(_ context.Context, r FeeRange) error {
	st := t.st()
	existing, ok := st.ranges[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	st.ranges[r.ID] = r
	return nil
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
