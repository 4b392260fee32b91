package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DealStatus string

const (
	StatusCreated    DealStatus = "CREATED"
	StatusInProgress DealStatus = "IN_PROGRESS"
	StatusReady      DealStatus = "READY"
	StatusCanceled   DealStatus = "CANCELED"
	StatusExpired    DealStatus = "EXPIRED"
	StatusDispute    DealStatus = "DISPUTE"
)

// Terminal reports whether no further transition is permitted from s.
func (s DealStatus) Terminal() bool {
	switch s {
	case StatusReady, StatusCanceled, StatusExpired, StatusDispute:
		return true
	}
	return false
}

func (s DealStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusInProgress, StatusReady, StatusCanceled, StatusExpired, StatusDispute:
		return true
	}
	return false
}

// CanTransition enforces the forward-only lifecycle.
func (s DealStatus) CanTransition(to DealStatus) bool {
	if s.Terminal() || !to.Valid() || s == to {
		return false
	}
	if s == StatusInProgress && to == StatusCreated {
		return false
	}
	return true
}

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

func ParseDirection(value string) (Direction, bool) {
	switch Direction(strings.ToUpper(strings.TrimSpace(value))) {
	case DirectionIn, "":
		return DirectionIn, true
	case DirectionOut:
		return DirectionOut, true
	}
	return "", false
}

type PartyKind string

const (
	PartyUnrouted   PartyKind = "unrouted"
	PartyTrader     PartyKind = "trader"
	PartyAggregator PartyKind = "aggregator"
)

// Party identifies who fulfils a deal. The zero value is Unrouted and a
// Party can never reference a trader and an aggregator at once.
type Party struct {
	kind       PartyKind
	id         uuid.UUID
	externalID string
}

func Unrouted() Party { return Party{} }

func TraderParty(id uuid.UUID) Party {
	return Party{kind: PartyTrader, id: id}
}

func AggregatorParty(id uuid.UUID, externalID string) Party {
	return Party{kind: PartyAggregator, id: id, externalID: externalID}
}

func (p Party) Kind() PartyKind {
	if p.kind == "" {
		return PartyUnrouted
	}
	return p.kind
}

func (p Party) IsRouted() bool { return p.Kind() != PartyUnrouted }

func (p Party) Trader() (uuid.UUID, bool) {
	if p.kind != PartyTrader {
		return uuid.Nil, false
	}
	return p.id, true
}

func (p Party) Aggregator() (uuid.UUID, string, bool) {
	if p.kind != PartyAggregator {
		return uuid.Nil, "", false
	}
	return p.id, p.externalID, true
}

// ID returns the party id, uuid.Nil when unrouted.
func (p Party) ID() uuid.UUID { return p.id }

type Deal struct {
	ID              uuid.UUID
	ExternalOrderID string
	MerchantID      uuid.UUID
	MethodID        uuid.UUID
	Direction       Direction
	Amount          decimal.Decimal
	Rate            decimal.Decimal
	FrozenPrincipal decimal.Decimal
	Commission      decimal.Decimal
	Status          DealStatus
	Party           Party
	CallbackURL     string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	AcceptedAt      *time.Time
	UpdatedAt       time.Time
}

type Aggregator struct {
	ID                       uuid.UUID
	Name                     string
	APIBaseURL               string
	CallbackTokenHash        string
	Priority                 int
	Balance                  decimal.Decimal
	FrozenBalance            decimal.Decimal
	MinBalance               decimal.Decimal
	MaxDailyVolume           decimal.Decimal
	CurrentDailyVolume       decimal.Decimal
	LastVolumeReset          time.Time
	MaxSLAMs                 int
	IsActive                 bool
	RequiresInsuranceDeposit bool
	CreatedAt                time.Time
}

func (a Aggregator) Available() decimal.Decimal {
	return a.Balance.Sub(a.FrozenBalance)
}

// VolumeOn is the volume booked on the UTC day of now. A counter whose last
// reset predates that day belongs to an earlier day and counts as zero.
func (a Aggregator) VolumeOn(now time.Time) decimal.Decimal {
	if a.LastVolumeReset.Before(StartOfDay(now)) {
		return decimal.Zero
	}
	return a.CurrentDailyVolume
}

func (a Aggregator) SLA() time.Duration {
	return time.Duration(a.MaxSLAMs) * time.Millisecond
}

type TraderBalance struct {
	TraderID     uuid.UUID
	TrustBalance decimal.Decimal
	FrozenUSDT   decimal.Decimal
	UpdatedAt    time.Time
}

type MerchantBalance struct {
	MerchantID uuid.UUID
	Balance    decimal.Decimal
	UpdatedAt  time.Time
}

// FeeRelation is the flat fee agreement between a fulfilling party and a
// merchant for one payment method.
type FeeRelation struct {
	PartyID       uuid.UUID
	MerchantID    uuid.UUID
	MethodID      uuid.UUID
	FeeInPercent  decimal.Decimal
	FeeOutPercent decimal.Decimal
	FlexibleRates bool
}

type FeeScope struct {
	PartyID    uuid.UUID
	MerchantID uuid.UUID
	MethodID   uuid.UUID
}

func (r FeeRelation) Scope() FeeScope {
	return FeeScope{PartyID: r.PartyID, MerchantID: r.MerchantID, MethodID: r.MethodID}
}

type FeeRange struct {
	ID            uuid.UUID
	PartyID       uuid.UUID
	MerchantID    uuid.UUID
	MethodID      uuid.UUID
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	FeeInPercent  decimal.Decimal
	FeeOutPercent decimal.Decimal
	IsActive      bool
	CreatedAt     time.Time
}

func (r FeeRange) Scope() FeeScope {
	return FeeScope{PartyID: r.PartyID, MerchantID: r.MerchantID, MethodID: r.MethodID}
}

// Overlaps reports whether the closed intervals of r and other intersect.
func (r FeeRange) Overlaps(other FeeRange) bool {
	return !(r.MaxAmount.LessThan(other.MinAmount) || r.MinAmount.GreaterThan(other.MaxAmount))
}

const (
	LogInbound  = "inbound"
	LogOutbound = "outbound"
)

type IntegrationLogEntry struct {
	ID            uuid.UUID
	AggregatorID  uuid.UUID
	DealID        uuid.UUID
	PartnerDealID string
	Direction     string
	EventType     string
	StatusCode    int
	LatencyMs     int64
	SLAViolation  bool
	Error         string
	CreatedAt     time.Time
}

type AttemptOutcome string

const (
	AttemptAccepted AttemptOutcome = "accepted"
	AttemptDeclined AttemptOutcome = "declined"
	AttemptSkipped  AttemptOutcome = "skipped"
	AttemptError    AttemptOutcome = "error"
)

// RoutingAttempt is one candidate's outcome. PartnerDealID is set whenever
// the aggregator accepted, including when the reservation then failed and the
// partner was left holding a deal that was never persisted.
type RoutingAttempt struct {
	AggregatorID  uuid.UUID      `json:"aggregator_id"`
	Priority      int            `json:"priority"`
	Outcome       AttemptOutcome `json:"outcome"`
	Reason        string         `json:"reason,omitempty"`
	PartnerDealID string         `json:"partner_deal_id,omitempty"`
	LatencyMs     int64          `json:"latency_ms"`
	SLAViolation  bool           `json:"sla_violation"`
}

type RoutingFailure struct {
	ID              uuid.UUID
	DealID          uuid.UUID
	ExternalOrderID string
	Amount          decimal.Decimal
	Attempts        []RoutingAttempt
	CreatedAt       time.Time
}
