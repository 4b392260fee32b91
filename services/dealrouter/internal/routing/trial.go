package routing

import (
	"context"
	"errors"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/adapter"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ReasonBelowMinBalance = "below_min_balance"
	ReasonVolumeLimit     = "daily_volume_limit"
	ReasonCircuitOpen     = "circuit_open"
	ReasonDeclined        = "declined"
	ReasonCapacityTaken   = "capacity_taken"
	ReasonNoTimeBudget    = "no_time_budget"
)

// Adapter is the outbound deal-creation call to one aggregator.
type Adapter interface {
	CreateDeal(ctx context.Context, agg storage.Aggregator, req adapter.CreateDealRequest) (adapter.CreateDealResponse, error)
}

// CommitFunc persists an accepted deal. Returning ErrInsufficientBalance or
// ErrVolumeExceeded moves the trial on to the next candidate; any other
// error stops it.
type CommitFunc func(ctx context.Context, agg storage.Aggregator, resp adapter.CreateDealResponse) error

type Request struct {
	DealID        uuid.UUID
	Amount        decimal.Decimal
	Rate          decimal.Decimal
	PaymentMethod string
	CallbackURL   string
	Metadata      map[string]any
	// Now dates the volume check; zero means the wall clock.
	Now           time.Time
}

type Selection struct {
	Aggregator storage.Aggregator
	Response   adapter.CreateDealResponse
}

// Skip reports why agg cannot take amount on the day of now without asking
// it, or "" if it is eligible.
func Skip(agg storage.Aggregator, amount decimal.Decimal, now time.Time) string {
	if agg.Available().LessThan(agg.MinBalance) {
		return ReasonBelowMinBalance
	}
	if agg.MaxDailyVolume.IsPositive() && agg.VolumeOn(now).Add(amount).GreaterThan(agg.MaxDailyVolume) {
		return ReasonVolumeLimit
	}
	return ""
}

// Trial offers req to candidates in order and stops at the first one that
// accepts and commits. It returns a nil Selection when nobody took the deal.
// One attempt is recorded per candidate, in order. When ctx carries a
// deadline, a candidate whose SLA no longer fits in the time left is skipped
// without a call.
func Trial(ctx context.Context, candidates []storage.Aggregator, req Request, client Adapter, breakers *adapter.Breakers, commit CommitFunc) (*Selection, []storage.RoutingAttempt, error) {
	attempts := make([]storage.RoutingAttempt, 0, len(candidates))
	body := adapter.CreateDealRequest{
		OurDealID:     req.DealID.String(),
		Amount:        req.Amount.String(),
		Rate:          req.Rate.String(),
		PaymentMethod: req.PaymentMethod,
		CallbackURL:   req.CallbackURL,
		Metadata:      req.Metadata,
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for _, agg := range candidates {
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, attempts, err
		}
		attempt := storage.RoutingAttempt{AggregatorID: agg.ID, Priority: agg.Priority}

		if reason := Skip(agg, req.Amount, now); reason != "" {
			attempt.Outcome = storage.AttemptSkipped
			attempt.Reason = reason
			attempts = append(attempts, attempt)
			continue
		}
		if !breakers.Allow(agg.ID) {
			attempt.Outcome = storage.AttemptSkipped
			attempt.Reason = ReasonCircuitOpen
			attempts = append(attempts, attempt)
			continue
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= agg.SLA() {
			attempt.Outcome = storage.AttemptSkipped
			attempt.Reason = ReasonNoTimeBudget
			attempts = append(attempts, attempt)
			continue
		}

		start := time.Now()
		resp, err := client.CreateDeal(ctx, agg, body)
		elapsed := time.Since(start)
		attempt.LatencyMs = elapsed.Milliseconds()
		attempt.SLAViolation = agg.MaxSLAMs > 0 && elapsed > agg.SLA()

		if err != nil {
			breakers.RecordFailure(agg.ID)
			attempt.Outcome = storage.AttemptError
			attempt.Reason = string(adapter.KindOf(err))
			if attempt.Reason == "" {
				attempt.Reason = err.Error()
			}
			attempts = append(attempts, attempt)
			continue
		}
		breakers.RecordSuccess(agg.ID)

		if !resp.Accepted {
			attempt.Outcome = storage.AttemptDeclined
			attempt.Reason = resp.Message
			if attempt.Reason == "" {
				attempt.Reason = ReasonDeclined
			}
			attempts = append(attempts, attempt)
			continue
		}

		attempt.PartnerDealID = resp.PartnerDealID
		if commit != nil {
			if err := commit(ctx, agg, resp); err != nil {
				if errors.Is(err, storage.ErrInsufficientBalance) || errors.Is(err, storage.ErrVolumeExceeded) {
					attempt.Outcome = storage.AttemptError
					attempt.Reason = ReasonCapacityTaken
					attempts = append(attempts, attempt)
					continue
				}
				attempt.Outcome = storage.AttemptError
				attempt.Reason = err.Error()
				attempts = append(attempts, attempt)
				return nil, attempts, err
			}
		}

		attempt.Outcome = storage.AttemptAccepted
		attempts = append(attempts, attempt)
		return &Selection{Aggregator: agg, Response: resp}, attempts, nil
	}
	return nil, attempts, nil
}
