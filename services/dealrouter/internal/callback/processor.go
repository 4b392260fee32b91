package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AfshinJalili/dealrouter/libs/apikey"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lifecycle"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MaxBatchSize = 100

	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultUnchanged = "unchanged"
	ResultIgnored   = "ignored"
	ResultError     = "error"

	eventCallback = "callback"
)

var (
	ErrUnauthorized = errors.New("callback: unknown or inactive aggregator")
	ErrForeignDeal  = errors.New("callback: deal does not belong to caller")
	ErrInvalidDeal  = errors.New("callback: ourDealId must be a uuid")
	ErrBatchSize    = fmt.Errorf("callback: batch must hold 1 to %d items", MaxBatchSize)
)

type Payload struct {
	OurDealID     string           `json:"ourDealId"`
	Status        string           `json:"status,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	PartnerDealID string           `json:"partnerDealId,omitempty"`
	UpdatedAt     *time.Time       `json:"updatedAt,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

type ItemResult struct {
	OurDealID string `json:"ourDealId"`
	Result    string `json:"result"`
	Status    string `json:"status,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Store interface {
	GetAggregatorByTokenHash(ctx context.Context, hash string) (storage.Aggregator, error)
	InsertIntegrationLog(ctx context.Context, entry storage.IntegrationLogEntry) error
}

type Transitioner interface {
	Apply(ctx context.Context, dealID uuid.UUID, to storage.DealStatus, guard lifecycle.Guard) (lifecycle.Outcome, error)
}

type Processor struct {
	store        Store
	transitioner Transitioner
	logger       *slog.Logger
	metrics      *metrics.Metrics
	slaThreshold time.Duration
}

func NewProcessor(store Store, transitioner Transitioner, logger *slog.Logger, m *metrics.Metrics, slaThreshold time.Duration) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if slaThreshold <= 0 {
		slaThreshold = 2 * time.Second
	}
	return &Processor{
		store:        store,
		transitioner: transitioner,
		logger:       logger,
		metrics:      m,
		slaThreshold: slaThreshold,
	}
}

// Authenticate resolves the aggregator owning token.
func (p *Processor) Authenticate(ctx context.Context, token string) (storage.Aggregator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.Aggregator{}, ErrUnauthorized
	}
	agg, err := p.store.GetAggregatorByTokenHash(ctx, apikey.Hash(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Aggregator{}, ErrUnauthorized
		}
		return storage.Aggregator{}, err
	}
	if !agg.IsActive {
		return storage.Aggregator{}, ErrUnauthorized
	}
	return agg, nil
}

// Process applies a single callback. Errors are returned for callers that
// need to pick a response status; the item result is always filled in.
func (p *Processor) Process(ctx context.Context, agg storage.Aggregator, payload Payload) (ItemResult, error) {
	return p.process(ctx, agg, payload)
}

// ProcessBatch applies every item independently. One item failing never
// affects its siblings.
func (p *Processor) ProcessBatch(ctx context.Context, agg storage.Aggregator, payloads []Payload) ([]ItemResult, error) {
	if len(payloads) == 0 || len(payloads) > MaxBatchSize {
		return nil, ErrBatchSize
	}
	results := make([]ItemResult, len(payloads))
	for i, payload := range payloads {
		results[i], _ = p.process(ctx, agg, payload)
	}
	return results, nil
}

func (p *Processor) process(ctx context.Context, agg storage.Aggregator, payload Payload) (result ItemResult, err error) {
	start := time.Now()
	result = ItemResult{OurDealID: payload.OurDealID}
	var dealID uuid.UUID

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("callback item panicked", "aggregator_id", agg.ID, "deal_id", payload.OurDealID, "panic", r)
			err = fmt.Errorf("callback item panicked: %v", r)
			result.Result = ResultError
			result.Code = "INTERNAL_ERROR"
			result.Error = "internal error"
		}
		p.finish(ctx, agg, dealID, payload.PartnerDealID, result, time.Since(start))
	}()

	dealID, err = uuid.Parse(strings.TrimSpace(payload.OurDealID))
	if err != nil {
		return failed(result, "INVALID_REQUEST", ErrInvalidDeal), ErrInvalidDeal
	}

	status, ok := lifecycle.ParseStatus(payload.Status)
	if !ok {
		result.Result = ResultIgnored
		result.Status = payload.Status
		p.logger.Info("callback status not mapped", "aggregator_id", agg.ID, "deal_id", dealID, "status", payload.Status)
		return result, nil
	}

	guard := func(deal storage.Deal) error {
		aggID, partnerID, ok := deal.Party.Aggregator()
		if !ok || aggID != agg.ID {
			return ErrForeignDeal
		}
		if payload.PartnerDealID != "" && partnerID != "" && payload.PartnerDealID != partnerID {
			return ErrForeignDeal
		}
		return nil
	}
	out, err := p.transitioner.Apply(ctx, dealID, status, guard)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return failed(result, "NOT_FOUND", err), err
	case errors.Is(err, ErrForeignDeal):
		return failed(result, "FORBIDDEN", err), err
	case errors.Is(err, storage.ErrInvalidTransition):
		result.Result = ResultIgnored
		result.Status = string(status)
		result.Error = "stale status"
		return result, nil
	default:
		p.logger.Error("callback processing failed", "aggregator_id", agg.ID, "deal_id", dealID, "error", err)
		return failed(result, "INTERNAL_ERROR", errors.New("internal error")), err
	}

	result.Status = string(out.Deal.Status)
	switch {
	case out.Applied:
		result.Result = ResultApplied
		p.logger.Info("callback applied",
			"aggregator_id", agg.ID, "deal_id", dealID, "from", string(out.Previous), "status", string(out.Deal.Status))
	case out.Deal.Status.Terminal():
		result.Result = ResultDuplicate
	default:
		result.Result = ResultUnchanged
	}
	return result, nil
}

func failed(result ItemResult, code string, err error) ItemResult {
	result.Result = ResultError
	result.Code = code
	result.Error = err.Error()
	return result
}

func (p *Processor) finish(ctx context.Context, agg storage.Aggregator, dealID uuid.UUID, partnerDealID string, result ItemResult, latency time.Duration) {
	p.metrics.ObserveCallback(result.Result, latency)
	violation := latency > p.slaThreshold
	if violation {
		p.logger.Warn("callback processing exceeded sla", "aggregator_id", agg.ID, "deal_id", dealID, "latency", latency)
	}
	entry := storage.IntegrationLogEntry{
		ID:            uuid.New(),
		AggregatorID:  agg.ID,
		DealID:        dealID,
		PartnerDealID: partnerDealID,
		Direction:     storage.LogInbound,
		EventType:     eventCallback,
		StatusCode:    statusCodeFor(result),
		LatencyMs:     latency.Milliseconds(),
		SLAViolation:  violation,
		Error:         result.Error,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.store.InsertIntegrationLog(ctx, entry); err != nil {
		p.logger.Warn("failed to write integration log", "aggregator_id", agg.ID, "deal_id", dealID, "error", err)
	}
}

func statusCodeFor(result ItemResult) int {
	switch result.Code {
	case "":
		return http.StatusOK
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "FORBIDDEN":
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
