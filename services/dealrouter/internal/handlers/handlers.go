package handlers

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/dealrouter/libs/auth"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/callback"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/rate"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/routing"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/validation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ScopeDeals = "deals"
	ScopeFees  = "fees"
)

type DealService interface {
	Submit(ctx context.Context, in routing.SubmitInput) (routing.Result, error)
}

type DealReader interface {
	GetDeal(ctx context.Context, id uuid.UUID) (storage.Deal, error)
}

type FeeAdmin interface {
	CreateRange(ctx context.Context, scope storage.FeeScope, in fee.RangeInput) (storage.FeeRange, error)
	UpdateRange(ctx context.Context, id uuid.UUID, in fee.RangeInput) (storage.FeeRange, error)
}

type CallbackProcessor interface {
	Authenticate(ctx context.Context, token string) (storage.Aggregator, error)
	Process(ctx context.Context, agg storage.Aggregator, payload callback.Payload) (callback.ItemResult, error)
	ProcessBatch(ctx context.Context, agg storage.Aggregator, payloads []callback.Payload) ([]callback.ItemResult, error)
}

type Handler struct {
	Deals     DealService
	Reader    DealReader
	Fees      FeeAdmin
	Callbacks CallbackProcessor
	Limiter   rate.Limiter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type errorResponse struct {
	Code     string                   `json:"code"`
	Message  string                   `json:"message"`
	Fields   []validation.FieldError  `json:"fields,omitempty"`
	Attempts []storage.RoutingAttempt `json:"attempts,omitempty"`
}

func New(deals DealService, reader DealReader, fees FeeAdmin, callbacks CallbackProcessor, limiter rate.Limiter, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Deals:     deals,
		Reader:    reader,
		Fees:      fees,
		Callbacks: callbacks,
		Limiter:   limiter,
		Metrics:   m,
		Logger:    logger,
	}
}

// Register mounts the internal deal and fee endpoints behind service tokens
// and the aggregator callback endpoints behind callback tokens.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	deals := r.Group("/deals", auth.Middleware(jwtSecret, ScopeDeals))
	deals.POST("", h.CreateDeal)
	deals.GET("/:id", h.GetDeal)

	fees := r.Group("/fee-ranges", auth.Middleware(jwtSecret, ScopeFees))
	fees.POST("", h.CreateFeeRange)
	fees.PUT("/:id", h.UpdateFeeRange)

	r.POST("/callback", h.Callback)
	r.POST("/callback/batch", h.CallbackBatch)
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}

func parseUUIDParam(value string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
