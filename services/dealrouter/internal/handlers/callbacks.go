package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/dealrouter/libs/auth"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/callback"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/gin-gonic/gin"
)

const callbackTokenHeader = "X-Callback-Token"

type batchResponse struct {
	Results []callback.ItemResult `json:"results"`
}

func (h *Handler) Callback(c *gin.Context) {
	agg, ok := h.authorizeCallback(c)
	if !ok {
		return
	}

	var payload callback.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	result, err := h.Callbacks.Process(c.Request.Context(), agg, payload)
	if err != nil {
		writeError(c, statusForItemCode(result.Code), result.Code, result.Error, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CallbackBatch(c *gin.Context) {
	agg, ok := h.authorizeCallback(c)
	if !ok {
		return
	}

	var payloads []callback.Payload
	if err := c.ShouldBindJSON(&payloads); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	results, err := h.Callbacks.ProcessBatch(c.Request.Context(), agg, payloads)
	if err != nil {
		if errors.Is(err, callback.ErrBatchSize) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		h.Logger.Error("callback batch failed", "aggregator_id", agg.ID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	c.JSON(http.StatusOK, batchResponse{Results: results})
}

// authorizeCallback resolves the calling aggregator and applies its rate
// limit. It writes the response itself when the request must stop.
func (h *Handler) authorizeCallback(c *gin.Context) (storage.Aggregator, bool) {
	token := auth.ExtractBearer(c.GetHeader("Authorization"))
	if token == "" {
		token = strings.TrimSpace(c.GetHeader(callbackTokenHeader))
	}

	agg, err := h.Callbacks.Authenticate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, callback.ErrUnauthorized) {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid callback token", nil)
			return storage.Aggregator{}, false
		}
		h.Logger.Error("callback authentication failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return storage.Aggregator{}, false
	}

	if h.Limiter == nil {
		return agg, true
	}
	allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), agg.ID.String(), time.Now())
	if err != nil {
		h.Logger.Warn("callback rate limiter unavailable", "aggregator_id", agg.ID, "error", err)
		return agg, true
	}
	if !allowed {
		h.Metrics.IncRateLimited()
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many callbacks", nil)
		return storage.Aggregator{}, false
	}
	return agg, true
}

func statusForItemCode(code string) int {
	switch code {
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "FORBIDDEN":
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
