package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/routing"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/validation"
	"github.com/gin-gonic/gin"
)

type createDealRequest struct {
	ExternalOrderID  string         `json:"external_order_id"`
	MerchantID       string         `json:"merchant_id"`
	MethodID         string         `json:"method_id"`
	TraderID         string         `json:"trader_id"`
	Direction        string         `json:"direction"`
	Amount           string         `json:"amount"`
	Rate             string         `json:"rate"`
	CallbackURL      string         `json:"callback_url"`
	ExpiresInSeconds int            `json:"expires_in_seconds"`
	Metadata         map[string]any `json:"metadata"`
}

type dealResponse struct {
	DealID          string                   `json:"deal_id"`
	ExternalOrderID string                   `json:"external_order_id"`
	MerchantID      string                   `json:"merchant_id"`
	MethodID        string                   `json:"method_id"`
	Direction       string                   `json:"direction"`
	Status          string                   `json:"status"`
	PartyKind       string                   `json:"party_kind"`
	PartyID         string                   `json:"party_id,omitempty"`
	PartnerDealID   string                   `json:"partner_deal_id,omitempty"`
	Amount          string                   `json:"amount"`
	Rate            string                   `json:"rate"`
	Principal       string                   `json:"principal"`
	Commission      string                   `json:"commission"`
	CreatedAt       string                   `json:"created_at"`
	ExpiresAt       string                   `json:"expires_at"`
	AcceptedAt      string                   `json:"accepted_at,omitempty"`
	Requisites      json.RawMessage          `json:"requisites,omitempty"`
	Attempts        []storage.RoutingAttempt `json:"attempts,omitempty"`
}

func (h *Handler) CreateDeal(c *gin.Context) {
	var req createDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	in, err := routing.InputFromFields(validation.DealFields{
		ExternalOrderID:  req.ExternalOrderID,
		MerchantID:       req.MerchantID,
		MethodID:         req.MethodID,
		TraderID:         req.TraderID,
		Amount:           req.Amount,
		Rate:             req.Rate,
		Direction:        req.Direction,
		CallbackURL:      req.CallbackURL,
		ExpiresInSeconds: req.ExpiresInSeconds,
	}, req.Metadata)
	if err != nil {
		var verrs validation.ValidationErrors
		errors.As(err, &verrs)
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", verrs)
		return
	}

	res, err := h.Deals.Submit(c.Request.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateOrder):
			writeError(c, http.StatusConflict, "CONFLICT", "external order id already submitted", nil)
		case errors.Is(err, storage.ErrInsufficientBalance):
			writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "insufficient balance", nil)
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "trader balance not found", nil)
		case errors.Is(err, routing.ErrNoCapacity):
			c.JSON(http.StatusServiceUnavailable, errorResponse{
				Code:     "NO_CAPACITY",
				Message:  "no aggregator accepted the deal",
				Attempts: res.Attempts,
			})
		default:
			h.Logger.Error("submit deal failed", "external_order_id", in.ExternalOrderID, "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	resp := dealToResponse(res.Deal)
	resp.Requisites = res.Requisites
	resp.Attempts = res.Attempts
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) GetDeal(c *gin.Context) {
	id, ok := parseUUIDParam(c.Param("id"))
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid deal id", nil)
		return
	}

	deal, err := h.Reader.GetDeal(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "deal not found", nil)
			return
		}
		h.Logger.Error("get deal failed", "deal_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, dealToResponse(deal))
}

func dealToResponse(deal storage.Deal) dealResponse {
	resp := dealResponse{
		DealID:          deal.ID.String(),
		ExternalOrderID: deal.ExternalOrderID,
		MerchantID:      deal.MerchantID.String(),
		MethodID:        deal.MethodID.String(),
		Direction:       string(deal.Direction),
		Status:          string(deal.Status),
		PartyKind:       string(deal.Party.Kind()),
		Amount:          deal.Amount.String(),
		Rate:            deal.Rate.String(),
		Principal:       deal.FrozenPrincipal.StringFixed(2),
		Commission:      deal.Commission.StringFixed(2),
		CreatedAt:       deal.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:       deal.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if deal.Party.IsRouted() {
		resp.PartyID = deal.Party.ID().String()
	}
	if _, partnerID, ok := deal.Party.Aggregator(); ok {
		resp.PartnerDealID = partnerID
	}
	if deal.AcceptedAt != nil {
		resp.AcceptedAt = deal.AcceptedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
