package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/validation"
	"github.com/gin-gonic/gin"
)

type feeRangeRequest struct {
	PartyID       string `json:"party_id"`
	MerchantID    string `json:"merchant_id"`
	MethodID      string `json:"method_id"`
	MinAmount     string `json:"min_amount"`
	MaxAmount     string `json:"max_amount"`
	FeeInPercent  string `json:"fee_in_percent"`
	FeeOutPercent string `json:"fee_out_percent"`
	IsActive      *bool  `json:"is_active"`
}

type feeRangeResponse struct {
	ID            string `json:"id"`
	PartyID       string `json:"party_id"`
	MerchantID    string `json:"merchant_id"`
	MethodID      string `json:"method_id"`
	MinAmount     string `json:"min_amount"`
	MaxAmount     string `json:"max_amount"`
	FeeInPercent  string `json:"fee_in_percent"`
	FeeOutPercent string `json:"fee_out_percent"`
	IsActive      bool   `json:"is_active"`
	CreatedAt     string `json:"created_at"`
}

func (r feeRangeRequest) fields() validation.FeeRangeFields {
	return validation.FeeRangeFields{
		PartyID:       r.PartyID,
		MerchantID:    r.MerchantID,
		MethodID:      r.MethodID,
		MinAmount:     r.MinAmount,
		MaxAmount:     r.MaxAmount,
		FeeInPercent:  r.FeeInPercent,
		FeeOutPercent: r.FeeOutPercent,
	}
}

// input assumes the request already passed ValidateFeeRange.
func (r feeRangeRequest) input() fee.RangeInput {
	minAmount, _ := validation.ParseNonNegativeDecimal(r.MinAmount, "min_amount")
	maxAmount, _ := validation.ParseNonNegativeDecimal(r.MaxAmount, "max_amount")
	feeIn, _ := validation.ParseNonNegativeDecimal(r.FeeInPercent, "fee_in_percent")
	feeOut, _ := validation.ParseNonNegativeDecimal(r.FeeOutPercent, "fee_out_percent")
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return fee.RangeInput{
		MinAmount:     minAmount,
		MaxAmount:     maxAmount,
		FeeInPercent:  feeIn,
		FeeOutPercent: feeOut,
		IsActive:      active,
	}
}

func (h *Handler) CreateFeeRange(c *gin.Context) {
	var req feeRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	if errs := validation.ValidateFeeRange(req.fields(), true); len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	partyID, _ := validation.ParseUUID(req.PartyID, "party_id")
	merchantID, _ := validation.ParseUUID(req.MerchantID, "merchant_id")
	methodID, _ := validation.ParseUUID(req.MethodID, "method_id")
	scope := storage.FeeScope{PartyID: partyID, MerchantID: merchantID, MethodID: methodID}

	created, err := h.Fees.CreateRange(c.Request.Context(), scope, req.input())
	if err != nil {
		h.writeFeeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, feeRangeToResponse(created))
}

func (h *Handler) UpdateFeeRange(c *gin.Context) {
	id, ok := parseUUIDParam(c.Param("id"))
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid fee range id", nil)
		return
	}

	var req feeRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	if errs := validation.ValidateFeeRange(req.fields(), false); len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	updated, err := h.Fees.UpdateRange(c.Request.Context(), id, req.input())
	if err != nil {
		h.writeFeeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feeRangeToResponse(updated))
}

func (h *Handler) writeFeeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrRangeOverlap):
		writeError(c, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "fee range not found", nil)
	default:
		h.Logger.Error("fee range write failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func feeRangeToResponse(r storage.FeeRange) feeRangeResponse {
	return feeRangeResponse{
		ID:            r.ID.String(),
		PartyID:       r.PartyID.String(),
		MerchantID:    r.MerchantID.String(),
		MethodID:      r.MethodID.String(),
		MinAmount:     r.MinAmount.String(),
		MaxAmount:     r.MaxAmount.String(),
		FeeInPercent:  r.FeeInPercent.String(),
		FeeOutPercent: r.FeeOutPercent.String(),
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
