package routing

import (
	"strings"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/validation"
)

// InputFromFields validates raw deal fields and converts them into a
// SubmitInput. The returned error is a validation.ValidationErrors.
func InputFromFields(f validation.DealFields, metadata map[string]any) (SubmitInput, error) {
	if errs := validation.ValidateDealRequest(f); len(errs) > 0 {
		return SubmitInput{}, errs
	}
	merchantID, _ := validation.ParseUUID(f.MerchantID, "merchant_id")
	methodID, _ := validation.ParseUUID(f.MethodID, "method_id")
	amount, _ := validation.ParsePositiveDecimal(f.Amount, "amount")
	rate, _ := validation.ParsePositiveDecimal(f.Rate, "rate")
	direction, _ := storage.ParseDirection(f.Direction)

	in := SubmitInput{
		ExternalOrderID: strings.TrimSpace(f.ExternalOrderID),
		MerchantID:      merchantID,
		MethodID:        methodID,
		Direction:       direction,
		Amount:          amount,
		Rate:            rate,
		CallbackURL:     strings.TrimSpace(f.CallbackURL),
		ExpiresIn:       time.Duration(f.ExpiresInSeconds) * time.Second,
		Metadata:        metadata,
	}
	if strings.TrimSpace(f.TraderID) != "" {
		traderID, _ := validation.ParseUUID(f.TraderID, "trader_id")
		in.TraderID = &traderID
	}
	return in, nil
}
