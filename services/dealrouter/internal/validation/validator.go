package validation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

const (
	maxPercent      = 100
	maxOrderIDLen   = 128
	maxDealLifetime = 24 * 60 * 60
)

type DealFields struct {
	ExternalOrderID  string
	MerchantID       string
	MethodID         string
	TraderID         string
	Amount           string
	Rate             string
	Direction        string
	CallbackURL      string
	ExpiresInSeconds int
}

func ValidateDealRequest(f DealFields) ValidationErrors {
	var errs ValidationErrors

	orderID := strings.TrimSpace(f.ExternalOrderID)
	if orderID == "" {
		errs = append(errs, FieldError{Field: "external_order_id", Message: "external_order_id is required"})
	} else if len(orderID) > maxOrderIDLen {
		errs = append(errs, FieldError{Field: "external_order_id", Message: "external_order_id is too long"})
	}

	if _, err := ParseUUID(f.MerchantID, "merchant_id"); err != nil {
		errs = append(errs, FieldError{Field: "merchant_id", Message: err.Error()})
	}
	if _, err := ParseUUID(f.MethodID, "method_id"); err != nil {
		errs = append(errs, FieldError{Field: "method_id", Message: err.Error()})
	}
	if strings.TrimSpace(f.TraderID) != "" {
		if _, err := ParseUUID(f.TraderID, "trader_id"); err != nil {
			errs = append(errs, FieldError{Field: "trader_id", Message: err.Error()})
		}
	}

	if _, err := ParsePositiveDecimal(f.Amount, "amount"); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}
	if _, err := ParsePositiveDecimal(f.Rate, "rate"); err != nil {
		errs = append(errs, FieldError{Field: "rate", Message: err.Error()})
	}

	switch strings.ToUpper(strings.TrimSpace(f.Direction)) {
	case "", "IN", "OUT":
	default:
		errs = append(errs, FieldError{Field: "direction", Message: "direction must be IN or OUT"})
	}

	if cb := strings.TrimSpace(f.CallbackURL); cb != "" {
		if u, err := url.Parse(cb); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, FieldError{Field: "callback_url", Message: "callback_url must be an absolute http(s) url"})
		}
	}

	if f.ExpiresInSeconds < 0 || f.ExpiresInSeconds > maxDealLifetime {
		errs = append(errs, FieldError{Field: "expires_in_seconds", Message: fmt.Sprintf("expires_in_seconds must be between 0 and %d", maxDealLifetime)})
	}

	return errs
}

type FeeRangeFields struct {
	PartyID       string
	MerchantID    string
	MethodID      string
	MinAmount     string
	MaxAmount     string
	FeeInPercent  string
	FeeOutPercent string
}

// ValidateFeeRange checks a range in isolation. Overlap with stored ranges
// is checked by the fee admin under a lock.
func ValidateFeeRange(f FeeRangeFields, requireScope bool) ValidationErrors {
	var errs ValidationErrors

	if requireScope {
		for _, field := range []struct{ name, value string }{
			{"party_id", f.PartyID},
			{"merchant_id", f.MerchantID},
			{"method_id", f.MethodID},
		} {
			if _, err := ParseUUID(field.value, field.name); err != nil {
				errs = append(errs, FieldError{Field: field.name, Message: err.Error()})
			}
		}
	}

	minAmount, minErr := ParseNonNegativeDecimal(f.MinAmount, "min_amount")
	if minErr != nil {
		errs = append(errs, FieldError{Field: "min_amount", Message: minErr.Error()})
	}
	maxAmount, maxErr := ParseNonNegativeDecimal(f.MaxAmount, "max_amount")
	if maxErr != nil {
		errs = append(errs, FieldError{Field: "max_amount", Message: maxErr.Error()})
	}
	if minErr == nil && maxErr == nil && maxAmount.LessThan(minAmount) {
		errs = append(errs, FieldError{Field: "max_amount", Message: "max_amount must not be below min_amount"})
	}

	for _, field := range []struct{ name, value string }{
		{"fee_in_percent", f.FeeInPercent},
		{"fee_out_percent", f.FeeOutPercent},
	} {
		pct, err := ParseNonNegativeDecimal(field.value, field.name)
		if err != nil {
			errs = append(errs, FieldError{Field: field.name, Message: err.Error()})
			continue
		}
		if pct.GreaterThan(decimal.NewFromInt(maxPercent)) {
			errs = append(errs, FieldError{Field: field.name, Message: fmt.Sprintf("%s must not exceed 100", field.name)})
		}
	}

	return errs
}

func ParseUUID(raw, field string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.Nil, fmt.Errorf("%s is required", field)
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a uuid", field)
	}
	return id, nil
}

func ParsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	val, err := ParseNonNegativeDecimal(raw, field)
	if err != nil {
		return decimal.Zero, err
	}
	if !val.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}

func ParseNonNegativeDecimal(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be non-negative", field)
	}
	return val, nil
}
