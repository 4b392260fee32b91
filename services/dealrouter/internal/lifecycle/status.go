package lifecycle

import (
	"strings"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
)

var statusAliases = map[string]storage.DealStatus{
	"CREATED":     storage.StatusCreated,
	"IN_PROGRESS": storage.StatusInProgress,
	"PENDING":     storage.StatusInProgress,
	"PROCESSING":  storage.StatusInProgress,
	"READY":       storage.StatusReady,
	"SUCCESS":     storage.StatusReady,
	"COMPLETED":   storage.StatusReady,
	"PAID":        storage.StatusReady,
	"CANCELED":    storage.StatusCanceled,
	"CANCELLED":   storage.StatusCanceled,
	"REJECTED":    storage.StatusCanceled,
	"EXPIRED":     storage.StatusExpired,
	"TIMEOUT":     storage.StatusExpired,
	"DISPUTE":     storage.StatusDispute,
}

// ParseStatus maps an aggregator status string onto a deal status. MILK and
// anything unknown report false.
func ParseStatus(raw string) (storage.DealStatus, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	status, ok := statusAliases[key]
	return status, ok
}
