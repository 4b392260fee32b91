package storage

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateOrder      = errors.New("duplicate external order id")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyRouted       = errors.New("deal already routed")
	ErrRangeOverlap        = errors.New("fee range overlaps an active range")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// ErrVolumeExceeded is returned when a concurrent route consumed the daily
// volume headroom an aggregator had when it was selected.
var ErrVolumeExceeded = errors.New("daily volume exceeded")
