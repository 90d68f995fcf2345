package domain

import "errors"

// Error taxonomy (sentinels). Adapters wrap these with op context; the HTTP
// layer maps them to status codes.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrInternal          = errors.New("internal error")
)
