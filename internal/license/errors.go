package license

import "errors"

// Caller-facing errors. All of them leave key state untouched.
var (
	ErrMissingParameter   = errors.New("missing parameter")
	ErrInvalidKey         = errors.New("invalid key")
	ErrQuotaExhausted     = errors.New("scan limit reached")
	ErrLookupFailed       = errors.New("lookup failed")
	ErrUnknownEntitlement = errors.New("unknown entitlement class")
)

// Store invariant violations. These should not happen in normal operation.
var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("key not found")
)

// Error codes used by the transport layer
const (
	ErrCodeMissingParameter   = "MISSING_PARAMETER"
	ErrCodeInvalidKey         = "INVALID_KEY"
	ErrCodeQuotaExhausted     = "QUOTA_EXHAUSTED"
	ErrCodeLookupFailed       = "LOOKUP_FAILED"
	ErrCodeUnknownEntitlement = "UNKNOWN_ENTITLEMENT"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Code returns the error code for err, or ErrCodeInternal when err is not one
// of the package sentinels.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMissingParameter):
		return ErrCodeMissingParameter
	case errors.Is(err, ErrInvalidKey):
		return ErrCodeInvalidKey
	case errors.Is(err, ErrQuotaExhausted):
		return ErrCodeQuotaExhausted
	case errors.Is(err, ErrLookupFailed):
		return ErrCodeLookupFailed
	case errors.Is(err, ErrUnknownEntitlement):
		return ErrCodeUnknownEntitlement
	default:
		return ErrCodeInternal
	}
}
