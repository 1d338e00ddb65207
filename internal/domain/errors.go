package domain

import "errors"

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("record not found")
	ErrInvalidID        = errors.New("invalid id")

	// ErrDuplicateEvent reports a repeated provider event. It is a successful
	// no-op outcome, not a failure; callers treat it as success.
	ErrDuplicateEvent = errors.New("duplicate provider event")

	ErrIdempotencyConflict = errors.New("idempotency key already used")

	ErrVerificationFailed = errors.New("signature verification failed")
	ErrRetriesExhausted   = errors.New("fulfillment retries exhausted")
)

// Validation variants. All wrap ErrValidation so callers can match either
// the broad class or the specific cause.
var (
	ErrInvalidQuantity        = wrapValidation("quantity must be positive")
	ErrIdempotencyKeyRequired = wrapValidation("idempotency key required for manual entry")
	ErrProcessorRefRequired   = wrapValidation("processor reference required")
	ErrCurrencyRequired       = wrapValidation("currency required")
	ErrSessionRequired        = wrapValidation("checkout session id required")
)

func wrapValidation(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() error { return ErrValidation }
