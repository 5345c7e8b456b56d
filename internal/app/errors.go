package app

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Error kinds. Every error returned by the Service matches exactly one of these
// with errors.Is, so callers can map outcomes without knowing each rule.
var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthentication = errors.New("payment verification failed")
	ErrState          = errors.New("operation not allowed in current state")
	ErrDependency     = errors.New("external dependency unavailable")
	ErrConflict       = errors.New("concurrent update conflict")
)

var (
	ErrUnknownScheme         = kind(ErrValidation, "scheme not found")
	ErrSchemeNotOrderable    = kind(ErrValidation, "scheme is not open for enrollment")
	ErrSchemeProductMismatch = kind(ErrValidation, "scheme does not belong to this product")
	ErrBelowMinimum          = kind(ErrValidation, "invested amount is below the scheme minimum")
	ErrInvalidAmount         = kind(ErrValidation, "amount must be greater than zero")
	ErrInvalidRecallAction   = kind(ErrValidation, "recall action is not valid for this product")
	ErrNotOwner              = kind(ErrValidation, "enrollment does not belong to this participant")
	ErrEnrollmentNotFound    = kind(ErrValidation, "enrollment not found")
	ErrMissingPaymentProof   = kind(ErrValidation, "order id, payment id and signature are required")
	ErrNoPaymentIntent       = kind(ErrValidation, "no payment intent exists for this enrollment")
	ErrIntentMismatch        = kind(ErrValidation, "payment does not match the pending payment intent")

	ErrSignatureInvalid = kind(ErrAuthentication, "payment signature could not be verified")

	ErrAlreadyTerminal    = kind(ErrState, "enrollment is already closed")
	ErrAlreadyRecalled    = kind(ErrState, "enrollment has already been recalled")
	ErrNotActivated       = kind(ErrState, "enrollment is not activated yet")
	ErrPlanCompleted      = kind(ErrState, "plan already completed")
	ErrPeriodAlreadyPaid  = kind(ErrState, "a contribution has already been made for this period")
	ErrDuplicatePayment   = kind(ErrState, "payment has already been credited")
	ErrTooManyAttempts    = kind(ErrState, "too many contribution attempts; try again later")
	ErrGatewayUnavailable = kind(ErrDependency, "payment gateway unavailable")
	ErrRateUnavailable    = kind(ErrDependency, "gold rate unavailable")
	ErrRateStale          = kind(ErrDependency, "gold rate is stale")
)

type kindError struct {
	kind error
	msg  string
}

func kind(k error, msg string) error {
	return &kindError{kind: k, msg: msg}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// dependencyError wraps a collaborator failure so it matches both sentinel and cause.
func dependencyError(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// AttemptLimitError is returned when a participant has used up the contribute
// attempts of the current window for an enrollment.
type AttemptLimitError struct {
	Attempts   int
	RetryAfter time.Duration
}

func (e *AttemptLimitError) Error() string {
	return fmt.Sprintf("%s (retry in %ds)", ErrTooManyAttempts.Error(), e.RetryAfterSeconds())
}

func (e *AttemptLimitError) Unwrap() error { return ErrTooManyAttempts }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (e *AttemptLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
