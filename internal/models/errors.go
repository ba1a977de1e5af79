package models

import "errors"

// Sentinel errors the HTTP layer maps to the status codes in spec §7. Use
// errors.Is against these rather than matching strings.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotOwned        = errors.New("caller is not the owner")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyRunning  = errors.New("job is already processing")
	ErrAlreadyTerminal = errors.New("job has already finished")
	ErrQuotaExceeded   = errors.New("rate limit exceeded")
	ErrResultNotReady  = errors.New("result not yet available")
	ErrResultExpired   = errors.New("result has expired")
)

// GenerationError is raised by a Generator implementation or classified by
// the worker pool around a downstream error. Kind decides whether the job
// retries or fails permanently (spec §4.3 classification rules).
type GenerationError struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// NewPermanentError builds a non-retryable GenerationError.
func NewPermanentError(message string, cause error) *GenerationError {
	return &GenerationError{Kind: FailurePermanent, Message: message, Cause: cause}
}

// NewRetryableError builds a retryable GenerationError.
func NewRetryableError(message string, cause error) *GenerationError {
	return &GenerationError{Kind: FailureRetryable, Message: message, Cause: cause}
}
