package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a job is no longer in the state the caller expected
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in expected status")

	// ErrNoClaimableJob is returned when no PENDING job is eligible right now
	ErrNoClaimableJob = errors.New("no claimable job")

	// ErrInvalidTransition is returned for a move the job state machine forbids
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrAuthenticationRequired is returned when an anonymous caller uses a tool that needs an account
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrUnknownTool is returned when a submission names a tool that is not in the catalog
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoActiveBalance is returned when a tenant has no unexpired billing period
	ErrNoActiveBalance = errors.New("no active credit balance")

	// ErrReservationNotFound is returned when a reservation id is unknown
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationSettled is returned when a reservation was already finalized or released
	ErrReservationSettled = errors.New("reservation already settled")
)

// ValidationError reports a malformed submission or identifier
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientCreditsError is returned when a reservation would exceed the tenant's allowance
type InsufficientCreditsError struct {
	TenantID  string
	Requested int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for tenant %s: requested %d, available %d", e.TenantID, e.Requested, e.Available)
}

// RateLimitedError is returned when the caller exceeded the request ceiling for a tool
type RateLimitedError struct {
	Identifier string
	ToolSlug   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s on %s, retry after %s", e.Identifier, e.ToolSlug, e.RetryAfter)
}

// ProcessorNotFoundError is a fatal startup configuration error
type ProcessorNotFoundError struct {
	ToolSlug string
}

func (e *ProcessorNotFoundError) Error() string {
	return fmt.Sprintf("no processor registered for tool %q", e.ToolSlug)
}

// TransientProcessingError wraps failures that may succeed on a later attempt
type TransientProcessingError struct {
	Err error
}

func (e *TransientProcessingError) Error() string {
	return "transient processing error: " + e.Err.Error()
}

func (e *TransientProcessingError) Unwrap() error {
	return e.Err
}

// PermanentProcessingError forces FAILED regardless of remaining attempts
type PermanentProcessingError struct {
	Err error
}

func (e *PermanentProcessingError) Error() string {
	return "permanent processing error: " + e.Err.Error()
}

func (e *PermanentProcessingError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientProcessingError{Err: err}
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentProcessingError{Err: err}
}

// IsPermanent reports whether a processing error must not be retried.
// Validation errors surfacing from a processor are permanent too.
func IsPermanent(err error) bool {
	var permanent *PermanentProcessingError
	if errors.As(err, &permanent) {
		return true
	}
	var validation *ValidationError
	return errors.As(err, &validation)
}

// WebhookSignatureError is returned when a billing notification cannot be authenticated
type WebhookSignatureError struct {
	Reason string
}

func (e *WebhookSignatureError) Error() string {
	return "webhook signature rejected: " + e.Reason
}

// ReconciliationAmbiguityError marks a billing event that needs manual review
type ReconciliationAmbiguityError struct {
	EventID string
	Reason  string
}

func (e *ReconciliationAmbiguityError) Error() string {
	return fmt.Sprintf("billing event %s needs review: %s", e.EventID, e.Reason)
}
