// Package llmerrors provides structured error classification and retry configuration for upstream model calls.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// ErrorType represents different categories of upstream errors for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimited represents per-minute rate limiting (429) from the provider.
	ErrorTypeRateLimited ErrorType = iota
	// ErrorTypeOverloaded represents service-overload responses (503, "model is overloaded").
	// Retried like RateLimited but with a longer base delay.
	ErrorTypeOverloaded
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeStreamParse represents a malformed or truncated streaming payload.
	ErrorTypeStreamParse

	// Non-retryable error types.

	// ErrorTypeAuth represents authentication errors (401/403, bad or missing API key).
	// Surfaced distinctly so the caller can prompt for re-authentication.
	ErrorTypeAuth
	// ErrorTypeUpstreamQuota represents provider-reported quota exhaustion (daily caps).
	// Distinct from local admission quota, which queues instead of erroring.
	ErrorTypeUpstreamQuota
	// ErrorTypeValidation represents malformed requests (bad parameters, unsupported options).
	ErrorTypeValidation
	// ErrorTypeCanceled represents user- or timeout-initiated aborts.
	// Reported as cancellation, never as a generic failure.
	ErrorTypeCanceled
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimited:
		return "rate_limited"
	case ErrorTypeOverloaded:
		return "overloaded"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeStreamParse:
		return "stream_parse"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeUpstreamQuota:
		return "upstream_quota"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeCanceled:
		return "canceled"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Default retry attempt caps per error type.
const (
	DefaultRateLimitedRetries = 5
	DefaultOverloadedRetries  = 4
	DefaultTransientRetries   = 4
	DefaultStreamParseRetries = 3
)

// RetryConfig defines exponential backoff configuration for each error type.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfigs provides default retry configurations for each error type.
// Service-overload classes (RateLimited, Overloaded) use a longer base delay
// than generic network failures.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeRateLimited: {
		MaxRetries:    DefaultRateLimitedRetries,
		InitialDelay:  5 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeOverloaded: {
		MaxRetries:    DefaultOverloadedRetries,
		InitialDelay:  10 * time.Second,
		MaxDelay:      120 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		MaxRetries:    DefaultTransientRetries,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeStreamParse: {
		MaxRetries:    DefaultStreamParseRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeAuth: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeUpstreamQuota: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeValidation: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeCanceled: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeUnknown: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
}

// Error represents a classified upstream error with retry metadata.
type Error struct {
	Err          error     // Wrapped underlying error
	Message      string    // Human-readable error message
	BodyStub     string    // First portion of response body (guards PII)
	ProviderCode string    // Provider error code (e.g. "RESOURCE_EXHAUSTED") if reported
	Type         ErrorType // Classified error type
	StatusCode   int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimited, ErrorTypeOverloaded, ErrorTypeTransient, ErrorTypeStreamParse:
		return true
	default:
		return false
	}
}

// GetRetryConfig returns the retry configuration for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if config, exists := DefaultRetryConfigs[e.Type]; exists {
		return config
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Helper functions for error classification and checking

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsCanceled reports whether an error is a classified cancellation.
func IsCanceled(err error) bool {
	return Is(err, ErrorTypeCanceled)
}

// NewError creates a new classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// SanitizePrompt creates a safe representation of a prompt for logging.
// For large prompts, it returns first/last portions plus a hash of the full content.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}

	first := prompt[:halfMax]
	last := prompt[len(prompt)-halfMax:]

	hash := sha256.Sum256([]byte(prompt))
	hashStr := fmt.Sprintf("%x", hash)[:16]

	return fmt.Sprintf("%s...[%d chars, hash:%s]...%s",
		first, len(prompt), hashStr, last)
}
