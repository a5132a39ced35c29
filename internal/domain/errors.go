package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrUnauthorized = fmt.Errorf("unauthorized")
)

// Sentinel errors for the routing domain.
var (
	ErrUnknownBackend          = fmt.Errorf("unknown backend")
	ErrNoBackendAvailable      = fmt.Errorf("no backend available")
	ErrInvalidOptimizationMode = fmt.Errorf("invalid optimization mode")
	ErrInvalidCategory         = fmt.Errorf("invalid task category")
	ErrInvalidHealth           = fmt.Errorf("invalid health state")
	ErrInvalidBackend          = fmt.Errorf("invalid backend")
	ErrInvocationFailed        = fmt.Errorf("backend invocation failed")
	ErrConfigLoad              = fmt.Errorf("failed to load configuration")
	ErrDecryption              = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrNoBackendAvailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit)
}

// ErrorCode is a stable, machine-parseable error category.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "internal"
	CodeNotFound           ErrorCode = "not_found"
	CodeDuplicate          ErrorCode = "duplicate"
	CodeTimeout            ErrorCode = "timeout"
	CodeInvalidInput       ErrorCode = "invalid_input"
	CodeRateLimit          ErrorCode = "rate_limited"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeUnknownBackend     ErrorCode = "unknown_backend"
	CodeNoBackendAvailable ErrorCode = "no_backend_available"
	CodeInvalidMode        ErrorCode = "invalid_mode"
	CodeInvalidCategory    ErrorCode = "invalid_category"
	CodeInvalidHealth      ErrorCode = "invalid_health"
	CodeInvalidBackend     ErrorCode = "invalid_backend"
	CodeInvocationFailed   ErrorCode = "invocation_failed"
	CodeConfigLoad         ErrorCode = "config_load"
	CodeDecryption         ErrorCode = "decryption"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Routing sentinels come first in ErrorCodeOf's ordered walk.
var errorCodeMap = []struct {
	err  error
	code ErrorCode
}{
	{ErrNoBackendAvailable, CodeNoBackendAvailable},
	{ErrUnknownBackend, CodeUnknownBackend},
	{ErrInvalidOptimizationMode, CodeInvalidMode},
	{ErrInvalidCategory, CodeInvalidCategory},
	{ErrInvalidHealth, CodeInvalidHealth},
	{ErrInvalidBackend, CodeInvalidBackend},
	{ErrInvocationFailed, CodeInvocationFailed},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrRateLimit, CodeRateLimit},
	{ErrUnauthorized, CodeUnauthorized},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeMap {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
