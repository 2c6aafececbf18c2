package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
)

// Sentinel errors for the relay.
var (
	// ErrTransport is a network or HTTP failure talking to a transport or backend.
	ErrTransport = fmt.Errorf("transport error")
	// ErrUpstreamRejected is a non-success status from the generation backend.
	ErrUpstreamRejected = fmt.Errorf("upstream rejected request")
	// ErrRateLimit is an outbound call throttled by the remote side.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrNotModified is an edit whose text equals the current message text.
	ErrNotModified = fmt.Errorf("message not modified")
	// ErrCircuitOpen is a generation refused because the backend breaker is open.
	ErrCircuitOpen = fmt.Errorf("circuit open")
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Telegram.Edit")
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

// RateLimitError is an ErrRateLimit carrying the server's retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Detail     string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %s", ErrRateLimit, e.RetryAfter, e.Detail)
	}
	return fmt.Sprintf("%s: %s", ErrRateLimit, e.Detail)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// RetryAfterOf returns the retry hint of a rate-limit error, or 0.
func RetryAfterOf(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for logs.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeTransport        ErrorCode = "TRANSPORT"
	CodeUpstreamRejected ErrorCode = "UPSTREAM_REJECTED"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeNotModified      ErrorCode = "NOT_MODIFIED"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
)

// errorCodes is ordered so that more specific sentinels win when an error
// wraps several of them.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrRateLimit, CodeRateLimit},
	{ErrNotModified, CodeNotModified},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrUpstreamRejected, CodeUpstreamRejected},
	{ErrTransport, CodeTransport},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrTimeout, CodeTimeout},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
