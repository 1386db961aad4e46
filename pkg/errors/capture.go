package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a classified capture failure.
type ErrorCode string

const (
	CodeTransientNetwork     ErrorCode = "transient_network"
	CodeRateLimit            ErrorCode = "rate_limit"
	CodeTimeout              ErrorCode = "timeout"
	CodeContextCancelled     ErrorCode = "context_cancelled"
	CodeNoCredentials        ErrorCode = "no_credentials"
	CodeUnauthorized         ErrorCode = "unauthorized"
	CodeStoreCorruption      ErrorCode = "store_corruption"
	CodeIdentityRace         ErrorCode = "identity_race"
	CodeUnrecoverableCapture ErrorCode = "unrecoverable_capture"
	CodeBackendRejected      ErrorCode = "backend_rejected"
	CodeProcessingError      ErrorCode = "processing_error"
)

// CaptureError is a structured error for a failed capture step.
type CaptureError struct {
	Code       ErrorCode
	Stage      string
	Message    string
	StatusCode int
	Cause      error
}

func (e *CaptureError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Cause
}

// New builds a CaptureError with an explicit code.
func New(code ErrorCode, stage, message string, cause error) *CaptureError {
	return &CaptureError{Code: code, Stage: stage, Message: message, Cause: cause}
}

// HTTPError builds a CaptureError for a non-2xx backend response.
func HTTPError(stage string, status int, message string) *CaptureError {
	ce := &CaptureError{Stage: stage, StatusCode: status, Message: message}
	switch {
	case status == 401 || status == 403:
		ce.Code = CodeUnauthorized
		ce.Cause = ErrUnauthorized
	case status == 429:
		ce.Code = CodeRateLimit
	case status >= 500:
		ce.Code = CodeTransientNetwork
	default:
		ce.Code = CodeBackendRejected
	}
	if ce.Message == "" {
		ce.Message = fmt.Sprintf("HTTP %d", status)
	}
	return ce
}

// Classify inspects an error and returns a *CaptureError with the appropriate
// code. Errors that are already classified are returned as-is with the stage
// filled in when missing.
func Classify(err error, stage string) *CaptureError {
	if err == nil {
		return nil
	}

	var existing *CaptureError
	if errors.As(err, &existing) {
		if existing.Stage == "" {
			existing.Stage = stage
		}
		return existing
	}

	ce := &CaptureError{Stage: stage, Cause: err, Message: err.Error()}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ce.Code = CodeTimeout
		ce.Message = "operation timed out"
		return ce
	case errors.Is(err, context.Canceled):
		ce.Code = CodeContextCancelled
		ce.Message = "operation cancelled"
		return ce
	case errors.Is(err, ErrNoCredentials):
		ce.Code = CodeNoCredentials
		return ce
	case errors.Is(err, ErrUnauthorized):
		ce.Code = CodeUnauthorized
		return ce
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit"):
		ce.Code = CodeRateLimit
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "eof") ||
		strings.Contains(lower, "unavailable") || strings.Contains(lower, "timeout"):
		ce.Code = CodeTransientNetwork
	default:
		ce.Code = CodeProcessingError
	}
	return ce
}

// CodeOf returns the classified code of err, or "" when err is not a CaptureError.
func CodeOf(err error) ErrorCode {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	var ce *CaptureError
	if !errors.As(err, &ce) {
		return false
	}
	if info, ok := ErrorCodeRegistry[ce.Code]; ok {
		return info.Retryable
	}
	return false
}
