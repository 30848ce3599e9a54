package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable machine-readable error identifier. Codes are the
// exact strings that appear on the wire in the error envelope.
type ErrorCode string

// Authentication codes.
const (
	CodeHMACNotConfigured    ErrorCode = "hmac_not_configured"
	CodeHMACMissingHeaders   ErrorCode = "hmac_missing_headers"
	CodeHMACInvalidTimestamp ErrorCode = "hmac_invalid_timestamp"
	CodeTimestampSkewFuture  ErrorCode = "timestamp_skew_future"
	CodeTimestampSkewPast    ErrorCode = "timestamp_skew_past"
	CodeReplayDetected       ErrorCode = "replay_detected"
	CodeHMACInvalidSignature ErrorCode = "hmac_invalid_signature"
)

// Policy codes.
const (
	CodeUnknownSender          ErrorCode = "unknown_sender"
	CodeInvalidSender          ErrorCode = "invalid_sender"
	CodeGroupNotAllowed        ErrorCode = "group_not_allowed"
	CodeInvalidConversation    ErrorCode = "invalid_conversation"
	CodeInvalidContent         ErrorCode = "invalid_content"
	CodeUnsupportedContentType ErrorCode = "unsupported_content_type"
	CodeInvalidText            ErrorCode = "invalid_text"
	CodeTextTooLong            ErrorCode = "text_too_long"
	CodeInvalidReaction        ErrorCode = "invalid_reaction"
	CodeInvalidTimestamp       ErrorCode = "invalid_timestamp"
	CodeTimestampOutOfWindow   ErrorCode = "timestamp_out_of_window"
	CodeRateLimitedMinute      ErrorCode = "rate_limited_minute"
	CodeRateLimitedHour        ErrorCode = "rate_limited_hour"
)

// Queue, operational and generic codes.
const (
	CodeQueueTimeout     ErrorCode = "queue_timeout"
	CodeQueueShutdown    ErrorCode = "queue_shutdown"
	CodeKillSwitchActive ErrorCode = "kill_switch_active"
	CodeMeshUnreachable  ErrorCode = "mesh_unreachable"
	CodeMeshEmpty        ErrorCode = "mesh_empty"
	CodeMeshDrift        ErrorCode = "mesh_drift"
	CodeApplyFailed      ErrorCode = "apply_failed"
	CodeInvalidInput     ErrorCode = "invalid_input"
	CodeNotFound         ErrorCode = "not_found"
	CodeInternal         ErrorCode = "internal_error"
)

// AppError carries a wire code, a human message and an optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with an arbitrary code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError with a cause.
func Wrap(cause error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewAuthError creates an authentication failure.
func NewAuthError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NewPolicyError creates a policy rejection.
func NewPolicyError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NewInvalidInputError creates an invalid input error.
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalErrorWithCause creates an internal error with a cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// CodeOf extracts the ErrorCode from any error, CodeInternal otherwise.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its transport status.
// Authentication failures are 401 except the fail-closed unconfigured case.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeHMACNotConfigured, CodeKillSwitchActive:
		return http.StatusServiceUnavailable
	case CodeHMACMissingHeaders, CodeHMACInvalidTimestamp,
		CodeTimestampSkewFuture, CodeTimestampSkewPast,
		CodeReplayDetected, CodeHMACInvalidSignature:
		return http.StatusUnauthorized
	case CodeInvalidInput, CodeInvalidContent, CodeInvalidText,
		CodeTextTooLong, CodeInvalidReaction:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimitedMinute, CodeRateLimitedHour:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	switch CodeOf(err) {
	case CodeHMACNotConfigured, CodeHMACMissingHeaders, CodeHMACInvalidTimestamp,
		CodeTimestampSkewFuture, CodeTimestampSkewPast, CodeReplayDetected,
		CodeHMACInvalidSignature:
		return true
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	code := CodeOf(err)
	return code == CodeRateLimitedMinute || code == CodeRateLimitedHour
}
