package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers must use these instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"
	ErrCodeValidationMalformedPayload ErrorCode = "validation_malformed_payload"
	ErrCodeValidationPayloadTooLarge  ErrorCode = "validation_payload_too_large"
	ErrCodeValidationInvalidField     ErrorCode = "validation_invalid_field"

	// Signature verification (400, AuthenticationError kind)
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Resources (402)
	ErrCodeInsufficientCredits ErrorCode = "insufficient_credits"

	// Conflict (409)
	ErrCodeConflictEventInProgress ErrorCode = "conflict_event_in_progress"

	// Internal/Upstream (500/502)
	ErrCodeInternalUnexpected         ErrorCode = "internal_unexpected_error"
	ErrCodeInternalDB                 ErrorCode = "internal_database_error"
	ErrCodeInternalCredentialMissing  ErrorCode = "internal_payment_credential_missing"
	ErrCodeInternalEventHandlerFailed ErrorCode = "internal_event_handler_failed"
	ErrCodeUpstreamStripe             ErrorCode = "upstream_stripe_error"
	ErrCodeUpstreamUnavailable        ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited        ErrorCode = "upstream_rate_limited"
)

// ErrorKind is the coarse, machine-readable class of an error returned to
// clients alongside the specific code.
type ErrorKind string

const (
	KindValidation           ErrorKind = "ValidationError"
	KindAuthentication       ErrorKind = "AuthenticationError"
	KindInsufficientResource ErrorKind = "InsufficientResource"
	KindConflict             ErrorKind = "Conflict"
	KindUpstreamUnavailable  ErrorKind = "UpstreamUnavailable"
	KindUnexpected           ErrorKind = "Unexpected"
)

// Kind maps an ErrorCode to its ErrorKind. Unknown codes are Unexpected.
func (c ErrorCode) Kind() ErrorKind {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return KindValidation
	case strings.HasPrefix(s, "auth_"):
		return KindAuthentication
	case c == ErrCodeInsufficientCredits:
		return KindInsufficientResource
	case strings.HasPrefix(s, "conflict_"):
		return KindConflict
	case strings.HasPrefix(s, "upstream_"):
		return KindUpstreamUnavailable
	default:
		return KindUnexpected
	}
}

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Signature failures are reported as 400, not 401: the caller is the payment
// provider, not an authenticated user.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	switch c.Kind() {
	case KindValidation, KindAuthentication:
		return http.StatusBadRequest // 400
	case KindInsufficientResource:
		return http.StatusPaymentRequired // 402
	case KindConflict:
		return http.StatusConflict // 409
	case KindUpstreamUnavailable:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// IsTransient reports whether an error with this code may succeed on retry.
func (c ErrorCode) IsTransient() bool {
	return c.Kind() == KindUpstreamUnavailable
}

// AppError is the standard application error type. All domain and handler
// errors should be expressed as AppError to get consistent formatting, HTTP
// status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Kind returns the error kind corresponding to this error's code.
func (e *AppError) Kind() ErrorKind {
	return e.Code.Kind()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
