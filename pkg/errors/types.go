package errors

import (
	"fmt"
	"maps"
	"net/http"
)

// Error is a coded error with an optional cause and structured details.
// Values are treated as immutable once constructed; the With* methods
// return copies.
type Error struct {
	// Code is the machine-readable code (e.g., "GRANT_007").
	Code Code

	// Message is a human-readable reason. It may be returned to OAuth2
	// clients as error_description, so it must not contain assertion
	// contents or key material.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Details carries structured context such as the offending claim or
	// the cached expiry of a replayed jti.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause so that errors.Is and errors.As traverse it.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the code category to an HTTP status. Rejected grants
// are 400 Bad Request as required by RFC 6749 section 5.2.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case categoryGrant, categoryValidation:
		return http.StatusBadRequest
	case categoryAuthentication:
		return http.StatusUnauthorized
	case categoryNotFound:
		return http.StatusNotFound
	case categoryConflict:
		return http.StatusConflict
	case categoryUnavailable:
		return http.StatusServiceUnavailable
	case categoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// OAuthErrorCode returns the RFC 6749 error code for this error.
func (e *Error) OAuthErrorCode() string {
	if e.Code == CodeValidationGrantType {
		return "unsupported_grant_type"
	}
	switch e.Code.Category() {
	case categoryGrant:
		return "invalid_grant"
	case categoryValidation:
		return "invalid_request"
	case categoryAuthentication:
		return "invalid_client"
	case categoryUnavailable, categoryTimeout:
		return "temporarily_unavailable"
	default:
		return "server_error"
	}
}

// WithDetails returns a copy of e with details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: merged,
	}
}

// WithDetail returns a copy of e with one detail added.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format implements fmt.Formatter. %+v prints details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
