package errors

import (
	"errors"
	"fmt"
)

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
//
//	err := errors.Newf(errors.CodeGrantUnknownIssuer, "grant: no provider for issuer %q", iss)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and message to err. It returns nil when err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message. It returns nil when err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Rejectf creates a grant rejection. code must be in the GRANT category;
// any other code is coerced to [CodeGrantMalformedToken] so that a
// rejection can never be mistaken for a server error.
func Rejectf(code Code, format string, args ...any) *Error {
	if code.Category() != categoryGrant {
		code = CodeGrantMalformedToken
	}
	return Newf(code, format, args...)
}

// Validationf creates a VAL_001 error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFoundf creates an NF_001 error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Internalf creates an INT_001 error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// FromError returns err as an *Error, wrapping foreign errors as
// CodeInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
