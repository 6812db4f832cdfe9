// SPDX-License-Identifier: Apache-2.0
// Package errors provides the typed error taxonomy of the capability execution core.
// Callers branch on Code (or errors.Is against the sentinels) rather than on message text.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies execution errors for callers and monitoring.
type ErrorCode string

const (
	// CodeCapabilityNotFound indicates no manifest is registered under the id.
	CodeCapabilityNotFound ErrorCode = "CAPABILITY_NOT_FOUND"

	// CodeProviderUndetectable indicates no metadata key names a known provider family.
	CodeProviderUndetectable ErrorCode = "PROVIDER_UNDETECTABLE"

	// CodeNoHandlerForProvider indicates a family was detected but nothing serves it.
	CodeNoHandlerForProvider ErrorCode = "NO_HANDLER_FOR_PROVIDER"

	// CodeTransport indicates a network-level failure, timeouts included.
	CodeTransport ErrorCode = "TRANSPORT_ERROR"

	// CodeProtocol indicates a malformed or unexpected provider response.
	CodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// CodeSessionExpired indicates the provider invalidated the session.
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"

	// CodeAuthMissing indicates a declared credential variable is not set.
	CodeAuthMissing ErrorCode = "AUTH_MISSING"

	// CodeInvalidInput indicates a manifest or argument was unusable.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeAlreadyExists indicates a registration collided with an existing id.
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrCapabilityNotFound   = &Error{Code: CodeCapabilityNotFound}
	ErrProviderUndetectable = &Error{Code: CodeProviderUndetectable}
	ErrNoHandlerForProvider = &Error{Code: CodeNoHandlerForProvider}
	ErrTransport            = &Error{Code: CodeTransport}
	ErrProtocol             = &Error{Code: CodeProtocol}
	ErrSessionExpired       = &Error{Code: CodeSessionExpired}
	ErrAuthMissing          = &Error{Code: CodeAuthMissing}
	ErrInvalidInput         = &Error{Code: CodeInvalidInput}
	ErrAlreadyExists        = &Error{Code: CodeAlreadyExists}
	ErrInternal             = &Error{Code: CodeInternal}
)

// Error is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" && e.Err == nil {
		return fmt.Sprintf("[%s]", e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		StatusCode  int                    `json:"status_code"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Attributes:  e.Attributes,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *Error) WithAttribute(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// AsError returns err as *Error, searching the chain, or wraps it as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &Error{Code: code})
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeCapabilityNotFound:
		return 404
	case CodeAuthMissing:
		return 401
	case CodeInvalidInput, CodeProviderUndetectable:
		return 400
	case CodeAlreadyExists:
		return 409
	case CodeSessionExpired:
		return 410
	case CodeTransport, CodeProtocol:
		return 502
	case CodeNoHandlerForProvider:
		return 501
	default:
		return 500
	}
}
