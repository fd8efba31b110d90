package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeCancelled     Code = "CANCELLED"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeActionFailed  Code = "ACTION_FAILED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
)

// Metadata describes how callers should treat a code.
type Metadata struct {
	HTTPStatus  int
	Retryable   bool
	Description string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:  http.StatusBadRequest,
		Retryable:   false,
		Description: "input failed validation",
	},
	CodeNotFound: {
		HTTPStatus:  http.StatusNotFound,
		Retryable:   false,
		Description: "resource not found",
	},
	CodeCancelled: {
		HTTPStatus:  http.StatusConflict,
		Retryable:   false,
		Description: "execution was cancelled",
	},
	CodeStateConflict: {
		HTTPStatus:  http.StatusConflict,
		Retryable:   false,
		Description: "state transition disallowed",
	},
	CodeActionFailed: {
		HTTPStatus:  http.StatusUnprocessableEntity,
		Retryable:   true,
		Description: "action raised during execution",
	},
	CodeInternal: {
		HTTPStatus:  http.StatusInternalServerError,
		Retryable:   true,
		Description: "internal error",
	},
	CodeDependency: {
		HTTPStatus:  http.StatusServiceUnavailable,
		Retryable:   true,
		Description: "dependency unavailable",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the outermost typed error in the chain.
func CodeOf(err error) Code {
	if te := As(err); te != nil {
		return te.Code()
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	te := As(err)
	return te != nil && te.Code() == code
}

// IsRetryable reports whether the failure may succeed on a later attempt.
// Untyped errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if te := As(err); te != nil {
		return MetadataFor(te.Code()).Retryable
	}
	return true
}
