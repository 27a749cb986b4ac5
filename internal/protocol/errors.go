package protocol

import (
	"errors"
	"net/http"
)

// ErrorCode is the wire-level error discriminator. The same six codes are
// used in websocket error frames and in HTTP error responses.
type ErrorCode string

const (
	CodeBadRequest    ErrorCode = "bad_request"
	CodeAuthFailed    ErrorCode = "auth_failed"
	CodeNotFound      ErrorCode = "not_found"
	CodeForbidden     ErrorCode = "forbidden"
	CodeUnprocessable ErrorCode = "unprocessable_content"
	CodeInternal      ErrorCode = "internal_server_error"
)

// Error is the failure type every operation reduces to.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func BadRequest(msg string) *Error {
	return &Error{Code: CodeBadRequest, Message: msg}
}

func AuthFailed(msg string) *Error {
	return &Error{Code: CodeAuthFailed, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Message: msg}
}

func Unprocessable(msg string) *Error {
	return &Error{Code: CodeUnprocessable, Message: msg}
}

func Internal(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg}
}

// AsError extracts the *Error from err, wrapping unknown errors as internal
// so that no raw error detail ever reaches a client.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal server error")
}

// CodeOf reports the error code carried by err, or CodeInternal.
func CodeOf(err error) ErrorCode {
	return AsError(err).Code
}

// HTTPStatus maps an error code onto the admin API response status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
