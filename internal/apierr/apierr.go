package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation        = "validation_error"
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeUnauthorized      = "unauthorized"
	CodeInappropriateText = "inappropriate_prompt_text"
	CodeInappropriateFile = "inappropriate_prompt_file"
	CodeInvalidCaptcha    = "invalid_captcha"
	CodeFailedCaptcha     = "failed_captcha_assessment"
	CodeBusy              = "server_busy"
)

// Error carries the HTTP status and a stable error code alongside the cause.
type Error struct {
	Status int
	Code   string
	Field  string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Validation(field, msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeValidation, Field: field, Err: errors.New(msg)}
}

func NotFound(msg string) *Error {
	return New(http.StatusNotFound, CodeNotFound, errors.New(msg))
}

func Forbidden(msg string) *Error {
	return New(http.StatusForbidden, CodeForbidden, errors.New(msg))
}

func Unauthorized(msg string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, errors.New(msg))
}

func BadRequest(code, msg string) *Error {
	return New(http.StatusBadRequest, code, errors.New(msg))
}

// Safety reports a prompt rejected by a content checker.
func Safety(code string) *Error {
	msg := "the prompt was flagged as inappropriate"
	if code == CodeInappropriateFile {
		msg = "an uploaded file was flagged as inappropriate"
	}
	return New(http.StatusBadRequest, code, errors.New(msg))
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
