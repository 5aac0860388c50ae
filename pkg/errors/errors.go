package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
)

// ErrorCode is the machine-readable code carried in signaling acks and
// REST responses. Registry errors are always returned to the requester,
// never broadcast.
type ErrorCode string

const (
	CodeDuplicateBroadcaster ErrorCode = "DUPLICATE_BROADCASTER"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeNotAuthorized        ErrorCode = "NOT_AUTHORIZED"
	CodeInvalidState         ErrorCode = "INVALID_STATE"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeRateLimit            ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// AppError pairs a wire code with an HTTP status for the REST surface.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

// FromDomain maps registry sentinel errors onto wire codes. Anything
// unrecognized becomes INTERNAL_ERROR so internals never leak verbatim.
func FromDomain(err error) *AppError {
	switch {
	case errors.Is(err, domain.ErrDuplicateBroadcaster):
		return Wrap(err, CodeDuplicateBroadcaster, "a live session already exists for this participant", http.StatusConflict)
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrAttachmentNotFound):
		return Wrap(err, CodeSessionNotFound, "no live session matches", http.StatusNotFound)
	case errors.Is(err, domain.ErrNotAuthorized):
		return Wrap(err, CodeNotAuthorized, "caller does not own this session", http.StatusForbidden)
	case errors.Is(err, domain.ErrInvalidState):
		return Wrap(err, CodeInvalidState, "operation not valid in current state", http.StatusConflict)
	default:
		return Wrap(err, CodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
