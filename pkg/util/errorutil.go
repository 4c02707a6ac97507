package util

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes surfaced to callers.
const (
	CodeValidation             = "VALIDATION_FAILED"
	CodeNotFound               = "NOT_FOUND"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeForbidden              = "FORBIDDEN"
	CodeConflict               = "CONFLICT"
	CodeClosedTicket           = "CLOSED_TICKET"
	CodeAlreadyClosed          = "ALREADY_CLOSED"
	CodeEmptyMessage           = "EMPTY_MESSAGE"
	CodeNoChange               = "NO_CHANGE"
	CodeUploadFailed           = "UPLOAD_FAILED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeInternal               = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Any DomainError carrying the same code matches.
var (
	ErrNotFound               = &DomainError{Code: CodeNotFound}
	ErrForbidden              = &DomainError{Code: CodeForbidden}
	ErrClosedTicket           = &DomainError{Code: CodeClosedTicket}
	ErrAlreadyClosed          = &DomainError{Code: CodeAlreadyClosed}
	ErrEmptyMessage           = &DomainError{Code: CodeEmptyMessage}
	ErrNoChange               = &DomainError{Code: CodeNoChange}
	ErrUploadFailed           = &DomainError{Code: CodeUploadFailed}
	ErrConcurrentModification = &DomainError{Code: CodeConcurrentModification}
	ErrValidation             = &DomainError{Code: CodeValidation}
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Retryable  bool
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewClosedTicket reports a mutation attempted on a closed ticket.
func NewClosedTicket(ticketID string) error {
	return NewDomainError(CodeClosedTicket, "ticket is closed", http.StatusConflict,
		map[string]any{"ticket_id": ticketID})
}

// NewAlreadyClosed reports a redundant close.
func NewAlreadyClosed(ticketID string) error {
	return NewDomainError(CodeAlreadyClosed, "ticket already closed", http.StatusConflict,
		map[string]any{"ticket_id": ticketID})
}

func NewEmptyMessage() error {
	return NewDomainError(CodeEmptyMessage, "message requires a body or an attachment", http.StatusBadRequest, nil)
}

// NewNoChange reports an operation that would leave the ticket as it is.
func NewNoChange(message string, details map[string]any) error {
	return NewDomainError(CodeNoChange, message, http.StatusConflict, details)
}

// NewUploadFailed wraps an attachment storage failure.
func NewUploadFailed(err error) error {
	return &DomainError{
		Code:       CodeUploadFailed,
		Message:    "attachment upload failed",
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Err:        err,
	}
}

// NewConcurrentModification reports a lost optimistic-concurrency race. Callers should
// re-fetch and retry.
func NewConcurrentModification(ticketID string) error {
	return &DomainError{
		Code:       CodeConcurrentModification,
		Message:    "ticket was modified concurrently",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"ticket_id": ticketID},
		Retryable:  true,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if domainErr.HTTPStatus == 0 {
			copied := *domainErr
			copied.HTTPStatus = http.StatusInternalServerError
			return &copied
		}
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NewNotFound("resource", nil).(*DomainError)
	}
	return NewInternalError(err).(*DomainError)
}

// MapError converts generic errors to DomainError.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err)
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	return false
}
