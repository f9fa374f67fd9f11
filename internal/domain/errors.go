package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInsufficientBalance   ErrorCode = "insufficient_balance"
	CodeLimitExceeded         ErrorCode = "limit_exceeded"
	CodeInvalidAmount         ErrorCode = "invalid_amount"
	CodeCodeInvalid           ErrorCode = "code_invalid"
	CodeIdempotencyConflict   ErrorCode = "idempotency_conflict"
	CodeIdempotencyInProgress ErrorCode = "idempotency_in_progress"
	CodeSignatureInvalid      ErrorCode = "signature_invalid"
	CodeRefundExceeds         ErrorCode = "refund_exceeds_original"
	CodeNotFound              ErrorCode = "not_found"
	CodeInvalidRequest        ErrorCode = "invalid_request"
	CodeInvalidState          ErrorCode = "invalid_state"
	CodeForbidden             ErrorCode = "forbidden"
	CodeUnauthorized          ErrorCode = "unauthorized"
)

// Error is a classified failure surfaced to callers. Two errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInsufficientBalance   = &Error{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrLimitExceeded         = &Error{Code: CodeLimitExceeded, Message: "limit exceeded"}
	ErrInvalidAmount         = &Error{Code: CodeInvalidAmount, Message: "amount must be positive"}
	ErrCodeInvalid           = &Error{Code: CodeCodeInvalid, Message: "payment code is not valid"}
	ErrIdempotencyConflict   = &Error{Code: CodeIdempotencyConflict, Message: "idempotency key reused for a different request"}
	ErrIdempotencyInProgress = &Error{Code: CodeIdempotencyInProgress, Message: "request with this idempotency key is in progress"}
	ErrSignatureInvalid      = &Error{Code: CodeSignatureInvalid, Message: "signature invalid"}
	ErrRefundExceeds         = &Error{Code: CodeRefundExceeds, Message: "refund exceeds refundable amount"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidRequest        = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrInvalidState          = &Error{Code: CodeInvalidState, Message: "operation not allowed in current state"}
	ErrForbidden             = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrUnauthorized          = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
)

// Errorf builds a classified error with a specific message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf returns the classification of err, or "" for unclassified errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
