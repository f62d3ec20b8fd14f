package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
// Reverts and timeouts after submission are settlement results, not errors.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeNotFound    Code = 3
	CodeUnavailable Code = 12
	CodeBlocked     Code = 16
	CodeScope       Code = 20
	CodeBatchLimit  Code = 21
	CodeSubmission  Code = 22
	CodeSigner      Code = 25
)

// Error is a typed engine error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if typed, ok := As(err); ok {
		return int(typed.Code)
	}
	return int(CodeInternal)
}

// TypeName is the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "validation_error"
	case CodeNotFound:
		return "not_found"
	case CodeUnavailable:
		return "ledger_unavailable"
	case CodeBlocked:
		return "blocked"
	case CodeScope:
		return "scope_violation"
	case CodeBatchLimit:
		return "batch_limit"
	case CodeSubmission:
		return "submission_failure"
	case CodeSigner:
		return "signer_error"
	default:
		return "internal_error"
	}
}
