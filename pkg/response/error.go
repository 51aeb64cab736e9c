package response

import (
	"errors"
	"fmt"
)

// Error expands a normal error with an ErrorCode so callers can decide how
// to handle it without matching on messages
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Errorf builds an Error with the given code. The format supports %w and the
// wrapped error stays reachable through errors.Is/errors.As.
func Errorf(code ErrorCode, format string, a ...any) *Error {
	err := fmt.Errorf(format, a...)

	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     errors.Unwrap(err),
	}
}

// Error is defined to implement the error interface
func (e *Error) Error() string {
	return e.String()
}

// String provides a string representation of the error
func (e *Error) String() string {
	return fmt.Sprintf("error occurred, code %d (%s): %s", e.Code, e.Code, e.Message)
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so the Err* sentinels below
// work with errors.Is
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return other.Code == e.Code
}

// ErrorCode defines the set of error codes that can be set on an Error
type ErrorCode int

const (
	// NoErrorCode means the error code hasn't been set
	NoErrorCode ErrorCode = iota
	// NotFound means an input archive or manifest is missing
	NotFound
	// InsufficientSpace means staging was refused by admission control
	InsufficientSpace
	// ExtractionError means the archive is malformed or unsafe to extract
	ExtractionError
	// StoreUnavailable means the queue or finding store could not be reached
	StoreUnavailable
	// RuleParseError means a rule set document could not be parsed
	RuleParseError
	// RuleMatchError means a rule could not be evaluated against a line
	RuleMatchError
	// LeaseLost means the lease on a work item was reaped before it was
	// released by its holder
	LeaseLost
)

var errorNames = [...]string{
	"NoErrorCode",
	"NotFound",
	"InsufficientSpace",
	"ExtractionError",
	"StoreUnavailable",
	"RuleParseError",
	"RuleMatchError",
	"LeaseLost",
}

// String returns the name of the code
func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorNames) {
		return "UnknownErrorCode"
	}

	return errorNames[c]
}

// Sentinels for errors.Is
var (
	ErrNotFound          = &Error{Code: NotFound}
	ErrInsufficientSpace = &Error{Code: InsufficientSpace}
	ErrExtractionError   = &Error{Code: ExtractionError}
	ErrStoreUnavailable  = &Error{Code: StoreUnavailable}
	ErrRuleParseError    = &Error{Code: RuleParseError}
	ErrRuleMatchError    = &Error{Code: RuleMatchError}
	ErrLeaseLost         = &Error{Code: LeaseLost}
)
