package domain

import (
	"errors"
	"fmt"
)

// Storage-level sentinels. Repositories wrap these so services can map them
// onto coded errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conditional write conflict")
)

type ErrorCode string

const (
	ErrorValidation       ErrorCode = "VALIDATION_ERROR"
	ErrorSessionNotActive ErrorCode = "SESSION_NOT_ACTIVE"
	ErrorSessionEnded     ErrorCode = "SESSION_ALREADY_ENDED"
	ErrorKnowledgeMissing ErrorCode = "KNOWLEDGE_NOT_FOUND"
	ErrorSessionMissing   ErrorCode = "SESSION_NOT_FOUND"
	ErrorPersistence      ErrorCode = "PERSISTENCE_ERROR"
	ErrorExternalTimeout  ErrorCode = "EXTERNAL_SERVICE_TIMEOUT"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrorInternal when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
