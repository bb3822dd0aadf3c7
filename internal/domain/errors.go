package domain

import (
	"errors"
	"fmt"
)

type ErrorType int

const (
	ErrorTypeValidation ErrorType = iota
	ErrorTypeNotFound
	ErrorTypeConflict
	ErrorTypeDispatch
	ErrorTypeExecution
	ErrorTypeToken
	ErrorTypeInternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeConflict:
		return "conflict"
	case ErrorTypeDispatch:
		return "dispatch"
	case ErrorTypeExecution:
		return "execution"
	case ErrorTypeToken:
		return "token"
	default:
		return "internal"
	}
}

type Error struct {
	Type    ErrorType
	Message string
	Details map[string]interface{}
	Err     error
}

func (e Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e Error) Unwrap() error {
	return e.Err
}

var (
	ErrNotFound           = errors.New("resource not found")
	ErrRunTerminal        = errors.New("run is in a terminal state")
	ErrLockContention     = errors.New("run lock contention")
	ErrNoDispatcher       = errors.New("no suitable dispatcher")
	ErrNoHealthyExecutors = errors.New("no healthy executors")
	ErrTokenExpired       = errors.New("execution token expired")
	ErrTokenMismatch      = errors.New("execution token does not match attempt")
	ErrClosed             = errors.New("adapter closed")
)

func NewValidationError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeValidation, Message: message, Details: details}
}

func NewNotFoundError(resource, id string) Error {
	return Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{"resource": resource, "id": id},
		Err:     ErrNotFound,
	}
}

func NewConflictError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeConflict, Message: message, Details: details}
}

func NewDispatchError(message string, err error, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeDispatch, Message: message, Details: details, Err: err}
}

func NewExecutionError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeExecution, Message: message, Details: details}
}

func NewTokenError(message string, err error) Error {
	return Error{Type: ErrorTypeToken, Message: message, Err: err}
}

func NewInternalError(message string, err error) Error {
	return Error{Type: ErrorTypeInternal, Message: message, Err: err}
}

func IsErrorType(err error, t ErrorType) bool {
	var domainErr Error
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || IsErrorType(err, ErrorTypeNotFound)
}

func IsValidation(err error) bool {
	return IsErrorType(err, ErrorTypeValidation)
}

func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenMismatch) || IsErrorType(err, ErrorTypeToken)
}
