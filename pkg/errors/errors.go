package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// ContextError annotates an error with the operation that produced it. The
// chain of contexts reads like a call stack when printed.
type ContextError struct {
	Context string
	Err     error
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

func (err ContextError) Unwrap() error {
	return err.Err
}

// WithContext wraps err with a description of the operation that failed.
// Returns nil if err is nil so that it can be used directly on return values.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return ContextError{Context: context, Err: err}
}

// FriendlyError is an error that can be printed directly to the user without
// any additional context.
type FriendlyError struct {
	Message string
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage implements the friendlier interface.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

// NewFriendlyError creates an error meant to be shown directly to the user.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{Message: fmt.Sprintf(format, args...)}
}

// friendlier is implemented by errors that have a user-facing representation.
type friendlier interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the user-facing representation of err.
func GetPrintableMessage(err error) string {
	var friendly friendlier
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}
