package errors

import (
	"fmt"
	"time"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// AuthError represents a rejected token, nonce, or passkey. It aborts a run
// before any transfer starts.
type AuthError struct {
	Reason string
}

func (err AuthError) Error() string {
	return fmt.Sprintf("not authorized: %s", err.Reason)
}

// BusyError is returned when the requested job category is already claimed on
// the target. It carries the claimant and lock age so the operator knows who
// to wait for.
type BusyError struct {
	Category string
	Claimant string
	Age      time.Duration
}

func (err BusyError) Error() string {
	return fmt.Sprintf("%s sync is busy: claimed by %s %s ago",
		err.Category, err.Claimant, err.Age.Round(time.Second))
}

// FriendlyMessage implements the friendlier interface.
func (err BusyError) FriendlyMessage() string {
	return fmt.Sprintf("The remote server is busy: %s has been running a %s "+
		"sync for %s.\nWait for it to finish, or clear the lock with "+
		"`ezsync fetch status --clear --%s` if it crashed.",
		err.Claimant, err.Category, err.Age.Round(time.Second), err.Category)
}

// IntegrityError represents a content hash mismatch on a downloaded artifact.
type IntegrityError struct {
	Artifact string
	Expected string
	Actual   string
}

func (err IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s",
		err.Artifact, err.Expected, err.Actual)
}

// TransportError represents a failed HTTP exchange with a peer: a connection
// failure, an unexpected status code, or a timeout.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (err TransportError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("request to %s failed: %s", err.URL, err.Err)
	}
	return fmt.Sprintf("request to %s failed with status %d", err.URL, err.Status)
}

func (err TransportError) Unwrap() error {
	return err.Err
}

// ConfigError represents an invalid or unsatisfiable configuration. It aborts
// a run before any remote or local mutation.
type ConfigError struct {
	Reason string
}

func (err ConfigError) Error() string {
	return err.Reason
}

// FriendlyMessage implements the friendlier interface.
func (err ConfigError) FriendlyMessage() string {
	return err.Reason
}
