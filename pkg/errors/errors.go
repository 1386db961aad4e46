// Package errors provides the domain error types shared by the capture agent.
//
// Sentinel errors describe common conditions and are checked with errors.Is.
// CaptureError adds a classified code so callers can decide whether a failure
// is worth logging loudly, skipping quietly, or surfacing to the user.
//
// Usage:
//
//	import pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
//
//	if pferrors.IsNoCredentials(err) {
//	    return nil // not signed in, skip silently
//	}
package errors

import "errors"

// Domain errors.
var (
	// ErrNotFound indicates the requested meeting, binding or file was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input or configuration.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized indicates the backend rejected the credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoCredentials indicates no access token is available. Network steps
	// treat it as a silent skip.
	ErrNoCredentials = errors.New("no credentials available")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrClosed indicates the component has been shut down.
	ErrClosed = errors.New("closed")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnauthorized reports whether any error in err's chain is ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNoCredentials reports whether any error in err's chain is ErrNoCredentials.
func IsNoCredentials(err error) bool {
	return errors.Is(err, ErrNoCredentials)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsClosed reports whether any error in err's chain is ErrClosed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
