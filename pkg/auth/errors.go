package auth

import (
	"errors"
	"fmt"
)

// ErrTokenEndpoint is returned when the token endpoint cannot produce a
// usable token.
var ErrTokenEndpoint = errors.New("token endpoint failure")

// AuthError represents a credential acquisition or refresh failure. It is
// fatal to the run that observes it; retrying the whole run is the caller's
// decision, never this package's.
type AuthError struct {
	Scheme  Scheme
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s failure (status %d): %s: %v",
			e.Scheme, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s failure (status %d): %s",
		e.Scheme, e.Status, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}
