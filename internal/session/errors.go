package session

import (
	"errors"
	"net/http"
)

// ErrNotFound is the cause carried by every AuthorizationError the registry
// returns for an unknown id.
var ErrNotFound = errors.New("session not found")

// ErrBadState is returned for a SetState value that is not a known transition.
var ErrBadState = &ValidationError{Message: "bad state"}

// DefaultAuthStatus is the status used for unknown or missing session ids.
const DefaultAuthStatus = http.StatusForbidden

// AuthorizationError reports an unknown or invalid session id.
type AuthorizationError struct {
	Status  int
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

func (e *AuthorizationError) Unwrap() error { return ErrNotFound }

func (e *AuthorizationError) StatusCode() int { return e.Status }

func (e *AuthorizationError) Title() string { return http.StatusText(e.Status) }

func (e *AuthorizationError) Kind() string { return "AuthorizationError" }

// ValidationError reports a malformed state transition request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

func (e *ValidationError) Title() string { return http.StatusText(http.StatusBadRequest) }

func (e *ValidationError) Kind() string { return "ValidationError" }

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}
