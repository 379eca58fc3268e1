package identity

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire codes).
var (
	ErrNoCredentials      = errors.New("no credentials presented")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidPrincipal   = errors.New("invalid principal")
)

// AuthError is a typed authentication failure with a stable Op + Kind
// contract for callers and tests. Kind MUST be one of the sentinel kinds.
// Msg may include human-readable context; never include credential material.
type AuthError struct {
	Op   string
	Kind error
	Msg  string
}

func (e AuthError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e AuthError) Unwrap() error { return e.Kind }

// IsAuthFailure reports whether err represents any credential-level failure
// (missing, malformed, expired). Transport maps these to a 401 upgrade
// rejection and the AUTHENTICATION_FAILED wire code.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrTokenExpired)
}
