package secret

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretTooShort = errors.New("secret too short")
	ErrSecretTooLong  = errors.New("secret too long")
	ErrInvalidHash    = errors.New("invalid secret hash")
)
