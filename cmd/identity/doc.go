// Package identity defines who is on the bus.
//
// It contains the Principal consumed by the core (tenant, client id, roles),
// the Authenticator collaborator interface, and the reference authenticators
// (dev pass-through, static keyed tokens, bearer JWT). The core never looks
// at raw credentials; it only sees the Principal this package produces.
//
// This package is intentionally dependency-light and security-first.
package identity
