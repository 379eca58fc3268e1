package identity

import "context"

// Credentials is the opaque material a client presents when connecting.
// Token is the bearer credential (Authorization header or access_token query
// parameter). The hint fields are only honored by the dev authenticator.
type Credentials struct {
	Token      string
	ClientID   string
	TenantID   string
	RolesHint  []string
	RemoteAddr string
}

// Authenticator turns connect-time credentials into a Principal. It is
// synchronous from the core's perspective; implementations must be safe for
// concurrent use. A failure is reported through the sentinel kinds in this
// package (see IsAuthFailure).
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Principal, error)
}
