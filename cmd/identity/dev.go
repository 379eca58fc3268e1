package identity

import (
	"context"

	"github.com/novelbytelabs/arqonbus/cmd/identity/ids"
)

// DevAuthenticator accepts every connection and builds the principal from
// the client's own hints. Development and tests only; it performs no
// credential verification whatsoever.
type DevAuthenticator struct {
	// DefaultTenant is used when the client supplies no tenant hint.
	DefaultTenant string
}

// NewDevAuthenticator returns a pass-through authenticator rooted at
// defaultTenant ("default" when empty).
func NewDevAuthenticator(defaultTenant string) *DevAuthenticator {
	t := NormalizeTenant(defaultTenant)
	if t == "" {
		t = "default"
	}
	return &DevAuthenticator{DefaultTenant: t}
}

// Authenticate never fails. Missing hints are filled in: a generated
// arq_client_<32 hex> id, the default tenant, and the user role.
func (a *DevAuthenticator) Authenticate(_ context.Context, creds Credentials) (Principal, error) {
	clientID := NormalizeClientID(creds.ClientID)
	if clientID == "" || !ValidClientID(clientID) {
		clientID = ids.NewClientID()
	}
	tenant := NormalizeTenant(creds.TenantID)
	if tenant == "" {
		tenant = a.DefaultTenant
	}

	p := Principal{
		TenantID: tenant,
		ClientID: clientID,
		Roles:    ParseRoles(creds.RolesHint),
	}
	if err := p.Validate(); err != nil {
		return Principal{}, AuthError{Op: "identity.dev.Authenticate", Kind: ErrInvalidPrincipal, Msg: err.Error()}
	}
	return p, nil
}
