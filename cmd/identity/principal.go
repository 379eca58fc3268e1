package identity

import (
	"fmt"
	"strings"
)

// Role is a coarse authorization level attached to a principal.
type Role string

// Built-in roles. Deployments may mint additional role strings; the core
// only ever tests for these three.
const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// Principal is the authenticated identity the core consumes. It is immutable
// once produced by an Authenticator.
type Principal struct {
	TenantID string
	ClientID string
	Roles    []Role
}

// HasRole reports whether the principal carries r.
func (p Principal) HasRole(r Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal may perform destructive and
// tenant-global operations.
func (p Principal) IsAdmin() bool { return p.HasRole(RoleAdmin) }

// RoleStrings returns the roles as plain strings for wire payloads.
func (p Principal) RoleStrings() []string {
	out := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		out[i] = string(r)
	}
	return out
}

// Validate checks the principal is usable by the core.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("%w: empty tenant_id", ErrInvalidPrincipal)
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return fmt.Errorf("%w: empty client_id", ErrInvalidPrincipal)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("%w: no roles", ErrInvalidPrincipal)
	}
	return nil
}

// ParseRoles normalizes role strings (trim, lower-case, dedupe, stable
// order). Empty input yields the user role.
func ParseRoles(raw []string) []Role {
	seen := make(map[Role]struct{}, len(raw))
	out := make([]Role, 0, len(raw))
	for _, s := range raw {
		r := Role(strings.ToLower(strings.TrimSpace(s)))
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return []Role{RoleUser}
	}
	return out
}
