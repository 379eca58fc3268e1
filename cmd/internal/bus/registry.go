package bus

import (
	"sync"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// DuplicatePolicy selects what happens when a client_id that already has a
// live session connects again.
type DuplicatePolicy uint8

const (
	// DuplicateSupersede closes the old session and admits the new one.
	DuplicateSupersede DuplicatePolicy = iota
	// DuplicateReject refuses the new connection.
	DuplicateReject
)

// ParseDuplicatePolicy maps the config string to a policy, defaulting to
// supersede.
func ParseDuplicatePolicy(s string) DuplicatePolicy {
	if s == "reject" {
		return DuplicateReject
	}
	return DuplicateSupersede
}

// Registry owns the client_id -> session mapping. One live session per
// (tenant, client_id); the duplicate policy decides which side loses.
type Registry struct {
	policy DuplicatePolicy

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(policy DuplicatePolicy) *Registry {
	return &Registry{
		policy:   policy,
		sessions: make(map[string]*Session),
	}
}

func registryKey(tenantID, clientID string) string {
	return tenantID + "\x00" + clientID
}

// Register installs a session. Under the supersede policy an existing
// session for the same identity is closed with DUPLICATE_IDENTITY and
// returned so the caller can tear down its connection; under the reject
// policy the new session is refused.
func (r *Registry) Register(s *Session) (superseded *Session, err error) {
	key := registryKey(s.Principal.TenantID, s.Principal.ClientID)

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.sessions[key]
	if exists && old != s {
		if r.policy == DuplicateReject {
			return nil, v1.NewWireError(v1.CodeDuplicateIdentity,
				"client %s already connected", s.Principal.ClientID)
		}
		old.Close(v1.CodeDuplicateIdentity)
		superseded = old
	}
	r.sessions[key] = s
	return superseded, nil
}

// Unregister removes a session. A session that was superseded does not evict
// its successor.
func (r *Registry) Unregister(s *Session) {
	key := registryKey(s.Principal.TenantID, s.Principal.ClientID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[key]; ok && cur == s {
		delete(r.sessions, key)
	}
}

// Lookup returns the live session for a same-tenant client_id, if any.
func (r *Registry) Lookup(tenantID, clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[registryKey(tenantID, clientID)]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
