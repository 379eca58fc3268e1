package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/novelbytelabs/arqonbus/cmd/security/secret"
	"github.com/novelbytelabs/arqonbus/cmd/security/token"
)

// StaticCredential is one operator-issued bearer credential. The presented
// token is "<key_id>.<secret>"; only the Argon2id hash of the secret half is
// stored. Issued offline, typically checked into a credentials file.
type StaticCredential struct {
	KeyID      string   `yaml:"key_id"`
	SecretHash string   `yaml:"secret_hash"`
	TenantID   string   `yaml:"tenant_id"`
	ClientID   string   `yaml:"client_id"`
	Roles      []string `yaml:"roles"`
}

// StaticAuthenticator verifies "<key_id>.<secret>" bearer tokens against a
// fixed credential set loaded at startup.
type StaticAuthenticator struct {
	log   *slog.Logger
	creds map[string]staticEntry
	cfg   secret.Config
}

type staticEntry struct {
	secretHash string
	principal  Principal
}

// NewStaticAuthenticator validates and indexes the credential set. Duplicate
// key ids and incomplete entries are configuration errors.
func NewStaticAuthenticator(log *slog.Logger, entries []StaticCredential, cfg secret.Config) (*StaticAuthenticator, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("identity.static: empty credential set")
	}

	creds := make(map[string]staticEntry, len(entries))
	for i, e := range entries {
		keyID := strings.TrimSpace(e.KeyID)
		if keyID == "" || strings.ContainsRune(keyID, '.') {
			return nil, fmt.Errorf("identity.static: entry %d: bad key_id %q", i, e.KeyID)
		}
		if strings.TrimSpace(e.SecretHash) == "" {
			return nil, fmt.Errorf("identity.static: entry %d (%s): missing secret_hash", i, keyID)
		}
		if _, dup := creds[keyID]; dup {
			return nil, fmt.Errorf("identity.static: duplicate key_id %q", keyID)
		}

		p := Principal{
			TenantID: NormalizeTenant(e.TenantID),
			ClientID: NormalizeClientID(e.ClientID),
			Roles:    ParseRoles(e.Roles),
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("identity.static: entry %d (%s): %w", i, keyID, err)
		}
		creds[keyID] = staticEntry{secretHash: strings.TrimSpace(e.SecretHash), principal: p}
	}

	return &StaticAuthenticator{log: log, creds: creds, cfg: cfg}, nil
}

// Authenticate splits the presented token at the first dot, looks up the key
// id, and verifies the secret half against its stored hash.
func (a *StaticAuthenticator) Authenticate(_ context.Context, creds Credentials) (Principal, error) {
	const op = "identity.static.Authenticate"

	tok := strings.TrimSpace(creds.Token)
	if tok == "" {
		return Principal{}, AuthError{Op: op, Kind: ErrNoCredentials}
	}
	keyID, secretPart, ok := strings.Cut(tok, ".")
	if !ok || keyID == "" || secretPart == "" {
		return Principal{}, AuthError{Op: op, Kind: ErrInvalidCredentials, Msg: "malformed token"}
	}

	entry, found := a.creds[keyID]
	if !found {
		// Fingerprint, never the token, in audit logs.
		a.log.Warn("auth.static.unknown_key",
			"token_fp", token.Fingerprint([]byte(tok)),
			"remote_addr", creds.RemoteAddr,
		)
		return Principal{}, AuthError{Op: op, Kind: ErrInvalidCredentials, Msg: "unknown key id"}
	}

	match, err := a.cfg.Verify(entry.secretHash, secretPart)
	if err != nil {
		return Principal{}, AuthError{Op: op, Kind: ErrInvalidCredentials, Msg: "unverifiable secret hash"}
	}
	if !match {
		a.log.Warn("auth.static.secret_mismatch",
			"key_id", keyID,
			"remote_addr", creds.RemoteAddr,
		)
		return Principal{}, AuthError{Op: op, Kind: ErrInvalidCredentials, Msg: "secret mismatch"}
	}

	return entry.principal, nil
}
