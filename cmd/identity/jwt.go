package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtMinSecretBytes is the floor for HS256 signing secrets.
const jwtMinSecretBytes = 32

// jwtClaims is the claim set ArqonBus expects: standard registered claims
// plus the tenant and role assignment.
type jwtClaims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens. Claims map onto the
// principal as sub -> client_id, tenant_id -> tenant, roles -> roles.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTAuthenticator builds a validator for HS256 tokens signed with
// secret. issuer, when non-empty, is enforced against the iss claim.
func NewJWTAuthenticator(secret []byte, issuer string, leeway time.Duration) (*JWTAuthenticator, error) {
	if len(secret) < jwtMinSecretBytes {
		return nil, AuthError{
			Op:   "identity.jwt.New",
			Kind: ErrInvalidPrincipal,
			Msg:  "signing secret shorter than 32 bytes",
		}
	}
	if leeway < 0 {
		leeway = 0
	}
	return &JWTAuthenticator{secret: secret, issuer: strings.TrimSpace(issuer), leeway: leeway}, nil
}

// Authenticate parses and validates the bearer token, then builds the
// principal from its claims.
func (a *JWTAuthenticator) Authenticate(_ context.Context, creds Credentials) (Principal, error) {
	const op = "identity.jwt.Authenticate"

	raw := strings.TrimSpace(creds.Token)
	if raw == "" {
		return Principal{}, AuthError{Op: op, Kind: ErrNoCredentials}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwtClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		kind := ErrInvalidCredentials
		if errors.Is(err, jwt.ErrTokenExpired) {
			kind = ErrTokenExpired
		}
		return Principal{}, AuthError{Op: op, Kind: kind, Msg: "token rejected"}
	}

	tenant := NormalizeTenant(claims.TenantID)
	if tenant == "" {
		tenant = "default"
	}
	p := Principal{
		TenantID: tenant,
		ClientID: NormalizeClientID(claims.Subject),
		Roles:    ParseRoles(claims.Roles),
	}
	if err := p.Validate(); err != nil {
		return Principal{}, AuthError{Op: op, Kind: ErrInvalidCredentials, Msg: "claims incomplete"}
	}
	return p, nil
}
