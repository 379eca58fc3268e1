package identity

import (
	"regexp"
	"strings"
)

// clientIDRe is the grammar for client identifiers. Generated ids are
// arq_client_<32 hex>; operator-assigned ids only need the prefix and a
// url-safe tail (e.g. arq_client_alice).
var clientIDRe = regexp.MustCompile(`^arq_client_[A-Za-z0-9_-]+$`)

// NormalizeTenant performs case-insensitive canonicalization of a tenant id.
// Note: for now we only trim + lower-case. Additional rules (unicode
// confusables) can be added later behind a versioned policy.
func NormalizeTenant(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeClientID trims a client id. Client ids are case-sensitive opaque
// strings; only surrounding whitespace is stripped.
func NormalizeClientID(s string) string {
	return strings.TrimSpace(s)
}

// ValidClientID reports whether s matches the client id grammar.
func ValidClientID(s string) bool {
	return clientIDRe.MatchString(s)
}
