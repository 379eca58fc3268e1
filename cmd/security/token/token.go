package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the digest HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "ARQONBUS_TOKEN_HMAC_KEY"

	// FingerprintLen is the hex length of short fingerprints (64 bits).
	// Long enough to correlate events, far too short to invert usefully.
	FingerprintLen = 16
)

// HashSHA256Hex returns a SHA-256 hex digest of b.
func HashSHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of b using key.
func HashHMACSHA256Hex(b, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(b)
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprint returns a short digest of b suitable for logs and telemetry.
// When ARQONBUS_TOKEN_HMAC_KEY is set the digest is keyed; otherwise it is a
// plain SHA-256 prefix. Content never appears in the output either way.
func Fingerprint(b []byte) string {
	key := strings.TrimSpace(os.Getenv(HMACEnvKey))
	var full string
	if key == "" {
		full = HashSHA256Hex(b)
	} else {
		full = HashHMACSHA256Hex(b, []byte(key))
	}
	return full[:FingerprintLen]
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing
// a minimum byte length. Missing/blank -> ErrHMACKeyMissing; too short ->
// ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// HMACEnabled reports whether the env key is present (non-empty after trim).
func HMACEnabled() bool {
	return strings.TrimSpace(os.Getenv(HMACEnvKey)) != ""
}
