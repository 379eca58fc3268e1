// Package ids provides identifier primitives (ULID, random hex, the arq_*
// tagged grammar) used across the bus.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps envelope ids
// monotonic-friendly in logs and history scans.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTaggedID returns an id of the form arq_<tag>_<ULID>, the grammar every
// server-minted envelope id follows (arq_msg_..., arq_rsp_..., arq_evt_...).
func NewTaggedID(tag string, now time.Time) (string, error) {
	u, err := NewULID(now)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("arq_%s_%s", tag, u), nil
}

// NewRandomHex returns a cryptographically secure random hex string of
// length 2*nBytes. If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// In the extremely rare case rand fails, return an empty string.
		// Callers should treat empty as an error-like condition in logs/tests.
		return ""
	}

	return hex.EncodeToString(b)
}

// NewClientID mints a generated client identifier: arq_client_<32 hex>.
func NewClientID() string {
	hexPart := NewRandomHex(16)
	if hexPart == "" {
		return ""
	}
	return "arq_client_" + hexPart
}
