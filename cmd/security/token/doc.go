// Package token provides hashing and fingerprint primitives for ArqonBus.
//
// It is the single source of truth for two behaviors:
//   - Fingerprints: short, stable digests safe to place in logs and
//     telemetry in place of payload or credential content.
//   - Keyed digests: HMAC-SHA256 when ARQONBUS_TOKEN_HMAC_KEY is configured,
//     for deployments that must not expose unkeyed digests of secrets.
//
// Output is always lowercase hex.
package token
