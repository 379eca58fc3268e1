// Package secret provides at-rest hashing for static bearer-token secrets.
//
// It implements Argon2id hashing using a PHC-like encoded string format and
// includes:
// - Configurable Argon2id parameters (via environment variables)
// - Secret length policy validation
// - Strict hash decoding and verification with anti-DoS bounds
//
// Security notes:
// - Hash strings are treated as untrusted input during Verify and are
//   validated accordingly.
// - Verification refuses hashes with parameters that exceed reasonable bounds.
package secret
