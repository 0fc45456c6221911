// Package token is the token codec: it signs and verifies short-lived access
// tokens and generates the opaque secrets behind refresh tokens.
//
// Access tokens are self-contained claim sets (principal, roles, issued-at,
// expiry, token type) signed with Ed25519. Two wire formats are supported:
// PASETO v4.public (default) and JWT (EdDSA). Both verify against a KeyRing
// holding one active key and optional retiring keys, so the signing key can
// be rotated without invalidating tokens that are still within their TTL.
//
// Refresh secrets are random base64url strings. Only their hash is stored
// server-side:
// - HMAC-SHA256(secret, key) when CREDO_TOKEN_HMAC_KEY is set,
// - SHA-256(secret) otherwise (dev only; production should require HMAC).
//
// Signing and verification are pure in-memory computation and never block.
package token
