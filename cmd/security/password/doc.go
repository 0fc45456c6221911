// Package password hashes and verifies principal passwords with Argon2id.
//
// Hashes are PHC strings carrying their own cost parameters, so cost can be
// raised without invalidating stored hashes (see NeedsRehash). Stored hashes
// are untrusted input: Verify refuses strings whose cost exceeds twice the
// configured cost.
package password
