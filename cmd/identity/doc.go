// Package identity is the credential store: principals, their login
// identifiers, password hashes and role tags.
//
// Passwords are hashed with Argon2id via cmd/security/password. Principal ids
// are ULIDs. Two Store implementations exist: PostgresStore for deployments
// and MemoryStore for tests and database-less dev runs.
package identity
