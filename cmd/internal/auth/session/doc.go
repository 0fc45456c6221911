// Package session is the refresh token store.
//
// Refresh tokens form lineages ("chains"): a login creates a root, and each
// rotation issues a child in the same chain and revokes the parent. A token
// is identified by the hash of its secret; the plain secret is never stored.
//
// Rotation and reuse handling must observe and change a chain as one unit, so
// Store exposes Atomically. PostgresStore runs the unit in one transaction that
// locks the presented row (SELECT ... FOR UPDATE); MemoryStore serializes on a
// per-chain mutex.
package session
