package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Key is one versioned Ed25519 signing key. It is immutable once built.
type Key struct {
	id       string
	private  ed25519.PrivateKey
	public   ed25519.PublicKey
	notAfter time.Time
}

// NewKey derives a key from a 32-byte Ed25519 seed.
// A zero notAfter means the key does not expire as a verification key.
func NewKey(id string, seed []byte, notAfter time.Time) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, ":,") {
		return Key{}, fmt.Errorf("%w: invalid key id %q", ErrKeyConfig, id)
	}
	if len(seed) != ed25519.SeedSize {
		return Key{}, fmt.Errorf("%w: key %q: seed must be %d bytes", ErrKeyConfig, id, ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub, _ := priv.Public().(ed25519.PublicKey)

	return Key{id: id, private: priv, public: pub, notAfter: notAfter.UTC()}, nil
}

// GenerateKey creates a fresh random key. Intended for dev mode and tests.
func GenerateKey(id string) (Key, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return Key{}, err
	}
	return NewKey(id, seed, time.Time{})
}

// ID returns the key id carried in issued tokens.
func (k Key) ID() string { return k.id }

// PublicKey returns a copy of the verification key.
func (k Key) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(k.public))
	copy(out, k.public)
	return out
}

// NotAfter is the end of the key's verification window (zero = unbounded).
func (k Key) NotAfter() time.Time { return k.notAfter }

func (k Key) validAt(now time.Time) bool {
	return k.notAfter.IsZero() || now.Before(k.notAfter)
}

func (k Key) withNotAfter(t time.Time) Key {
	k.notAfter = t.UTC()
	return k
}

// KeyRing is the ordered set of keys accepted for verification: the active
// key first, then retiring keys newest first. Only the active key signs.
//
// A KeyRing is never mutated; Rotate returns a new ring.
type KeyRing struct {
	active   Key
	retiring []Key
}

// NewKeyRing validates and builds a ring. Key ids must be unique.
func NewKeyRing(active Key, retiring ...Key) (*KeyRing, error) {
	if active.id == "" || len(active.private) == 0 {
		return nil, fmt.Errorf("%w: missing active key", ErrKeyConfig)
	}
	// The signing key is retired by rotating, never by a deadline.
	if !active.notAfter.IsZero() {
		return nil, fmt.Errorf("%w: active key %q must not have a not-after", ErrKeyConfig, active.id)
	}

	seen := map[string]struct{}{active.id: {}}
	out := make([]Key, 0, len(retiring))
	for _, k := range retiring {
		if k.id == "" || len(k.public) == 0 {
			return nil, fmt.Errorf("%w: empty retiring key", ErrKeyConfig)
		}
		if _, dup := seen[k.id]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrKeyConfig, k.id)
		}
		seen[k.id] = struct{}{}
		out = append(out, k)
	}

	return &KeyRing{active: active, retiring: out}, nil
}

// Active returns the signing key.
func (r *KeyRing) Active() Key { return r.active }

// VerificationKeys returns the keys valid at now, active key first.
func (r *KeyRing) VerificationKeys(now time.Time) []Key {
	out := make([]Key, 0, 1+len(r.retiring))
	out = append(out, r.active)
	for _, k := range r.retiring {
		if k.validAt(now) {
			out = append(out, k)
		}
	}
	return out
}

// Lookup returns the key with id if it is valid at now.
func (r *KeyRing) Lookup(id string, now time.Time) (Key, bool) {
	for _, k := range r.VerificationKeys(now) {
		if k.id == id {
			return k, true
		}
	}
	return Key{}, false
}

// Rotate returns a new ring where next signs and the current active key keeps
// verifying until now+overlap. Retiring keys whose window already closed are dropped.
func (r *KeyRing) Rotate(next Key, now time.Time, overlap time.Duration) (*KeyRing, error) {
	if overlap < 0 {
		return nil, fmt.Errorf("%w: negative overlap", ErrKeyConfig)
	}

	retiring := make([]Key, 0, 1+len(r.retiring))
	retiring = append(retiring, r.active.withNotAfter(now.Add(overlap)))
	for _, k := range r.retiring {
		if k.validAt(now) {
			retiring = append(retiring, k)
		}
	}

	return NewKeyRing(next.withNotAfter(time.Time{}), retiring...)
}

// ParseKeyRing parses "kid:hexSeed[:notAfterRFC3339],..." as found in
// CREDO_SIGNING_KEYS. The first entry is the active key and takes no
// not-after; the rest are retiring.
func ParseKeyRing(raw string) (*KeyRing, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: no signing keys", ErrKeyConfig)
	}

	var keys []Key
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: malformed entry", ErrKeyConfig)
		}

		seed, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: seed is not hex", ErrKeyConfig, parts[0])
		}

		var notAfter time.Time
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			notAfter, err = time.Parse(time.RFC3339, strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("%w: key %q: bad not-after", ErrKeyConfig, parts[0])
			}
		}

		k, err := NewKey(parts[0], seed, notAfter)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no signing keys", ErrKeyConfig)
	}
	return NewKeyRing(keys[0], keys[1:]...)
}
