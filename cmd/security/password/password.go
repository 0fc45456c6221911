package password

import (
	"crypto/rand"
	"errors"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Encoded hash limits. Anything outside them is rejected before decoding.
const (
	maxEncodedLen = 512
	minSaltLen    = 8
	maxSaltLen    = 64
	minKeyLen     = 16
	maxKeyLen     = 128
)

var b64 = base64.RawStdEncoding

// ErrInvalidHash is returned for malformed, unsupported or out-of-bounds hashes.
var ErrInvalidHash = errors.New("invalid password hash")

// phc is a parsed "$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>" string.
type phc struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (p phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.params.MemoryKiB, p.params.Iterations, p.params.Parallelism,
		b64.EncodeToString(p.salt), b64.EncodeToString(p.key),
	)
}

func parsePHC(s string) (phc, error) {
	if len(s) > maxEncodedLen {
		return phc{}, ErrInvalidHash
	}
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return phc{}, ErrInvalidHash
	}

	var mem, iter, par uint64
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return phc{}, ErrInvalidHash
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return phc{}, ErrInvalidHash
		}
		switch k {
		case "m":
			mem = n
		case "t":
			iter = n
		case "p":
			par = n
		default:
			return phc{}, ErrInvalidHash
		}
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < minSaltLen || len(salt) > maxSaltLen {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) < minKeyLen || len(key) > maxKeyLen {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Argon2idParams{
			MemoryKiB:   uint32(mem),       // #nosec G115 -- parsed with bitSize 32.
			Iterations:  uint32(iter),      // #nosec G115 -- parsed with bitSize 32.
			Parallelism: uint8(par),        // #nosec G115 -- checked <= 255 above.
			SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by maxSaltLen.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded by maxKeyLen.
		},
		salt: salt,
		key:  key,
	}, nil
}

// Hash validates password against the policy and returns its PHC-encoded
// Argon2id hash with a fresh random salt.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: salt: %w", err)
	}

	p := phc{params: c.Params, salt: salt}
	p.key = derive(password, p)
	return p.String(), nil
}

// Verify reports whether password matches encodedHash. A mismatch is
// (false, nil); a malformed or out-of-bounds hash is (false, ErrInvalidHash).
func (c Config) Verify(encodedHash, password string) (bool, error) {
	p, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	// Stored costs may be older and cheaper, never wildly more expensive.
	if p.params.MemoryKiB > c.Params.MemoryKiB*2 ||
		p.params.Iterations > c.Params.Iterations*2 ||
		p.params.Parallelism > c.Params.Parallelism*2 {
		return false, ErrInvalidHash
	}

	return subtle.ConstantTimeCompare(derive(password, p), p.key) == 1, nil
}

// NeedsRehash reports whether encodedHash was produced with parameters weaker
// than the current configuration. Malformed hashes always need a rehash.
func (c Config) NeedsRehash(encodedHash string) bool {
	p, err := parsePHC(encodedHash)
	if err != nil {
		return true
	}
	return p.params.MemoryKiB < c.Params.MemoryKiB ||
		p.params.Iterations < c.Params.Iterations ||
		p.params.KeyLength < c.Params.KeyLength
}

func derive(password string, p phc) []byte {
	keyLen := p.params.KeyLength
	if p.key != nil {
		keyLen = uint32(len(p.key)) // #nosec G115 -- bounded by maxKeyLen.
	}
	return argon2.IDKey([]byte(password), p.salt,
		p.params.Iterations, p.params.MemoryKiB, p.params.Parallelism, keyLen)
}
