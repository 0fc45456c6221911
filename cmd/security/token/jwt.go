package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtAccessClaims struct {
	Roles     []string `json:"roles"`
	TokenType string   `json:"typ"`
	jwt.RegisteredClaims
}

// JWTCodec issues EdDSA-signed JWT access tokens with a kid header.
type JWTCodec struct {
	ringHolder
	opts Options
}

// NewJWTCodec builds a JWT codec over ring.
func NewJWTCodec(ring *KeyRing, opts Options) (*JWTCodec, error) {
	c := &JWTCodec{opts: opts}
	if err := c.init(ring); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *JWTCodec) SignAccessToken(principalID string, roles []string, issuedAt time.Time, ttl time.Duration) (string, time.Time, error) {
	if err := checkSignInput(principalID, ttl); err != nil {
		return "", time.Time{}, err
	}

	key := c.KeyRing().Active()
	iat, exp := tokenTimes(issuedAt, ttl)

	claims := jwtAccessClaims{
		Roles:     copyRoles(roles),
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.opts.Issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(iat),
			NotBefore: jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = key.id

	signed, err := t.SignedString(key.private)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (c *JWTCodec) VerifyAccessToken(raw string, now time.Time) (AccessClaims, error) {
	ring := c.KeyRing()

	var (
		claims jwtAccessClaims
		kid    string
	)
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		keys := ring.VerificationKeys(now)
		if want, _ := t.Header["kid"].(string); want != "" {
			if k, ok := ring.Lookup(want, now); ok {
				kid = k.id
				return k.public, nil
			}
		}
		// Unknown or missing kid: try the ring in order.
		set := jwt.VerificationKeySet{Keys: make([]jwt.VerificationKey, 0, len(keys))}
		for _, k := range keys {
			set.Keys = append(set.Keys, k.public)
		}
		return set, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return AccessClaims{}, ErrInvalidSignature
		}
		return AccessClaims{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return AccessClaims{}, ErrInvalidSignature
	}
	if kid == "" {
		kid, _ = parsed.Header["kid"].(string)
	}

	out := AccessClaims{
		PrincipalID: claims.Subject,
		Roles:       claims.Roles,
		TokenType:   claims.TokenType,
		Issuer:      claims.Issuer,
		KeyID:       kid,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.UTC()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.UTC()
	}
	if out.Roles == nil {
		out.Roles = []string{}
	}

	if err := validateClaims(out, now, c.opts); err != nil {
		return AccessClaims{}, err
	}
	return out, nil
}
