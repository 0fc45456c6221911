package token

import (
	"encoding/hex"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

const pasetoV4PublicPrefix = "v4.public."

// PasetoCodec issues PASETO v4.public access tokens.
// The key id travels in the footer.
type PasetoCodec struct {
	ringHolder
	opts Options
}

// NewPasetoCodec builds a PASETO codec over ring.
func NewPasetoCodec(ring *KeyRing, opts Options) (*PasetoCodec, error) {
	c := &PasetoCodec{opts: opts}
	if err := c.init(ring); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PasetoCodec) SignAccessToken(principalID string, roles []string, issuedAt time.Time, ttl time.Duration) (string, time.Time, error) {
	if err := checkSignInput(principalID, ttl); err != nil {
		return "", time.Time{}, err
	}

	key := c.KeyRing().Active()
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(hex.EncodeToString(key.private))
	if err != nil {
		return "", time.Time{}, ErrKeyConfig
	}

	iat, exp := tokenTimes(issuedAt, ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(c.opts.Issuer)
	tok.SetSubject(principalID)
	tok.SetIssuedAt(iat)
	tok.SetNotBefore(iat)
	tok.SetExpiration(exp)
	tok.SetString("typ", TypeAccess)
	if err := tok.Set("roles", copyRoles(roles)); err != nil {
		return "", time.Time{}, err
	}
	tok.SetFooter([]byte(key.id))

	return tok.V4Sign(secret, nil), exp, nil
}

func (c *PasetoCodec) VerifyAccessToken(raw string, now time.Time) (AccessClaims, error) {
	if !strings.HasPrefix(raw, pasetoV4PublicPrefix) {
		return AccessClaims{}, ErrInvalidToken
	}

	var (
		parsed *paseto.Token
		kid    string
	)
	for _, k := range c.KeyRing().VerificationKeys(now) {
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(hex.EncodeToString(k.public))
		if err != nil {
			continue
		}

		// Time rules are applied by validateClaims at exact-instant precision.
		p := paseto.NewParserWithoutExpiryCheck()
		t, err := p.ParseV4Public(public, raw, nil)
		if err != nil {
			continue
		}
		parsed, kid = t, k.id
		break
	}
	if parsed == nil {
		return AccessClaims{}, ErrInvalidSignature
	}

	claims, err := pasetoClaims(parsed)
	if err != nil {
		return AccessClaims{}, err
	}
	if footer := string(parsed.Footer()); footer != kid {
		return AccessClaims{}, ErrInvalidToken
	}
	claims.KeyID = kid

	if err := validateClaims(claims, now, c.opts); err != nil {
		return AccessClaims{}, err
	}
	return claims, nil
}

func pasetoClaims(t *paseto.Token) (AccessClaims, error) {
	sub, err := t.GetSubject()
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	typ, err := t.GetString("typ")
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	iat, err := t.GetIssuedAt()
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	exp, err := t.GetExpiration()
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	iss, _ := t.GetIssuer()

	var roles []string
	if err := t.Get("roles", &roles); err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	return AccessClaims{
		PrincipalID: sub,
		Roles:       roles,
		IssuedAt:    iat.UTC(),
		ExpiresAt:   exp.UTC(),
		TokenType:   typ,
		Issuer:      iss,
	}, nil
}
