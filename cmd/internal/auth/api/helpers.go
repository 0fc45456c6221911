package authapi

import (
	"credo/cmd/identity"
	"credo/cmd/internal/auth/authn"
	"credo/cmd/security/token"
)

func toProfileResponse(p identity.Profile) profileResponse {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return profileResponse{
		ID:         p.ID,
		Identifier: p.Identifier,
		Roles:      roles,
		CreatedAt:  p.CreatedAt,
	}
}

func toTokenPairResponse(p authn.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		PrincipalID:      p.PrincipalID,
		TokenType:        "Bearer",
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessTokenExpiry,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshTokenExpiry,
	}
}

func toMeResponse(c token.AccessClaims) meResponse {
	roles := c.Roles
	if roles == nil {
		roles = []string{}
	}
	return meResponse{
		PrincipalID: c.PrincipalID,
		Roles:       roles,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}
