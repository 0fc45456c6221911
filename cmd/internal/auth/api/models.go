package authapi

import "time"

type registerRequest struct {
	Identifier string   `json:"identifier"`
	Password   string   `json:"password"`
	Roles      []string `json:"roles"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type profileResponse struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Roles      []string  `json:"roles"`
	CreatedAt  time.Time `json:"created_at"`
}

type tokenPairResponse struct {
	PrincipalID      string    `json:"principal_id"`
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type meResponse struct {
	PrincipalID string    `json:"principal_id"`
	Roles       []string  `json:"roles"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
