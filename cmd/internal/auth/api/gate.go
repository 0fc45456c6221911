package authapi

import (
	"context"
	"net/http"
	"strings"

	"credo/cmd/security/token"
)

// AccessVerifier checks access tokens without touching storage.
type AccessVerifier interface {
	VerifyAccess(raw string) (token.AccessClaims, error)
}

type claimsKey struct{}

// ClaimsFromContext returns the claims RequireRoles placed on the request.
func ClaimsFromContext(ctx context.Context) (token.AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(token.AccessClaims)
	return c, ok
}

// RequireRoles is the authorization gate: it admits a request only when the
// bearer token verifies and carries every listed role. With no roles any
// authenticated principal passes.
//
// Missing or invalid tokens get 401 reauth_required; valid tokens lacking a
// role get 403 forbidden.
func RequireRoles(v AccessVerifier, roles ...string) func(http.Handler) http.Handler {
	return requireRoles(v, nil, roles...)
}

func requireRoles(v AccessVerifier, onDeny func(r *http.Request, c token.AccessClaims, missing string), roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeReauthRequired(w)
				return
			}
			claims, err := v.VerifyAccess(raw)
			if err != nil {
				writeReauthRequired(w)
				return
			}
			for _, role := range roles {
				if !claims.HasRole(role) {
					if onDeny != nil {
						onDeny(r, claims, role)
					}
					writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	scheme, value, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}
