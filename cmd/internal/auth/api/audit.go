package authapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"credo/cmd/internal/auth/audit"
	"credo/cmd/security/token"
)

// HTTP-only security events. Service outcomes are emitted by authn itself.

func (h *Handler) auditLoginRateLimited(r *http.Request, identifier string, retryAfter time.Duration) {
	h.emit(r, audit.Event{
		Type: audit.TypeLoginRateLimited,
		Meta: map[string]string{
			"identifier_hash": token.HashSHA256Hex(strings.ToLower(strings.TrimSpace(identifier))),
			"retry_after_s":   strconv.FormatInt(int64(retryAfter.Seconds()), 10),
		},
	})
}

func (h *Handler) auditGateDenied(r *http.Request, c token.AccessClaims, missing string) {
	h.emit(r, audit.Event{
		Type:        audit.TypeGateDenied,
		PrincipalID: c.PrincipalID,
		Reason:      "missing_role",
		Meta:        map[string]string{"role": missing, "path": r.URL.Path},
	})
}

func (h *Handler) emit(r *http.Request, e audit.Event) {
	if h == nil || h.audit == nil {
		return
	}
	e.Time = time.Now().UTC()
	if e.Meta == nil {
		e.Meta = map[string]string{}
	}
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		e.Meta["ip"] = ip.String()
	}
	if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
		e.Meta["user_agent"] = ua
	}
	h.audit.Emit(r.Context(), e)
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
