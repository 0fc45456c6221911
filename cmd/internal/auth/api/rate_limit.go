package authapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"credo/cmd/internal/ratelimit"
)

// checkLoginThrottle reports whether the request was answered (throttled or
// throttle backend down).
func (h *Handler) checkLoginThrottle(w http.ResponseWriter, r *http.Request, identifier string) bool {
	if h.limiter == nil {
		return false
	}

	retryAfter, err := h.limiter.Check(r.Context(), identifier, h.ipString(r))
	switch {
	case err == nil:
		return false
	case errors.Is(err, ratelimit.ErrRateLimited):
		h.auditLoginRateLimited(r, identifier, retryAfter)
		writeRateLimited(w, retryAfter)
		return true
	default:
		h.log.Error("auth.login.throttle.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return true
	}
}

func (h *Handler) recordLoginFailure(r *http.Request, identifier string) {
	if h.limiter == nil {
		return
	}
	if err := h.limiter.Fail(r.Context(), identifier, h.ipString(r)); err != nil {
		h.log.Warn("auth.login.throttle.record.fail", "err", err)
	}
}

func (h *Handler) resetLoginFailures(r *http.Request, identifier string) {
	if h.limiter == nil {
		return
	}
	if err := h.limiter.Reset(r.Context(), identifier); err != nil {
		h.log.Warn("auth.login.throttle.reset.fail", "err", err)
	}
}

func (h *Handler) ipString(r *http.Request) string {
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		return ip.String()
	}
	return ""
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
