package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"credo/cmd/identity"
	"credo/cmd/internal/auth/audit"
	"credo/cmd/internal/auth/authn"
	"credo/cmd/internal/ratelimit"
)

// Service is the slice of authn.Service the HTTP layer drives.
type Service interface {
	AccessVerifier
	Register(ctx context.Context, in authn.RegisterInput) (identity.Profile, error)
	Login(ctx context.Context, identifier, password string) (authn.TokenPair, error)
	Refresh(ctx context.Context, presented string) (authn.TokenPair, error)
	Logout(ctx context.Context, presented string) error
}

// Handler wires HTTP auth endpoints to the authentication service.
type Handler struct {
	log *slog.Logger
	cfg Config

	svc     Service
	limiter *ratelimit.Limiter
	feed    http.Handler
	audit   audit.Sink
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLimiter enables login throttling.
func WithLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// WithEventFeed mounts the live security event feed at /security/events.
func WithEventFeed(feed http.Handler) HandlerOption {
	return func(h *Handler) { h.feed = feed }
}

// WithAudit sets the sink for HTTP-level security events.
func WithAudit(s audit.Sink) HandlerOption {
	return func(h *Handler) { h.audit = s }
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, svc Service, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("authapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{log: log, cfg: cfg.withDefaults(), svc: svc, audit: audit.NopSink{}}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.audit == nil {
		h.audit = audit.NopSink{}
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.Handle("/auth/me", RequireRoles(h.svc)(http.HandlerFunc(h.handleMe)))

	if h.feed != nil {
		mux.Handle("/security/events", requireRoles(h.svc, h.auditGateDenied, h.cfg.FeedRole)(h.feed))
	}
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	p, err := h.svc.Register(r.Context(), authn.RegisterInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		Roles:      req.Roles,
	})
	if err != nil {
		h.writeServiceError(w, "register", err)
		return
	}

	writeJSON(w, http.StatusCreated, toProfileResponse(p))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "identifier and password are required")
		return
	}

	// Throttle before touching the credential store.
	if h.checkLoginThrottle(w, r, req.Identifier) {
		return
	}

	pair, err := h.svc.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, authn.ErrInvalidCredentials) {
			h.recordLoginFailure(r, req.Identifier)
		}
		h.writeServiceError(w, "login", err)
		return
	}
	h.resetLoginFailures(r, req.Identifier)

	writeJSON(w, http.StatusOK, toTokenPairResponse(pair))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeServiceError(w, "refresh", err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenPairResponse(pair))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeServiceError(w, "logout", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeReauthRequired(w)
		return
	}
	writeJSON(w, http.StatusOK, toMeResponse(claims))
}

// ---- error mapping ----

// writeServiceError maps service outcomes to status codes. All four
// authentication failures share one body so clients cannot tell them apart.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var ve authn.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "invalid_request", ve.Field+": "+ve.Msg)
	case errors.Is(err, authn.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, authn.ErrDuplicateIdentifier):
		writeError(w, http.StatusConflict, "conflict", "identifier already registered")
	case authn.IsReauthRequired(err):
		writeReauthRequired(w)
	case errors.Is(err, authn.ErrStoreUnavailable):
		h.log.Error("auth."+op+".store.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		h.log.Error("auth."+op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeReauthRequired(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="credo"`)
	writeError(w, http.StatusUnauthorized, "reauth_required", "authentication required")
}
