package authn

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the service's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	register     *prometheus.CounterVec
	login        *prometheus.CounterVec
	refresh      *prometheus.CounterVec
	logout       prometheus.Counter
	reuse        prometheus.Counter
	chainRevoked prometheus.Counter
	duration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		register: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credo_auth_register_total",
			Help: "Registration attempts by result.",
		}, []string{"result"}),
		login: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credo_auth_login_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credo_auth_refresh_total",
			Help: "Refresh attempts by result.",
		}, []string{"result"}),
		logout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credo_auth_logout_total",
			Help: "Logout requests.",
		}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credo_auth_reuse_detected_total",
			Help: "Presentations of already-rotated or revoked refresh tokens.",
		}),
		chainRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credo_auth_chain_tokens_revoked_total",
			Help: "Refresh tokens revoked by lineage revocation.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credo_auth_operation_seconds",
			Help:    "Service operation latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.register, m.login, m.refresh, m.logout, m.reuse, m.chainRevoked, m.duration)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) registered(err error) {
	if m != nil {
		m.register.WithLabelValues(resultLabel(err)).Inc()
	}
}

func (m *Metrics) loggedIn(err error) {
	if m != nil {
		m.login.WithLabelValues(resultLabel(err)).Inc()
	}
}

func (m *Metrics) refreshed(err error) {
	if m != nil {
		m.refresh.WithLabelValues(resultLabel(err)).Inc()
	}
}

func (m *Metrics) loggedOut() {
	if m != nil {
		m.logout.Inc()
	}
}

func (m *Metrics) reuseDetected(revoked int) {
	if m == nil {
		return
	}
	m.reuse.Inc()
	m.chainRevoked.Add(float64(revoked))
}

func (m *Metrics) chainTokensRevoked(n int) {
	if m != nil && n > 0 {
		m.chainRevoked.Add(float64(n))
	}
}

// resultLabel maps an operation outcome to a bounded label value.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrDuplicateIdentifier):
		return "duplicate"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenReuseDetected):
		return "reuse_detected"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
