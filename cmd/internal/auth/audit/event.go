package audit

import (
	"context"
	"time"
)

// Event types.
const (
	TypeRegister             = "auth.register"
	TypeLoginSuccess         = "auth.login.success"
	TypeLoginFailed          = "auth.login.failed"
	TypeRefreshSuccess       = "auth.refresh.success"
	TypeRefreshReuseDetected = "auth.refresh.reuse_detected"
	TypeLogout               = "auth.logout"
	TypeLoginRateLimited     = "auth.login.rate_limited"
	TypeGateDenied           = "auth.gate.denied"
)

// Event is one security-relevant outcome. It never carries secrets: TokenID
// is the stored hash, never the presented refresh secret.
type Event struct {
	Time        time.Time         `json:"time"`
	Type        string            `json:"type"`
	PrincipalID string            `json:"principal_id,omitempty"`
	ChainID     string            `json:"chain_id,omitempty"`
	TokenID     string            `json:"token_id,omitempty"`
	Revoked     int               `json:"revoked,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Sink receives events. Emit must not block the caller for long and never fails.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// MultiSink emits to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// RecorderSink keeps events in memory. Used by tests.
type RecorderSink struct {
	ch chan Event
}

// NewRecorderSink buffers up to n events; further events are dropped.
func NewRecorderSink(n int) *RecorderSink {
	if n <= 0 {
		n = 64
	}
	return &RecorderSink{ch: make(chan Event, n)}
}

func (r *RecorderSink) Emit(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Events drains what has been recorded so far.
func (r *RecorderSink) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
