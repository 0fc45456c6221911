package audit

import (
	"context"
	"log/slog"
)

// LogSink writes events as structured log lines named after the event type.
// Reuse detection is logged at WARN, failures at INFO.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink over log (slog.Default when nil).
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []slog.Attr{slog.Time("event_time", e.Time)}
	if e.PrincipalID != "" {
		attrs = append(attrs, slog.String("principal_id", e.PrincipalID))
	}
	if e.ChainID != "" {
		attrs = append(attrs, slog.String("chain_id", e.ChainID))
	}
	if e.Revoked > 0 {
		attrs = append(attrs, slog.Int("revoked", e.Revoked))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	for k, v := range e.Meta {
		attrs = append(attrs, slog.String(k, v))
	}

	level := slog.LevelInfo
	if e.Type == TypeRefreshReuseDetected {
		level = slog.LevelWarn
	}
	s.log.LogAttrs(ctx, level, e.Type, attrs...)
}
