package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel security events are published on.
const DefaultChannel = "credo:security-events"

// RedisSink publishes events as JSON so other services (SIEM bridges,
// alerting) can subscribe without touching the auth database.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	log     *slog.Logger
}

// NewRedisSink publishes on channel (DefaultChannel when empty).
func NewRedisSink(client redis.UniversalClient, channel string, log *slog.Logger) *RedisSink {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisSink{client: client, channel: channel, timeout: 2 * time.Second, log: log}
}

// Channel returns the pub/sub channel name.
func (s *RedisSink) Channel() string { return s.channel }

func (s *RedisSink) Emit(ctx context.Context, e Event) {
	if s == nil || s.client == nil {
		return
	}

	b, err := json.Marshal(e)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		s.log.Warn("audit.redis.publish.fail", "err", err, "type", e.Type)
	}
}

// DecodeEvent parses a published payload.
func DecodeEvent(payload string) (Event, error) {
	var e Event
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}
