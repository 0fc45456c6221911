package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// FeedSubprotocol is the websocket subprotocol monitors must offer.
const FeedSubprotocol = "credo.security-events.v1"

const (
	feedDefaultQueue        = 64
	feedDefaultWriteTimeout = 5 * time.Second
	feedDefaultHeartbeat    = 30 * time.Second
	feedDefaultPingTimeout  = 10 * time.Second
	feedMaxPingFailures     = 3
	feedReadLimit           = 1024
)

// FeedConfig tunes the live event feed.
type FeedConfig struct {
	// AllowedOrigins are full origins or hosts ("https://ops.example.com").
	// Requests without an Origin header (non-browser monitors) are accepted.
	AllowedOrigins []string

	QueueSize        int
	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
}

// Feed streams events to connected websocket monitors. It is a Sink: every
// emitted event is broadcast to all subscribers. Slow subscribers lose events
// instead of stalling the broadcaster.
type Feed struct {
	log            *slog.Logger
	cfg            FeedConfig
	originPatterns []string

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	id   string
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// NewFeed returns a feed with defaults applied to zero fields.
func NewFeed(log *slog.Logger, cfg FeedConfig) *Feed {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = feedDefaultQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = feedDefaultWriteTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = feedDefaultHeartbeat
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = feedDefaultPingTimeout
	}
	return &Feed{
		log:            log,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
		subs:           make(map[string]*subscriber),
	}
}

// Subscribers returns the number of connected monitors.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Emit broadcasts e to every subscriber without blocking.
func (f *Feed) Emit(_ context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.subs {
		select {
		case <-s.done:
		case s.send <- b:
		default:
			f.log.Debug("audit.feed.drop", "subscriber", s.id, "type", e.Type)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
// Callers authorize the request before handing it over.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{FeedSubprotocol},
		OriginPatterns: f.originPatterns,
	})
	if err != nil {
		f.log.Info("audit.feed.accept.fail", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != FeedSubprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(feedReadLimit)

	sub := &subscriber{
		id:   uuid.NewString(),
		send: make(chan []byte, f.cfg.QueueSize),
		done: make(chan struct{}),
	}
	f.join(sub)
	defer f.leave(sub)

	// Monitors only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		f.heartbeat(ctx, conn, sub)
	}()

	for {
		select {
		case <-ctx.Done():
			sub.close()
			<-heartbeatDone
			return
		case <-sub.done:
			<-heartbeatDone
			return
		case b := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, f.cfg.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				if !isPeerGone(err) {
					f.log.Info("audit.feed.write.fail", "subscriber", sub.id, "err", err)
				}
				sub.close()
				<-heartbeatDone
				return
			}
		}
	}
}

func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	t := time.NewTicker(f.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, f.cfg.HeartbeatTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= feedMaxPingFailures {
				f.log.Info("audit.feed.ping.fail", "subscriber", sub.id, "err", err)
				sub.close()
				return
			}
		}
	}
}

func (f *Feed) join(s *subscriber) {
	f.mu.Lock()
	f.subs[s.id] = s
	n := len(f.subs)
	f.mu.Unlock()
	f.log.Info("audit.feed.join", "subscriber", s.id, "subscribers", n)
}

func (f *Feed) leave(s *subscriber) {
	s.close()
	f.mu.Lock()
	delete(f.subs, s.id)
	f.mu.Unlock()
}

func isPeerGone(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

// originPatterns reduces allowed origins to host[:port] patterns for
// websocket.Accept, which matches them against the Origin header's host.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if h := originHost(a); h != "" {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	return strings.ToLower(strings.TrimSpace(s))
}
