package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestFeed_StreamsEmittedEvents(t *testing.T) {
	t.Parallel()

	feed := NewFeed(nil, FeedConfig{})
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], &websocket.DialOptions{
		Subprotocols: []string{FeedSubprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	waitFor(t, func() bool { return feed.Subscribers() == 1 })

	feed.Emit(ctx, Event{Type: TypeRefreshReuseDetected, PrincipalID: "p1", Revoked: 4})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := DecodeEvent(string(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeRefreshReuseDetected || got.PrincipalID != "p1" || got.Revoked != 4 {
		t.Fatalf("unexpected event: %+v", got)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, func() bool { return feed.Subscribers() == 0 })
}

func TestFeed_RequiresSubprotocol(t *testing.T) {
	t.Parallel()

	feed := NewFeed(nil, FeedConfig{})
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("expected protocol error close, got %v", err)
	}
}

func TestFeed_EmitWithoutSubscribers(t *testing.T) {
	t.Parallel()

	feed := NewFeed(nil, FeedConfig{})
	feed.Emit(context.Background(), Event{Type: TypeLogout})
	if feed.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := originPatterns([]string{"https://Ops.Example.com:8443", "localhost:3000", "http://localhost", "http://localhost", " "})
	want := []string{"localhost", "localhost:3000", "ops.example.com:8443"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("originPatterns = %v, want %v", got, want)
	}
}

func TestFeed_OriginWithPort(t *testing.T) {
	t.Parallel()

	feed := NewFeed(nil, FeedConfig{AllowedOrigins: []string{"https://ops.example.com:8443"}})
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial := func(origin string) (*websocket.Conn, error) {
		h := http.Header{}
		h.Set("Origin", origin)
		conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], &websocket.DialOptions{
			Subprotocols: []string{FeedSubprotocol},
			HTTPHeader:   h,
		})
		return conn, err
	}

	conn, err := dial("https://ops.example.com:8443")
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	if conn, err := dial("https://ops.example.com:9443"); err == nil {
		_ = conn.CloseNow()
		t.Fatal("origin on another port must be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
