package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisSink_PublishesJSON(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, DefaultChannel)
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := NewRedisSink(client, "", nil)
	if sink.Channel() != DefaultChannel {
		t.Fatalf("expected default channel, got %q", sink.Channel())
	}

	want := Event{
		Time:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:        TypeRefreshReuseDetected,
		PrincipalID: "p1",
		Revoked:     2,
	}
	sink.Emit(ctx, want)

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	got, err := DecodeEvent(msg.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != want.Type || got.PrincipalID != want.PrincipalID || got.Revoked != 2 || !got.Time.Equal(want.Time) {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestRedisSink_UnreachableDoesNotPanic(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	NewRedisSink(client, "custom", nil).Emit(context.Background(), Event{Type: TypeLogout})

	var nilSink *RedisSink
	nilSink.Emit(context.Background(), Event{Type: TypeLogout})
}
