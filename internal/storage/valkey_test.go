package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestValkey(t *testing.T) (*Valkey, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	v, err := NewValkeyFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v, mr
}

func TestValkeyFromURLBadAddress(t *testing.T) {
	if _, err := NewValkeyFromURL(context.Background(), "://not-a-url"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewValkeyFromURL(context.Background(), "redis://127.0.0.1:1"); err == nil {
		t.Fatal("expected ping error for a dead address")
	}
}

func TestValkeyValueGetMissingKey(t *testing.T) {
	v, _ := newTestValkey(t)

	got, err := v.ValueGet(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("missing key returned %q, want nil", got)
	}
}

func TestValkeyValueSetGet(t *testing.T) {
	v, _ := newTestValkey(t)
	ctx := context.Background()

	if err := v.ValueSet(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := v.ValueGet(ctx, "k")
	if err != nil || !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("get = %q, %v, want v1", got, err)
	}
}

func TestValkeyHashSetAppliesTTL(t *testing.T) {
	v, mr := newTestValkey(t)
	ctx := context.Background()

	if err := v.HashSet(ctx, "h", "f", []byte("a"), 30*time.Second, false); err != nil {
		t.Fatalf("hset: %v", err)
	}

	if ttl := mr.TTL("h"); ttl != 30*time.Second {
		t.Fatalf("ttl = %v, want 30s", ttl)
	}

	got, err := v.HashGet(ctx, "h", "f")
	if err != nil || !bytes.Equal(got, []byte("a")) {
		t.Fatalf("hget = %q, %v, want a", got, err)
	}

	// Missing field and missing key both come back as nil without error.
	if got, err := v.HashGet(ctx, "h", "other"); err != nil || got != nil {
		t.Fatalf("hget missing field = %q, %v, want nil", got, err)
	}
	if got, err := v.HashGet(ctx, "nope", "f"); err != nil || got != nil {
		t.Fatalf("hget missing key = %q, %v, want nil", got, err)
	}
}

func TestValkeyHashExpiry(t *testing.T) {
	v, mr := newTestValkey(t)
	ctx := context.Background()

	if err := v.HashSet(ctx, "h", "f", []byte("a"), time.Second, false); err != nil {
		t.Fatalf("hset: %v", err)
	}

	mr.FastForward(2 * time.Second)

	all, err := v.HashGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expired hash returned %d fields, want 0", len(all))
	}
}

func TestValkeyHashGetAll(t *testing.T) {
	v, _ := newTestValkey(t)
	ctx := context.Background()

	for _, f := range []string{"f1", "f2", "f3"} {
		if err := v.HashSet(ctx, "h", f, []byte(f+"-val"), 0, false); err != nil {
			t.Fatalf("hset %s: %v", f, err)
		}
	}

	all, err := v.HashGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if len(all) != 3 || !bytes.Equal(all["f2"], []byte("f2-val")) {
		t.Fatalf("hgetall = %v, want 3 fields", all)
	}
}

func TestValkeyPublishSubscribe(t *testing.T) {
	v, _ := newTestValkey(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	unsub, err := v.Subscribe(ctx, "ch", func(p []byte) { got <- p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := v.HashSet(ctx, "ch", "f", []byte("frame"), 0, true); err != nil {
		t.Fatalf("hset publish: %v", err)
	}

	select {
	case p := <-got:
		if !bytes.Equal(p, []byte("frame")) {
			t.Fatalf("payload = %q, want frame", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}

func TestValkeySubscriberCount(t *testing.T) {
	v, _ := newTestValkey(t)
	ctx := context.Background()

	u1, _ := v.Subscribe(ctx, "ch", func([]byte) {})
	u2, _ := v.Subscribe(ctx, "ch", func([]byte) {})

	if n := v.SubscriberCount("ch"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	u1()
	u1() // idempotent
	if n := v.SubscriberCount("ch"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	u2()
	if n := v.SubscriberCount("ch"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}
