package history

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/storage"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	mem := storage.NewMemory(context.Background())
	t.Cleanup(func() { _ = mem.Close() })
	return New(mem, ttl, nil)
}

func TestPushRangeKeepsAppendOrder(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()
	ids := events.NewIDSource()

	want := []providers.ChatTurn{
		{Prompt: "first", Response: "one"},
		{Prompt: "second", Response: "two"},
		{Prompt: "third", Response: "three"},
	}
	for _, turn := range want {
		_, fieldKey := ids.Next()
		if err := s.Push(ctx, "sess-1", fieldKey, turn); err != nil {
			t.Fatalf("push %q: %v", turn.Prompt, err)
		}
	}

	got, err := s.Range(ctx, "sess-1")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d turns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRangeUnknownSessionIsEmpty(t *testing.T) {
	s := newTestStore(t, time.Minute)

	got, err := s.Range(context.Background(), "never-existed")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d turns, want 0", len(got))
	}
}

func TestRangeAfterExpiryIsEmpty(t *testing.T) {
	s := newTestStore(t, 20*time.Millisecond)
	ctx := context.Background()
	ids := events.NewIDSource()

	_, fieldKey := ids.Next()
	if err := s.Push(ctx, "sess-ttl", fieldKey, providers.ChatTurn{Prompt: "p", Response: "r"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	got, err := s.Range(ctx, "sess-ttl")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expired session returned %d turns, want 0", len(got))
	}
}

func TestRangeSkipsMalformedEntries(t *testing.T) {
	mem := storage.NewMemory(context.Background())
	t.Cleanup(func() { _ = mem.Close() })
	s := New(mem, time.Minute, nil)
	ctx := context.Background()
	ids := events.NewIDSource()

	_, k1 := ids.Next()
	if err := s.Push(ctx, "sess-2", k1, providers.ChatTurn{Prompt: "good", Response: "turn"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	// A corrupted field must be skipped, not fail the whole range.
	_, k2 := ids.Next()
	if err := mem.HashSet(ctx, "history:sess-2", k2, []byte("{broken"), time.Minute, false); err != nil {
		t.Fatalf("seed corrupt field: %v", err)
	}

	got, err := s.Range(ctx, "sess-2")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0].Prompt != "good" {
		t.Fatalf("got %+v, want only the valid turn", got)
	}
}
