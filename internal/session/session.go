// Package session is the stream publish/replay bus. Every frame of a
// streaming response is written to the hash session:<sessionId> and published
// on the channel of the same name, which makes streams both replayable after
// a disconnect and followable live from another process.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/storage"
)

// Bus publishes and replays encoded SSE frames for one storage backend.
type Bus struct {
	store storage.Storage
	ttl   time.Duration
	log   *slog.Logger
}

func New(store storage.Storage, ttl time.Duration, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{store: store, ttl: ttl, log: log}
}

func key(sessionID string) string { return "session:" + sessionID }

// Publish persists one frame and fans it out to live followers. Publishing is
// off the caller's critical path: failures are logged, never propagated.
func (b *Bus) Publish(ctx context.Context, sessionID, fieldKey string, ev events.Event) {
	err := b.store.HashSet(ctx, key(sessionID), fieldKey, ev.Encode(), b.ttl, true)
	if err != nil {
		b.log.Warn("publish_error",
			slog.String("session_id", sessionID),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
	}
}

// Replay returns the session's stored frames in emission order, skipping every
// frame up to and including afterEventID (all frames when it is empty). It
// also reports whether the stored stream carries a terminal frame and whether
// any frames are stored at all, so callers can tell an expired session from a
// live one that simply has nothing after the cursor.
func (b *Bus) Replay(ctx context.Context, sessionID, afterEventID string) (out []events.Event, terminal, exists bool, err error) {
	all, err := b.store.HashGetAll(ctx, key(sessionID))
	if err != nil {
		return nil, false, false, err
	}
	if len(all) == 0 {
		return nil, false, false, nil
	}

	emit := afterEventID == ""
	for _, k := range events.SortFieldKeys(all) {
		decoded := events.DecodeAll(all[k])
		if len(decoded) == 0 {
			continue
		}
		ev := decoded[0]
		if ev.Terminal() {
			terminal = true
		}
		if emit {
			out = append(out, ev)
		} else if events.FieldKeyID(k) == afterEventID {
			emit = true
		}
	}
	return out, terminal, true, nil
}

// Follow subscribes to the session's live channel and forwards frames to out
// until a terminal frame arrives or ctx is cancelled. It does not close out.
func (b *Bus) Follow(ctx context.Context, sessionID string, out chan<- events.Event) error {
	frames := make(chan events.Event, 256)

	unsub, err := b.store.Subscribe(ctx, key(sessionID), func(frame []byte) {
		decoded := events.DecodeAll(frame)
		if len(decoded) == 0 {
			return
		}
		select {
		case frames <- decoded[0]:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-frames:
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			if ev.Terminal() {
				return nil
			}
		}
	}
}
