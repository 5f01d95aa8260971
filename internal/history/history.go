// Package history persists per-session chat turns in storage so any gateway
// process can reload a conversation.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/storage"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// Store keeps turns in the hash history:<sessionId>, one field per turn, keyed
// by the event field key of the turn's final frame so field-key order equals
// append order. Every write refreshes the session TTL.
type Store struct {
	store storage.Storage
	ttl   time.Duration
	log   *slog.Logger
}

func New(store storage.Storage, ttl time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{store: store, ttl: ttl, log: log}
}

func key(sessionID string) string { return "history:" + sessionID }

// Push appends one turn to the session.
func (s *Store) Push(ctx context.Context, sessionID, fieldKey string, turn providers.ChatTurn) error {
	raw, err := json.Marshal(turn)
	if err != nil {
		return aierr.Wrap(aierr.CodeStorageListPushError, "encode turn", err)
	}
	return s.store.HashSet(ctx, key(sessionID), fieldKey, raw, s.ttl, false)
}

// Range returns the session's turns oldest first. A session that expired (or
// never existed) yields an empty slice, not an error.
func (s *Store) Range(ctx context.Context, sessionID string) ([]providers.ChatTurn, error) {
	all, err := s.store.HashGetAll(ctx, key(sessionID))
	if err != nil {
		return nil, aierr.Wrap(aierr.CodeHistoryGetError, "session "+sessionID, err)
	}

	turns := make([]providers.ChatTurn, 0, len(all))
	for _, k := range events.SortFieldKeys(all) {
		var t providers.ChatTurn
		if err := json.Unmarshal(all[k], &t); err != nil {
			s.log.Warn("history_decode_error",
				slog.String("session_id", sessionID),
				slog.String("field", k))
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}
