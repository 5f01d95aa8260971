// Package storage provides the shared-state capability behind the gateway:
// opaque key/value records, hashes with a whole-key TTL, and pub/sub.
//
// Two backends are available:
//   - Memory — in-process maps with lazy expiry. Single-instance deployments
//     and tests.
//   - Valkey — Redis-protocol server via go-redis, so model state, session
//     history and live stream fan-out are shared across replicas.
//
// Both implement the Storage interface and are fully interchangeable.
package storage

import (
	"context"
	"time"
)

// Storage is the capability set every backend implements.
//
// Hot-path callers (rate gate, model state) treat errors as fatal for the
// current request; cold-path callers (history append, publish) log and swallow
// them.
type Storage interface {
	// ValueGet returns the value stored under key, or (nil, nil) when the key
	// does not exist.
	ValueGet(ctx context.Context, key string) ([]byte, error)

	// ValueSet stores value under key, replacing any previous value.
	ValueSet(ctx context.Context, key string, value []byte) error

	// HashSet writes one field of the hash at key and refreshes the whole-key
	// TTL. When publish is true the value is additionally emitted on the
	// pub/sub channel named key.
	HashSet(ctx context.Context, key, field string, value []byte, ttl time.Duration, publish bool) error

	// HashGet returns one field of the hash at key, or (nil, nil) when the key
	// or field does not exist.
	HashGet(ctx context.Context, key, field string) ([]byte, error)

	// HashGetAll returns every field of the hash at key. An expired or missing
	// key yields an empty map.
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// Subscribe registers fn as a subscriber of channel and returns the
	// matching unsubscribe function. Multiple subscribers per channel are
	// supported; the channel subscription is reference-counted.
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (func(), error)

	// SubscriberCount returns the number of local subscribers on channel.
	SubscriberCount(channel string) int

	// Close releases backend connections and stops background goroutines.
	Close() error
}
