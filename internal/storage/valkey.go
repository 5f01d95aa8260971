package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// Valkey is the Redis-protocol Storage backend.
//
// Commands run on the primary connection pool; subscriptions use the
// dedicated connection go-redis allocates for PubSub, because Redis-compatible
// servers forbid mixing subscribe mode with regular commands on one
// connection. Channel subscriptions are reference-counted locally so the
// server sees at most one SUBSCRIBE per channel per process.
type Valkey struct {
	client *redis.Client

	subMu  sync.Mutex
	pubsub *redis.PubSub
	subs   map[string][]*valkeySubscriber
}

type valkeySubscriber struct {
	fn func([]byte)
}

// NewValkeyFromURL parses a redis:// / valkey-compatible URL, verifies the
// connection with a PING, and returns the backend.
func NewValkeyFromURL(ctx context.Context, url string) (*Valkey, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return NewValkeyFromClient(cli), nil
}

// NewValkeyFromClient wraps an existing client. The backend takes ownership:
// Close closes the client.
func NewValkeyFromClient(cli *redis.Client) *Valkey {
	return &Valkey{
		client: cli,
		subs:   make(map[string][]*valkeySubscriber),
	}
}

func (v *Valkey) ValueGet(ctx context.Context, key string) ([]byte, error) {
	val, err := v.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, aierr.Wrap(aierr.CodeStorageGetError, "GET "+key, err)
	}
	return val, nil
}

func (v *Valkey) ValueSet(ctx context.Context, key string, value []byte) error {
	if err := v.client.Set(ctx, key, value, 0).Err(); err != nil {
		return aierr.Wrap(aierr.CodeStorageSetError, "SET "+key, err)
	}
	return nil
}

func (v *Valkey) HashSet(ctx context.Context, key, field string, value []byte, ttl time.Duration, publish bool) error {
	_, err := v.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, value)
		if ttl > 0 {
			// The whole key carries one TTL, refreshed on every write.
			pipe.Expire(ctx, key, time.Duration(math.Ceil(ttl.Seconds()))*time.Second)
		}
		return nil
	})
	if err != nil {
		return aierr.Wrap(aierr.CodeStorageListPushError, "HSET "+key, err)
	}

	if publish {
		if err := v.client.Publish(ctx, key, value).Err(); err != nil {
			return aierr.Wrap(aierr.CodeStorageListPushError, "PUBLISH "+key, err)
		}
	}
	return nil
}

func (v *Valkey) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := v.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, aierr.Wrap(aierr.CodeStorageGetError, "HGET "+key, err)
	}
	return val, nil
}

func (v *Valkey) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	raw, err := v.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, aierr.Wrap(aierr.CodeStorageListRangeError, "HGETALL "+key, err)
	}
	out := make(map[string][]byte, len(raw))
	for f, s := range raw {
		out[f] = []byte(s)
	}
	return out, nil
}

func (v *Valkey) Subscribe(ctx context.Context, channel string, fn func([]byte)) (func(), error) {
	sub := &valkeySubscriber{fn: fn}

	v.subMu.Lock()
	defer v.subMu.Unlock()

	if v.pubsub == nil {
		v.pubsub = v.client.Subscribe(ctx)
		go v.dispatch(v.pubsub)
	}

	if len(v.subs[channel]) == 0 {
		if err := v.pubsub.Subscribe(ctx, channel); err != nil {
			return nil, aierr.Wrap(aierr.CodeStorageGetError, "SUBSCRIBE "+channel, err)
		}
	}
	v.subs[channel] = append(v.subs[channel], sub)

	var once sync.Once
	return func() {
		once.Do(func() { v.unsubscribe(channel, sub) })
	}, nil
}

func (v *Valkey) SubscriberCount(channel string) int {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	return len(v.subs[channel])
}

func (v *Valkey) Close() error {
	v.subMu.Lock()
	if v.pubsub != nil {
		_ = v.pubsub.Close()
		v.pubsub = nil
	}
	v.subMu.Unlock()
	return v.client.Close()
}

func (v *Valkey) unsubscribe(channel string, sub *valkeySubscriber) {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	list := v.subs[channel]
	for i, s := range list {
		if s == sub {
			v.subs[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(v.subs[channel]) == 0 {
		delete(v.subs, channel)
		if v.pubsub != nil {
			_ = v.pubsub.Unsubscribe(context.Background(), channel)
		}
	}
}

// dispatch fans incoming pub/sub messages out to local subscribers. Runs until
// the PubSub is closed.
func (v *Valkey) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		v.subMu.Lock()
		list := make([]*valkeySubscriber, len(v.subs[msg.Channel]))
		copy(list, v.subs[msg.Channel])
		v.subMu.Unlock()

		for _, s := range list {
			s.fn([]byte(msg.Payload))
		}
	}
}
