package storage

import (
	"context"
	"sync"
	"time"
)

// memHash is one hash key with its whole-key expiry.
type memHash struct {
	fields    map[string][]byte
	expiresAt time.Time
}

func (h *memHash) expired(now time.Time) bool {
	return !h.expiresAt.IsZero() && now.After(h.expiresAt)
}

// memSubscriber wraps a callback so the same function value can be registered
// more than once and removed individually.
type memSubscriber struct {
	fn func([]byte)
}

// Memory is the in-process Storage backend.
//
// It is safe for concurrent use. Expired hashes are dropped lazily on access
// and swept periodically in the background. Publish delivers synchronously on
// the calling goroutine before HashSet returns, so an in-process subscriber
// registered before the call observes the value exactly once.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	hashes map[string]*memHash

	subMu sync.RWMutex
	subs  map[string][]*memSubscriber

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a Memory backend and starts the background sweep loop.
// The sweeper stops when ctx is cancelled or Close is called.
func NewMemory(ctx context.Context) *Memory {
	m := &Memory{
		values: make(map[string][]byte),
		hashes: make(map[string]*memHash),
		subs:   make(map[string][]*memSubscriber),
		done:   make(chan struct{}),
	}
	go m.sweep(ctx)
	return m
}

func (m *Memory) ValueGet(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) ValueSet(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	m.values[key] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) HashSet(_ context.Context, key, field string, value []byte, ttl time.Duration, publish bool) error {
	v := make([]byte, len(value))
	copy(v, value)
	now := time.Now()

	m.mu.Lock()
	h, ok := m.hashes[key]
	if !ok || h.expired(now) {
		h = &memHash{fields: make(map[string][]byte)}
		m.hashes[key] = h
	}
	h.fields[field] = v
	// Setting any field refreshes the whole-key TTL.
	if ttl > 0 {
		h.expiresAt = now.Add(ttl)
	} else {
		h.expiresAt = time.Time{}
	}
	m.mu.Unlock()

	if publish {
		m.deliver(key, v)
	}
	return nil
}

func (m *Memory) HashGet(_ context.Context, key, field string) ([]byte, error) {
	now := time.Now()

	m.mu.RLock()
	h, ok := m.hashes[key]
	if !ok || h.expired(now) {
		m.mu.RUnlock()
		m.dropExpired(key, now)
		return nil, nil
	}
	v, ok := h.fields[field]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string][]byte, error) {
	now := time.Now()
	out := make(map[string][]byte)

	m.mu.RLock()
	h, ok := m.hashes[key]
	if !ok || h.expired(now) {
		m.mu.RUnlock()
		m.dropExpired(key, now)
		return out, nil
	}
	for f, v := range h.fields {
		c := make([]byte, len(v))
		copy(c, v)
		out[f] = c
	}
	m.mu.RUnlock()

	return out, nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, fn func([]byte)) (func(), error) {
	sub := &memSubscriber{fn: fn}

	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(channel, sub) })
	}, nil
}

func (m *Memory) SubscriberCount(channel string) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs[channel])
}

// Close stops the background sweep goroutine.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) unsubscribe(channel string, sub *memSubscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	list := m.subs[channel]
	for i, s := range list {
		if s == sub {
			m.subs[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[channel]) == 0 {
		delete(m.subs, channel)
	}
}

// deliver invokes every subscriber of channel synchronously, in registration
// order. Callbacks receive their own copy of the payload.
func (m *Memory) deliver(channel string, payload []byte) {
	m.subMu.RLock()
	list := make([]*memSubscriber, len(m.subs[channel]))
	copy(list, m.subs[channel])
	m.subMu.RUnlock()

	for _, s := range list {
		p := make([]byte, len(payload))
		copy(p, payload)
		s.fn(p)
	}
}

// dropExpired removes key if its hash has expired. Opportunistic cleanup on
// the read path, mirroring lazy expiry on write.
func (m *Memory) dropExpired(key string, now time.Time) {
	m.mu.Lock()
	if h, ok := m.hashes[key]; ok && h.expired(now) {
		delete(m.hashes, key)
	}
	m.mu.Unlock()
}

// sweep runs every 5 minutes and evicts all expired hashes.
func (m *Memory) sweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, h := range m.hashes {
				if h.expired(now) {
					delete(m.hashes, k)
				}
			}
			m.mu.Unlock()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}
