// Package registry tracks the configured models and their shared state: the
// fixed-window rate counter and the error/restore status every gateway process
// sees through storage.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/storage"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// ReasonNone marks a ready model. Any other reason is an aierr provider code.
const ReasonNone = "NONE"

const (
	StatusReady = "ready"
	StatusError = "error"
)

// Ref identifies a model and optionally overrides the default limits and
// restore durations for it.
type Ref struct {
	Provider string
	Name     string
	Limits   *Limits
	Restore  *Restore
}

// Key is the equality and storage key: model:<provider>:<name>.
func (r Ref) Key() string { return "model:" + r.Provider + ":" + r.Name }

func (r Ref) String() string { return r.Provider + ":" + r.Name }

// ParseRef parses the compact "<provider>:<name>" form.
func ParseRef(s string) (Ref, error) {
	provider, name, ok := strings.Cut(s, ":")
	if !ok || provider == "" || name == "" {
		return Ref{}, aierr.New(aierr.CodeOptionsError,
			fmt.Sprintf("model ref %q: want <provider>:<name>", s))
	}
	return Ref{Provider: provider, Name: name}, nil
}

// Limits are the per-model request budget and token cap.
type Limits struct {
	MaxTokens    int
	RateMax      int64
	RateWindowMs int64
}

// Restore holds the per-error-class delays (ms) before an errored model is
// offered to the selector again.
type Restore struct {
	RateLimitMs     int64
	RetryMs         int64
	TimeoutMs       int64
	CommunicationMs int64
	ExceededMs      int64
}

// ForClass returns the delay for a restore class, 0 for RestoreNone.
func (r Restore) ForClass(c aierr.RestoreClass) time.Duration {
	var ms int64
	switch c {
	case aierr.RestoreRateLimit:
		ms = r.RateLimitMs
	case aierr.RestoreTimeout:
		ms = r.TimeoutMs
	case aierr.RestoreCommunication:
		ms = r.CommunicationMs
	case aierr.RestoreExceeded:
		ms = r.ExceededMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Model is a ref with fully resolved limits.
type Model struct {
	Ref     Ref
	Limits  Limits
	Restore Restore
}

func (m *Model) Key() string { return m.Ref.Key() }

// State is the shared per-model record, stored as JSON under Ref.Key().
type State struct {
	Rate        RateWindow `json:"rateLimit"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason"`
	TimestampMs int64      `json:"timestampMs"`
}

// RateWindow is the fixed-window counter.
type RateWindow struct {
	Count         int64 `json:"count"`
	WindowStartMs int64 `json:"windowStartMs"`
}

func (s *State) ready() bool { return s.Status == StatusReady }

func newState() *State {
	return &State{Status: StatusReady, Reason: ReasonNone}
}

// Registry resolves refs against the registered provider clients and mediates
// all shared-state reads and writes.
type Registry struct {
	store   storage.Storage
	log     *slog.Logger
	clients map[string]providers.Client
	models  []*Model

	defaultLimits  Limits
	defaultRestore Restore
}

// New builds a registry. Each ref's provider must have a registered client.
// Model order is preserved: it is the fallback order.
func New(store storage.Storage, clients []providers.Client, refs []Ref,
	defaultLimits Limits, defaultRestore Restore, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]providers.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}

	r := &Registry{
		store:          store,
		log:            log,
		clients:        byName,
		defaultLimits:  defaultLimits,
		defaultRestore: defaultRestore,
	}

	for _, ref := range refs {
		if _, ok := byName[ref.Provider]; !ok {
			return nil, aierr.New(aierr.CodeProviderNotFound,
				fmt.Sprintf("model %s: provider %q is not registered", ref, ref.Provider))
		}
		r.models = append(r.models, r.resolve(ref))
	}
	if len(r.models) == 0 {
		return nil, aierr.New(aierr.CodeOptionsError, "at least one model must be configured")
	}

	return r, nil
}

// Models returns the configured models in fallback order.
func (r *Registry) Models() []*Model { return r.models }

// Client returns the provider client for a resolved model.
func (r *Registry) Client(provider string) (providers.Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, aierr.New(aierr.CodeProviderNotFound,
			fmt.Sprintf("provider %q is not registered", provider))
	}
	return c, nil
}

// Lookup resolves a caller-supplied ref. Refs naming configured models reuse
// their overrides; any other ref is accepted with default limits as long as
// its provider is registered.
func (r *Registry) Lookup(ref Ref) (*Model, error) {
	for _, m := range r.models {
		if m.Ref.Provider == ref.Provider && m.Ref.Name == ref.Name {
			return m, nil
		}
	}
	if _, ok := r.clients[ref.Provider]; !ok {
		return nil, aierr.New(aierr.CodeProviderNotFound,
			fmt.Sprintf("model %s: provider %q is not registered", ref, ref.Provider))
	}
	return r.resolve(ref), nil
}

func (r *Registry) resolve(ref Ref) *Model {
	m := &Model{Ref: ref, Limits: r.defaultLimits, Restore: r.defaultRestore}
	if ref.Limits != nil {
		if ref.Limits.MaxTokens > 0 {
			m.Limits.MaxTokens = ref.Limits.MaxTokens
		}
		if ref.Limits.RateMax > 0 {
			m.Limits.RateMax = ref.Limits.RateMax
		}
		if ref.Limits.RateWindowMs > 0 {
			m.Limits.RateWindowMs = ref.Limits.RateWindowMs
		}
	}
	if ref.Restore != nil {
		if ref.Restore.RateLimitMs > 0 {
			m.Restore.RateLimitMs = ref.Restore.RateLimitMs
		}
		if ref.Restore.RetryMs > 0 {
			m.Restore.RetryMs = ref.Restore.RetryMs
		}
		if ref.Restore.TimeoutMs > 0 {
			m.Restore.TimeoutMs = ref.Restore.TimeoutMs
		}
		if ref.Restore.CommunicationMs > 0 {
			m.Restore.CommunicationMs = ref.Restore.CommunicationMs
		}
		if ref.Restore.ExceededMs > 0 {
			m.Restore.ExceededMs = ref.Restore.ExceededMs
		}
	}
	return m
}

// Select returns the first candidate that is ready, skipping keys in skip.
// An errored model whose restore deadline has elapsed is flipped back to ready
// and returned. Returns (nil, nil) when no candidate qualifies.
func (r *Registry) Select(ctx context.Context, candidates []*Model, skip map[string]struct{}, now time.Time) (*Model, error) {
	for _, m := range candidates {
		if _, tried := skip[m.Key()]; tried {
			continue
		}

		st, err := r.loadState(ctx, m)
		if err != nil {
			return nil, err
		}
		if st.ready() {
			return m, nil
		}

		delay := m.Restore.ForClass(aierr.RestoreClassOf(st.Reason))
		deadline := time.UnixMilli(st.TimestampMs).Add(delay)
		if !now.Before(deadline) {
			restored := *st
			restored.Status = StatusReady
			restored.Reason = ReasonNone
			restored.TimestampMs = now.UnixMilli()
			if err := r.writeState(ctx, m, st, &restored, true); err != nil {
				return nil, err
			}
			r.log.Info("model_restored",
				slog.String("model", m.Ref.String()),
				slog.String("reason", st.Reason))
			return m, nil
		}
	}
	return nil, nil
}

// CheckRate admits one request against the model's fixed window, writing the
// updated counter back. On a full window it fails with PROVIDER_RATE_LIMIT
// carrying the whole seconds until the window rolls over.
func (r *Registry) CheckRate(ctx context.Context, m *Model, now time.Time) error {
	st, err := r.loadState(ctx, m)
	if err != nil {
		return err
	}

	nowMs := now.UnixMilli()
	next := *st
	switch {
	case nowMs-st.Rate.WindowStartMs >= m.Limits.RateWindowMs:
		next.Rate = RateWindow{Count: 1, WindowStartMs: nowMs}
	case st.Rate.Count >= m.Limits.RateMax:
		wait := (st.Rate.WindowStartMs + m.Limits.RateWindowMs - nowMs + 999) / 1000
		e := aierr.New(aierr.CodeProviderRateLimit,
			fmt.Sprintf("model %s: window budget %d exhausted", m.Ref, m.Limits.RateMax))
		e.WaitSeconds = wait
		return e
	default:
		next.Rate.Count++
	}
	next.TimestampMs = nowMs

	// Counter updates are written back unconditionally; concurrent writers may
	// race, which bounds over-admission by the number of competing processes.
	return r.putState(ctx, m, &next)
}

// MarkError records a provider failure, flipping the model to error with the
// failing code as reason. Stamped with the operation start time so a slow
// loser cannot overwrite fresher state.
func (r *Registry) MarkError(ctx context.Context, m *Model, code string, opStart time.Time) error {
	st, err := r.loadState(ctx, m)
	if err != nil {
		return err
	}

	next := *st
	next.Status = StatusError
	next.Reason = code
	next.TimestampMs = opStart.UnixMilli()

	if err := r.writeState(ctx, m, st, &next, false); err != nil {
		return err
	}
	r.log.Warn("model_marked_error",
		slog.String("model", m.Ref.String()),
		slog.String("reason", code))
	return nil
}

func (r *Registry) loadState(ctx context.Context, m *Model) (*State, error) {
	raw, err := r.store.ValueGet(ctx, m.Key())
	if err != nil {
		return nil, aierr.Wrap(aierr.CodeModelStateError, "load "+m.Key(), err)
	}
	if raw == nil {
		return newState(), nil
	}
	st := new(State)
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, aierr.Wrap(aierr.CodeModelStateError, "decode "+m.Key(), err)
	}
	return st, nil
}

// writeState applies the state-write rule: write iff the stored record is
// absent or not newer than next (a strictly older stamp never overwrites a
// newer one; ties go to the last writer), except an error→ready restore may
// overwrite a newer record once its restore deadline has elapsed.
func (r *Registry) writeState(ctx context.Context, m *Model, cur, next *State, restore bool) error {
	if cur != nil && cur.TimestampMs > next.TimestampMs {
		if !restore || cur.Status != StatusError {
			return nil
		}
		delay := m.Restore.ForClass(aierr.RestoreClassOf(cur.Reason))
		deadline := time.UnixMilli(cur.TimestampMs).Add(delay)
		if time.UnixMilli(next.TimestampMs).Before(deadline) {
			return nil
		}
	}

	return r.putState(ctx, m, next)
}

func (r *Registry) putState(ctx context.Context, m *Model, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return aierr.Wrap(aierr.CodeModelStateError, "encode "+m.Key(), err)
	}
	if err := r.store.ValueSet(ctx, m.Key(), raw); err != nil {
		return aierr.Wrap(aierr.CodeModelStateError, "store "+m.Key(), err)
	}
	return nil
}
