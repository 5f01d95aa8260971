// Package engine is the gateway core: it resolves request options, walks the
// model fallback chain, enforces per-model budgets, drives retries and
// timeouts, and wires streaming responses into the session bus and the
// history store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/history"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/internal/session"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// Config carries the engine-level option defaults. Per-model and per-request
// values override them during resolution.
type Config struct {
	RequestTimeout time.Duration // upstream call timeout, doubles as stream-idle timeout
	RetryMax       int           // attempts after the first failure
	RetryInterval  time.Duration // fixed backoff between retries
	Context        string        // default system instruction
	Temperature    float64
}

// Request is one prompt from a caller, already authenticated by the boundary.
type Request struct {
	Prompt string

	// SessionID attaches the request to an existing session. NewSession asks
	// for one to be created when SessionID is empty.
	SessionID  string
	NewSession bool

	// Resume replays a stored stream instead of prompting. ResumeEventID
	// narrows the replay to frames after the given event id.
	Resume        bool
	ResumeEventID string

	// Models overrides the configured fallback chain ("provider:name" refs).
	Models []string

	// Per-request option overrides. Zero values defer to model/engine defaults.
	Context     string
	Temperature float64
	MaxTokens   int
}

// StreamHandle is a live streaming response. Events carries canonical frames
// and is closed after the terminal frame. Cancel stops the upstream read,
// the timers and the publisher; a cancelled stream writes no history.
type StreamHandle struct {
	SessionID string
	Events    <-chan events.Event
	Cancel    func()
}

type Engine struct {
	cfg Config
	reg *registry.Registry
	his *history.Store
	bus *session.Bus
	met *metrics.Registry
	log *slog.Logger
	ids *events.IDSource
}

func New(cfg Config, reg *registry.Registry, his *history.Store, bus *session.Bus,
	met *metrics.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg: cfg,
		reg: reg,
		his: his,
		bus: bus,
		met: met,
		log: log,
		ids: events.NewIDSource(),
	}
}

// Request serves a non-streaming prompt: select a ready model, call it with
// retry and fallback, append the turn to history when a session is attached.
func (e *Engine) Request(ctx context.Context, req Request) (*providers.ContentResponse, error) {
	if req.Prompt == "" {
		return nil, aierr.New(aierr.CodeOptionsError, "prompt is required")
	}

	sessionID, turns, err := e.openSession(ctx, req)
	if err != nil {
		return nil, err
	}
	candidates, err := e.candidates(req)
	if err != nil {
		return nil, err
	}

	tried := make(map[string]struct{})
	var lastErr error
	for {
		m, err := e.selectNext(ctx, candidates, tried, &lastErr)
		if err != nil {
			return nil, err
		}

		client, err := e.reg.Client(m.Ref.Provider)
		if err != nil {
			return nil, err
		}

		opStart := time.Now()
		resp, err := e.callRequest(ctx, client, m, req.Prompt, e.resolveOptions(m, req, turns))
		if err != nil {
			if e.fallback(ctx, m, err, opStart, tried) {
				lastErr = err
				continue
			}
			return nil, err
		}

		resp.SessionID = sessionID
		if sessionID != "" {
			_, fieldKey := e.ids.Next()
			turn := providers.ChatTurn{Prompt: req.Prompt, Response: resp.Text}
			if err := e.his.Push(ctx, sessionID, fieldKey, turn); err != nil {
				e.log.Warn("history_push_error",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
		}

		e.met.RecordRequest(m.Ref.Provider, m.Ref.Name, "prompt", "ok")
		e.met.SetModelState(m.Ref.String(), true)
		return resp, nil
	}
}

// openSession resolves the session id (creating one when asked) and loads the
// prior turns of an existing session.
func (e *Engine) openSession(ctx context.Context, req Request) (string, []providers.ChatTurn, error) {
	sessionID := req.SessionID
	if sessionID == "" && req.NewSession {
		sessionID = uuid.New().String()
	}
	if req.SessionID == "" {
		return sessionID, nil, nil
	}
	turns, err := e.his.Range(ctx, req.SessionID)
	if err != nil {
		return "", nil, err
	}
	return sessionID, turns, nil
}

// candidates resolves the fallback chain for one request.
func (e *Engine) candidates(req Request) ([]*registry.Model, error) {
	if len(req.Models) == 0 {
		return e.reg.Models(), nil
	}
	out := make([]*registry.Model, 0, len(req.Models))
	for _, s := range req.Models {
		ref, err := registry.ParseRef(s)
		if err != nil {
			return nil, err
		}
		m, err := e.reg.Lookup(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// selectNext picks the next ready candidate and admits it through the rate
// gate. A model over its window budget is skipped for this request but keeps
// its ready state: the gate is local admission control, not a provider
// failure, and the next window readmits the model on its own. The error-state
// path is reserved for upstream 429s. When the chain ends on a gate rejection
// the rejection itself is surfaced, so the caller gets the waitSeconds hint;
// otherwise exhaustion is PROVIDER_NO_MODELS_AVAILABLE with the last provider
// error as cause.
func (e *Engine) selectNext(ctx context.Context, candidates []*registry.Model,
	tried map[string]struct{}, lastErr *error) (*registry.Model, error) {
	for {
		m, err := e.reg.Select(ctx, candidates, tried, time.Now())
		if err != nil {
			return nil, err
		}
		if m == nil {
			e.met.RecordFallbackExhausted()
			var gate *aierr.Error
			if errors.As(*lastErr, &gate) && gate.Code == aierr.CodeProviderRateLimit && gate.WaitSeconds > 0 {
				return nil, *lastErr
			}
			return nil, aierr.Wrap(aierr.CodeNoModelsAvailable,
				"every candidate model is errored, rate limited or already tried", *lastErr)
		}

		if err := e.reg.CheckRate(ctx, m, time.Now()); err != nil {
			if aierr.CodeOf(err) != aierr.CodeProviderRateLimit {
				return nil, err
			}
			e.met.RecordRateLimitRejection(m.Ref.String())
			tried[m.Key()] = struct{}{}
			*lastErr = err
			continue
		}
		return m, nil
	}
}

// fallback handles a provider failure: retryable/fallback codes mark the model
// errored and report true so the caller moves on; anything else reports false.
func (e *Engine) fallback(ctx context.Context, m *registry.Model, err error, opStart time.Time, tried map[string]struct{}) bool {
	code := aierr.CodeOf(err)
	if !aierr.Retryable(code) {
		return false
	}
	if merr := e.reg.MarkError(context.WithoutCancel(ctx), m, code, opStart); merr != nil {
		e.log.Warn("mark_error_failed",
			slog.String("model", m.Ref.String()),
			slog.String("error", merr.Error()))
	}
	e.met.SetModelState(m.Ref.String(), false)
	e.met.RecordFallback(m.Ref.String(), "", code)
	tried[m.Key()] = struct{}{}
	return true
}

// callRequest runs the retry loop around one model's non-streaming call.
// Timeouts are not retried; other failures are retried RetryMax times with a
// fixed interval.
func (e *Engine) callRequest(ctx context.Context, client providers.Client, m *registry.Model,
	prompt string, opts providers.Options) (*providers.ContentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.cfg.RetryInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		start := time.Now()
		resp, err := client.Request(cctx, m.Ref.Name, prompt, opts)
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			e.met.ObserveUpstreamAttempt(m.Ref.Provider, "prompt", "ok", time.Since(start))
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut {
			e.met.ObserveUpstreamAttempt(m.Ref.Provider, "prompt", "timeout", time.Since(start))
			return nil, aierr.Wrap(aierr.CodeProviderRequestTimeout,
				fmt.Sprintf("model %s: no response within %s", m.Ref, e.cfg.RequestTimeout), err)
		}

		e.met.ObserveUpstreamAttempt(m.Ref.Provider, "prompt", "error", time.Since(start))
		lastErr = err
	}
	return nil, lastErr
}

// resolveOptions merges engine defaults, per-model limits and per-request
// overrides into the options one upstream call gets.
func (e *Engine) resolveOptions(m *registry.Model, req Request, turns []providers.ChatTurn) providers.Options {
	opts := providers.Options{
		Context:     e.cfg.Context,
		Temperature: e.cfg.Temperature,
		MaxTokens:   m.Limits.MaxTokens,
		History:     turns,
	}
	if req.Context != "" {
		opts.Context = req.Context
	}
	if req.Temperature != 0 {
		opts.Temperature = req.Temperature
	}
	if req.MaxTokens != 0 {
		opts.MaxTokens = req.MaxTokens
	}
	return opts
}
