package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// Stream serves a streaming prompt or resumes a stored stream.
//
// A resume request (Resume or ResumeEventID set) first replays the session's
// stored frames after the cursor; when the stored stream has no terminal frame
// yet, it then follows live frames until one arrives. A session with nothing
// stored falls through to a fresh prompt.
func (e *Engine) Stream(ctx context.Context, req Request) (*StreamHandle, error) {
	if req.SessionID != "" && (req.Resume || req.ResumeEventID != "") {
		h, ok, err := e.resume(ctx, req)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}
		e.met.RecordStreamResume("fresh")
	}

	if req.Prompt == "" {
		return nil, aierr.New(aierr.CodeOptionsError, "prompt is required")
	}

	// Streams always run under a session: every frame is published for resume.
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	var turns []providers.ChatTurn
	if req.SessionID != "" {
		var err error
		if turns, err = e.his.Range(ctx, req.SessionID); err != nil {
			return nil, err
		}
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
		sctx, cancel, first, upstream, err := e.openStream(ctx, client, m, req.Prompt, e.resolveOptions(m, req, turns))
		if err != nil {
			if e.fallback(ctx, m, err, opStart, tried) {
				lastErr = err
				continue
			}
			return nil, err
		}

		out := make(chan events.Event, 64)
		go e.pump(sctx, m, sessionID, req.Prompt, opStart, first, upstream, out)

		e.met.SetModelState(m.Ref.String(), true)
		return &StreamHandle{SessionID: sessionID, Events: out, Cancel: cancel}, nil
	}
}

// openStream runs the retry loop around opening one model's stream. Success
// means the first frame arrived and is not an error frame; the initial-byte
// clock is RequestTimeout and, like any timeout, is not retried.
func (e *Engine) openStream(ctx context.Context, client providers.Client, m *registry.Model,
	prompt string, opts providers.Options) (context.Context, context.CancelFunc, events.Event, <-chan events.Event, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.cfg.RetryInterval):
			case <-ctx.Done():
				return nil, nil, events.Event{}, nil, ctx.Err()
			}
		}

		sctx, cancel := context.WithCancel(ctx)
		start := time.Now()
		upstream, err := client.Stream(sctx, m.Ref.Name, prompt, opts)
		if err == nil {
			var first events.Event
			first, err = e.awaitFirst(sctx, m, upstream)
			if err == nil {
				e.met.ObserveUpstreamAttempt(m.Ref.Provider, "stream", "ok", time.Since(start))
				return sctx, cancel, first, upstream, nil
			}
		}
		cancel()

		if ctx.Err() != nil {
			return nil, nil, events.Event{}, nil, ctx.Err()
		}
		if aierr.CodeOf(err) == aierr.CodeProviderRequestTimeout {
			e.met.ObserveUpstreamAttempt(m.Ref.Provider, "stream", "timeout", time.Since(start))
			return nil, nil, events.Event{}, nil, err
		}
		e.met.ObserveUpstreamAttempt(m.Ref.Provider, "stream", "error", time.Since(start))
		lastErr = err
	}
	return nil, nil, events.Event{}, nil, lastErr
}

// awaitFirst waits for the stream's first frame under the initial-byte clock.
func (e *Engine) awaitFirst(ctx context.Context, m *registry.Model, upstream <-chan events.Event) (events.Event, error) {
	t := time.NewTimer(e.cfg.RequestTimeout)
	defer t.Stop()

	select {
	case ev, ok := <-upstream:
		if !ok {
			return events.Event{}, aierr.New(aierr.CodeProviderResponseNoContent,
				fmt.Sprintf("model %s: stream closed before any frame", m.Ref))
		}
		if ev.Type == events.TypeError {
			code, msg := errorInfo(ev)
			return events.Event{}, aierr.New(code, msg)
		}
		return ev, nil
	case <-t.C:
		return events.Event{}, aierr.New(aierr.CodeProviderRequestTimeout,
			fmt.Sprintf("model %s: no first frame within %s", m.Ref, e.cfg.RequestTimeout))
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

// pump tees the upstream channel into the caller's channel, the session bus
// and the history accumulator, assigning session-unique ids as frames pass
// through. The inactivity clock resets on every upstream frame; a lapse emits
// a stream-timeout error frame, marks the model and closes the stream.
func (e *Engine) pump(ctx context.Context, m *registry.Model, sessionID, prompt string,
	opStart time.Time, first events.Event, upstream <-chan events.Event, out chan<- events.Event) {
	defer close(out)

	// Storage writes survive caller cancellation of the delivery path; the
	// pump itself stops on ctx.
	pctx := context.WithoutCancel(ctx)

	var text strings.Builder

	deliver := func(ev events.Event, fieldKey string) bool {
		e.bus.Publish(pctx, sessionID, fieldKey, ev)
		e.met.RecordStreamFrame(string(ev.Type))
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	handle := func(ev events.Event) (done bool) {
		id, fieldKey := e.ids.Next()
		switch ev.Type {
		case events.TypeContent:
			delta := ev.ContentText()
			text.WriteString(delta)
			deliver(events.NewContent(id, delta), fieldKey)
			return false

		case events.TypeEnd:
			final := events.NewEnd(id, providers.ContentResponse{
				Text:      text.String(),
				Result:    endResult(ev),
				SessionID: sessionID,
			})
			if deliver(final, fieldKey) {
				turn := providers.ChatTurn{Prompt: prompt, Response: text.String()}
				if err := e.his.Push(pctx, sessionID, fieldKey, turn); err != nil {
					e.log.Warn("history_push_error",
						slog.String("session_id", sessionID),
						slog.String("error", err.Error()))
				}
			}
			e.met.RecordRequest(m.Ref.Provider, m.Ref.Name, "stream", "ok")
			return true

		case events.TypeError:
			code, msg := errorInfo(ev)
			if aierr.Retryable(code) {
				e.markStreamError(pctx, m, code, opStart)
			}
			deliver(events.NewError(id, code, msg), fieldKey)
			e.met.RecordRequest(m.Ref.Provider, m.Ref.Name, "stream", "error")
			return true
		}
		return false
	}

	if handle(first) {
		return
	}

	idle := time.NewTimer(e.cfg.RequestTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-idle.C:
			id, fieldKey := e.ids.Next()
			e.markStreamError(pctx, m, aierr.CodeProviderStreamTimeout, opStart)
			deliver(events.NewError(id, aierr.CodeProviderStreamTimeout,
				fmt.Sprintf("model %s: no frame within %s", m.Ref, e.cfg.RequestTimeout)), fieldKey)
			e.met.RecordRequest(m.Ref.Provider, m.Ref.Name, "stream", "timeout")
			return

		case ev, ok := <-upstream:
			if !ok {
				id, fieldKey := e.ids.Next()
				e.markStreamError(pctx, m, aierr.CodeProviderResponseError, opStart)
				deliver(events.NewError(id, aierr.CodeProviderResponseError,
					fmt.Sprintf("model %s: stream closed without terminal frame", m.Ref)), fieldKey)
				e.met.RecordRequest(m.Ref.Provider, m.Ref.Name, "stream", "error")
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.cfg.RequestTimeout)
			if handle(ev) {
				return
			}
		}
	}
}

func (e *Engine) markStreamError(ctx context.Context, m *registry.Model, code string, opStart time.Time) {
	if err := e.reg.MarkError(ctx, m, code, opStart); err != nil {
		e.log.Warn("mark_error_failed",
			slog.String("model", m.Ref.String()),
			slog.String("error", err.Error()))
	}
	e.met.SetModelState(m.Ref.String(), false)
}

// resume replays the stored stream and, for a still-running session, follows
// live frames to the terminal one. ok=false means nothing is stored and the
// caller should fall through to a fresh prompt.
func (e *Engine) resume(ctx context.Context, req Request) (*StreamHandle, bool, error) {
	stored, terminal, exists, err := e.bus.Replay(ctx, req.SessionID, req.ResumeEventID)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	e.met.RecordStreamResume("replay")

	rctx, cancel := context.WithCancel(ctx)
	out := make(chan events.Event, 64)

	go func() {
		defer cancel()
		defer close(out)

		for _, ev := range stored {
			select {
			case out <- ev:
			case <-rctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
		if terminal {
			// The terminal frame sorts at or before the cursor: the stream is
			// over, there is nothing to follow.
			return
		}

		e.met.RecordStreamResume("follow")
		if err := e.bus.Follow(rctx, req.SessionID, out); err != nil && rctx.Err() == nil {
			e.log.Warn("follow_error",
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()))
		}
	}()

	return &StreamHandle{SessionID: req.SessionID, Events: out, Cancel: cancel}, true, nil
}

// errorInfo extracts code and message from an error frame's payload.
func errorInfo(ev events.Event) (code, message string) {
	var p struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.Code == "" {
		return aierr.CodeProviderResponseError, string(ev.Data)
	}
	return p.Code, p.Message
}

// endResult extracts the completion result from an adapter end frame.
func endResult(ev events.Event) providers.Result {
	var p struct {
		Response struct {
			Result providers.Result `json:"result"`
		} `json:"response"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.Response.Result == "" {
		return providers.ResultIncompleteUnknown
	}
	return p.Response.Result
}
