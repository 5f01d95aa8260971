package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/history"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/internal/session"
	"github.com/nulpointcorp/ai-gateway/internal/storage"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// stubClient scripts provider behavior per test.
type stubClient struct {
	name     string
	requests atomic.Int64
	request  func(ctx context.Context, model, prompt string, opts providers.Options) (*providers.ContentResponse, error)
	stream   func(ctx context.Context, model, prompt string, opts providers.Options) (<-chan events.Event, error)
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Request(ctx context.Context, model, prompt string, opts providers.Options) (*providers.ContentResponse, error) {
	s.requests.Add(1)
	if s.request == nil {
		return &providers.ContentResponse{Text: "ok", Result: providers.ResultComplete}, nil
	}
	return s.request(ctx, model, prompt, opts)
}

func (s *stubClient) Stream(ctx context.Context, model, prompt string, opts providers.Options) (<-chan events.Event, error) {
	s.requests.Add(1)
	if s.stream == nil {
		out := make(chan events.Event, 4)
		out <- events.NewContent("", "ok")
		out <- providers.StreamEnd(providers.ResultComplete)
		close(out)
		return out, nil
	}
	return s.stream(ctx, model, prompt, opts)
}

func (s *stubClient) HealthCheck(context.Context) error { return nil }

type testRig struct {
	eng   *Engine
	store storage.Storage
	his   *history.Store
	bus   *session.Bus
}

func newTestRig(t *testing.T, cfg Config, clients []providers.Client, refs []registry.Ref) *testRig {
	t.Helper()
	store := storage.NewMemory(context.Background())
	t.Cleanup(func() { _ = store.Close() })

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}

	limits := registry.Limits{RateMax: 100, RateWindowMs: 30_000}
	restore := registry.Restore{RateLimitMs: 60_000, TimeoutMs: 60_000, CommunicationMs: 60_000, ExceededMs: 600_000}

	reg, err := registry.New(store, clients, refs, limits, restore, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	his := history.New(store, time.Minute, nil)
	bus := session.New(store, time.Minute, nil)
	eng := New(cfg, reg, his, bus, metrics.New(), nil)

	return &testRig{eng: eng, store: store, his: his, bus: bus}
}

func oneModel(name string) []registry.Ref {
	return []registry.Ref{{Provider: name, Name: "m1"}}
}

func TestRequestRequiresPrompt(t *testing.T) {
	rig := newTestRig(t, Config{}, []providers.Client{&stubClient{name: "p1"}}, oneModel("p1"))

	_, err := rig.eng.Request(context.Background(), Request{})
	if aierr.CodeOf(err) != aierr.CodeOptionsError {
		t.Fatalf("code = %q, want AI_OPTIONS_ERROR", aierr.CodeOf(err))
	}
}

func TestRequestSuccess(t *testing.T) {
	c := &stubClient{name: "p1"}
	rig := newTestRig(t, Config{}, []providers.Client{c}, oneModel("p1"))

	resp, err := rig.eng.Request(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Text != "ok" || resp.Result != providers.ResultComplete {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.SessionID != "" {
		t.Fatalf("sessionId = %q, want empty without a session", resp.SessionID)
	}
	if n := c.requests.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestRequestNewSessionCreatesIDAndHistory(t *testing.T) {
	rig := newTestRig(t, Config{}, []providers.Client{&stubClient{name: "p1"}}, oneModel("p1"))
	ctx := context.Background()

	resp, err := rig.eng.Request(ctx, Request{Prompt: "hi", NewSession: true})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("sessionId empty, want a generated one")
	}

	turns, err := rig.his.Range(ctx, resp.SessionID)
	if err != nil {
		t.Fatalf("history range: %v", err)
	}
	if len(turns) != 1 || turns[0].Prompt != "hi" || turns[0].Response != "ok" {
		t.Fatalf("history = %+v, want the turn recorded", turns)
	}
}

func TestRequestLoadsHistoryIntoOptions(t *testing.T) {
	var got providers.Options
	c := &stubClient{name: "p1", request: func(_ context.Context, _, _ string, opts providers.Options) (*providers.ContentResponse, error) {
		got = opts
		return &providers.ContentResponse{Text: "again", Result: providers.ResultComplete}, nil
	}}
	rig := newTestRig(t, Config{}, []providers.Client{c}, oneModel("p1"))
	ctx := context.Background()

	resp, err := rig.eng.Request(ctx, Request{Prompt: "first", NewSession: true})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	if _, err := rig.eng.Request(ctx, Request{Prompt: "second", SessionID: resp.SessionID}); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if len(got.History) != 1 || got.History[0].Prompt != "first" {
		t.Fatalf("history passed upstream = %+v, want the first turn", got.History)
	}
}

func TestRequestFallsBackOnRetryableError(t *testing.T) {
	bad := &stubClient{name: "p1", request: func(context.Context, string, string, providers.Options) (*providers.ContentResponse, error) {
		return nil, aierr.New(aierr.CodeProviderResponseError, "boom")
	}}
	good := &stubClient{name: "p2"}
	rig := newTestRig(t, Config{RetryMax: 0}, []providers.Client{bad, good},
		[]registry.Ref{{Provider: "p1", Name: "m1"}, {Provider: "p2", Name: "m2"}})

	resp, err := rig.eng.Request(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("resp = %+v, want the fallback answer", resp)
	}
	if bad.requests.Load() != 1 || good.requests.Load() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", bad.requests.Load(), good.requests.Load())
	}

	// The failing model was marked errored: a follow-up request skips it.
	if _, err := rig.eng.Request(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if bad.requests.Load() != 1 {
		t.Fatalf("errored model called again before its restore deadline")
	}
}

func TestRequestRetriesNonTimeoutErrors(t *testing.T) {
	var calls atomic.Int64
	c := &stubClient{name: "p1", request: func(context.Context, string, string, providers.Options) (*providers.ContentResponse, error) {
		if calls.Add(1) < 3 {
			return nil, aierr.New(aierr.CodeProviderResponseError, "flaky")
		}
		return &providers.ContentResponse{Text: "third time", Result: providers.ResultComplete}, nil
	}}
	rig := newTestRig(t, Config{RetryMax: 2, RetryInterval: time.Millisecond}, []providers.Client{c}, oneModel("p1"))

	resp, err := rig.eng.Request(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Text != "third time" {
		t.Fatalf("resp = %+v", resp)
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
}

func TestRequestTimeoutIsNotRetried(t *testing.T) {
	c := &stubClient{name: "p1", request: func(ctx context.Context, _, _ string, _ providers.Options) (*providers.ContentResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	rig := newTestRig(t, Config{RequestTimeout: 30 * time.Millisecond, RetryMax: 3, RetryInterval: time.Millisecond},
		[]providers.Client{c}, oneModel("p1"))

	_, err := rig.eng.Request(context.Background(), Request{Prompt: "hi"})
	if aierr.CodeOf(err) != aierr.CodeNoModelsAvailable {
		t.Fatalf("code = %q, want PROVIDER_NO_MODELS_AVAILABLE", aierr.CodeOf(err))
	}
	if cause := aierr.CodeOf(errors.Unwrap(err)); cause != aierr.CodeProviderRequestTimeout {
		t.Fatalf("cause code = %q, want PROVIDER_REQUEST_TIMEOUT", cause)
	}
	// One upstream call: the timeout must not have been retried.
	if n := c.requests.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestRequestExhaustionWrapsLastError(t *testing.T) {
	c := &stubClient{name: "p1", request: func(context.Context, string, string, providers.Options) (*providers.ContentResponse, error) {
		return nil, aierr.New(aierr.CodeProviderExceededQuota, "billing")
	}}
	rig := newTestRig(t, Config{}, []providers.Client{c}, oneModel("p1"))

	_, err := rig.eng.Request(context.Background(), Request{Prompt: "hi"})
	if aierr.CodeOf(err) != aierr.CodeNoModelsAvailable {
		t.Fatalf("code = %q, want PROVIDER_NO_MODELS_AVAILABLE", aierr.CodeOf(err))
	}
	if cause := aierr.CodeOf(errors.Unwrap(err)); cause != aierr.CodeProviderExceededQuota {
		t.Fatalf("cause code = %q, want PROVIDER_EXCEEDED_QUOTA", cause)
	}
}

// newRateLimitedRig builds a single-model engine with a tight window budget
// and a long rate-limit restore delay, so any accidental error-state write
// would keep the model parked well past the window.
func newRateLimitedRig(t *testing.T, c *stubClient, rateMax, windowMs int64) (*Engine, storage.Storage) {
	t.Helper()
	store := storage.NewMemory(context.Background())
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(store, []providers.Client{c}, oneModel(c.name),
		registry.Limits{RateMax: rateMax, RateWindowMs: windowMs},
		registry.Restore{RateLimitMs: 60_000}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng := New(Config{RequestTimeout: time.Second}, reg,
		history.New(store, time.Minute, nil), session.New(store, time.Minute, nil), metrics.New(), nil)
	return eng, store
}

func TestRequestRateLimitSurfacesGateError(t *testing.T) {
	c := &stubClient{name: "p1"}
	eng, store := newRateLimitedRig(t, c, 1, 30_000)

	if _, err := eng.Request(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	_, err := eng.Request(context.Background(), Request{Prompt: "hi"})
	var ae *aierr.Error
	if !errors.As(err, &ae) || ae.Code != aierr.CodeProviderRateLimit {
		t.Fatalf("code = %q, want PROVIDER_RATE_LIMIT", aierr.CodeOf(err))
	}
	if ae.WaitSeconds < 1 {
		t.Fatalf("waitSeconds = %d, want the whole seconds until rollover", ae.WaitSeconds)
	}
	if n := c.requests.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, the over-budget request must not reach the provider", n)
	}

	// The gate rejection is admission control, not a provider failure: the
	// model's stored state stays ready.
	raw, err := store.ValueGet(context.Background(), "model:p1:m1")
	if err != nil || raw == nil {
		t.Fatalf("model state: %v (raw=%q)", err, raw)
	}
	var st struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Status != "ready" {
		t.Fatalf("status = %q, a gate rejection must not park the model", st.Status)
	}
}

func TestRequestRateLimitWindowRolloverReadmits(t *testing.T) {
	c := &stubClient{name: "p1"}
	eng, _ := newRateLimitedRig(t, c, 2, 50)

	for i := 0; i < 2; i++ {
		if _, err := eng.Request(context.Background(), Request{Prompt: "hi"}); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if _, err := eng.Request(context.Background(), Request{Prompt: "hi"}); aierr.CodeOf(err) != aierr.CodeProviderRateLimit {
		t.Fatalf("third request code = %q, want PROVIDER_RATE_LIMIT", aierr.CodeOf(err))
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := eng.Request(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("request after rollover: %v", err)
	}
	if n := c.requests.Load(); n != 3 {
		t.Fatalf("upstream calls = %d, want 3", n)
	}
}

func TestRequestRateLimitFallsThroughToNextModel(t *testing.T) {
	store := storage.NewMemory(context.Background())
	t.Cleanup(func() { _ = store.Close() })

	p1 := &stubClient{name: "p1"}
	p2 := &stubClient{name: "p2", request: func(context.Context, string, string, providers.Options) (*providers.ContentResponse, error) {
		return &providers.ContentResponse{Text: "from p2", Result: providers.ResultComplete}, nil
	}}
	reg, err := registry.New(store, []providers.Client{p1, p2},
		[]registry.Ref{{Provider: "p1", Name: "m1"}, {Provider: "p2", Name: "m2"}},
		registry.Limits{RateMax: 1, RateWindowMs: 30_000},
		registry.Restore{RateLimitMs: 60_000}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng := New(Config{RequestTimeout: time.Second}, reg,
		history.New(store, time.Minute, nil), session.New(store, time.Minute, nil), metrics.New(), nil)

	if _, err := eng.Request(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	resp, err := eng.Request(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.Text != "from p2" {
		t.Fatalf("resp = %+v, want the next candidate's answer", resp)
	}
	if p1.requests.Load() != 1 || p2.requests.Load() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", p1.requests.Load(), p2.requests.Load())
	}
}

func TestRequestModelsOverrideChain(t *testing.T) {
	p1 := &stubClient{name: "p1"}
	p2 := &stubClient{name: "p2", request: func(context.Context, string, string, providers.Options) (*providers.ContentResponse, error) {
		return &providers.ContentResponse{Text: "from p2", Result: providers.ResultComplete}, nil
	}}
	rig := newTestRig(t, Config{}, []providers.Client{p1, p2},
		[]registry.Ref{{Provider: "p1", Name: "m1"}, {Provider: "p2", Name: "m2"}})

	resp, err := rig.eng.Request(context.Background(), Request{Prompt: "hi", Models: []string{"p2:m2"}})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Text != "from p2" {
		t.Fatalf("resp = %+v, want the override model's answer", resp)
	}
	if p1.requests.Load() != 0 {
		t.Fatal("default chain head was called despite the override")
	}

	if _, err := rig.eng.Request(context.Background(), Request{Prompt: "hi", Models: []string{"nope"}}); aierr.CodeOf(err) != aierr.CodeOptionsError {
		t.Fatalf("malformed ref code = %q, want AI_OPTIONS_ERROR", aierr.CodeOf(err))
	}
}

func TestResolveOptionsPrecedence(t *testing.T) {
	var got providers.Options
	c := &stubClient{name: "p1", request: func(_ context.Context, _, _ string, opts providers.Options) (*providers.ContentResponse, error) {
		got = opts
		return &providers.ContentResponse{Text: "ok", Result: providers.ResultComplete}, nil
	}}
	rig := newTestRig(t, Config{Context: "engine default", Temperature: 0.3}, []providers.Client{c}, oneModel("p1"))

	_, err := rig.eng.Request(context.Background(), Request{
		Prompt:      "hi",
		Context:     "per request",
		Temperature: 0.9,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got.Context != "per request" || got.Temperature != 0.9 || got.MaxTokens != 128 {
		t.Fatalf("options = %+v, request overrides must win", got)
	}
}
