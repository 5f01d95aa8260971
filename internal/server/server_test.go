package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/internal/history"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/internal/session"
	"github.com/nulpointcorp/ai-gateway/internal/storage"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// echoClient is a scripted provider for boundary tests.
type echoClient struct{ fail bool }

func (e *echoClient) Name() string { return "stub" }

func (e *echoClient) Request(_ context.Context, _, prompt string, _ providers.Options) (*providers.ContentResponse, error) {
	if e.fail {
		return nil, aierr.New(aierr.CodeProviderExceededQuota, "billing")
	}
	return &providers.ContentResponse{Text: "echo: " + prompt, Result: providers.ResultComplete}, nil
}

func (e *echoClient) Stream(_ context.Context, _, prompt string, _ providers.Options) (<-chan events.Event, error) {
	out := make(chan events.Event, 4)
	out <- events.NewContent("", "echo: ")
	out <- events.NewContent("", prompt)
	out <- providers.StreamEnd(providers.ResultComplete)
	close(out)
	return out, nil
}

func (e *echoClient) HealthCheck(context.Context) error { return nil }

func newTestServer(t *testing.T, upstream providers.Client, opts Options) *http.Client {
	t.Helper()

	store := storage.NewMemory(context.Background())
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(store, []providers.Client{upstream},
		[]registry.Ref{{Provider: upstream.Name(), Name: "m1"}},
		registry.Limits{RateMax: 100, RateWindowMs: 30_000},
		registry.Restore{RateLimitMs: 60_000, TimeoutMs: 60_000, CommunicationMs: 60_000, ExceededMs: 600_000}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	eng := engine.New(engine.Config{RequestTimeout: 5 * time.Second}, reg,
		history.New(store, time.Minute, nil), session.New(store, time.Minute, nil), metrics.New(), nil)

	s := New(context.Background(), eng, metrics.New(), nil, nil, nil, opts)

	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = fasthttp.Serve(ln, s.Handler()) }()

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 10 * time.Second,
	}
}

func postJSON(t *testing.T, cli *http.Client, path string, body any, header map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := cli.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("error envelope: %v", err)
	}
	return env.Error.Code
}

func TestPromptReturnsJSONAndSessionHeader(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{})

	resp := postJSON(t, cli, "/prompt", map[string]any{"prompt": "hi", "session": true}, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}

	var body providers.ContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Text != "echo: hi" {
		t.Fatalf("text = %q", body.Text)
	}
	if body.SessionID == "" {
		t.Fatal("response carries no session id")
	}
	if got := resp.Header.Get("x-session-id"); got != body.SessionID {
		t.Fatalf("session header = %q, want %q", got, body.SessionID)
	}
}

func TestPromptRejectsMalformedBody(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{})

	req, _ := http.NewRequest(http.MethodPost, "http://gateway/prompt", strings.NewReader("{not json"))
	resp, err := cli.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != aierr.CodeOptionsError {
		t.Fatalf("code = %q, want AI_OPTIONS_ERROR", code)
	}
}

func TestPromptSurfacesEngineErrorEnvelope(t *testing.T) {
	cli := newTestServer(t, &echoClient{fail: true}, Options{})

	resp := postJSON(t, cli, "/prompt", map[string]any{"prompt": "hi"}, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != aierr.CodeNoModelsAvailable {
		t.Fatalf("code = %q, want PROVIDER_NO_MODELS_AVAILABLE", code)
	}
}

func TestStreamEmitsSSEFrames(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{})

	resp := postJSON(t, cli, "/stream", map[string]any{"prompt": "hi"}, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}
	sessionID := resp.Header.Get("x-session-id")
	if sessionID == "" {
		t.Fatal("stream carries no session header")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	frames := events.DecodeAll(raw)
	if len(frames) != 3 {
		t.Fatalf("decoded %d frames, want 3: %q", len(frames), raw)
	}
	if frames[0].ContentText() != "echo: " || frames[1].ContentText() != "hi" {
		t.Fatalf("content frames = %q, %q", frames[0].ContentText(), frames[1].ContentText())
	}
	if frames[2].Type != events.TypeEnd {
		t.Fatalf("last frame = %v, want end", frames[2].Type)
	}

	var end struct {
		Response providers.ContentResponse `json:"response"`
	}
	if err := json.Unmarshal(frames[2].Data, &end); err != nil {
		t.Fatalf("end payload: %v", err)
	}
	if end.Response.Text != "echo: hi" || end.Response.SessionID != sessionID {
		t.Fatalf("end = %+v", end.Response)
	}
}

func TestStreamFramesArriveIncrementally(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{})

	resp := postJSON(t, cli, "/stream", map[string]any{"prompt": "hi"}, nil)
	defer resp.Body.Close()

	// The first frame must be readable before the stream finishes.
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read first line: %v", err)
	}
	if !strings.HasPrefix(line, "event: content") {
		t.Fatalf("first line = %q", line)
	}
}

func TestAuthRequiredWithoutToken(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{JWTSecret: "s3cret"})

	resp := postJSON(t, cli, "/prompt", map[string]any{"prompt": "hi"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != aierr.CodeAuthRequired {
		t.Fatalf("code = %q, want AUTHENTICATION_REQUIRED", code)
	}
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{JWTSecret: "s3cret"})

	resp := postJSON(t, cli, "/prompt", map[string]any{"prompt": "hi"},
		map[string]string{"Authorization": "Bearer not.a.token"})
	if code := decodeError(t, resp); code != aierr.CodeAuthInvalidToken {
		t.Fatalf("code = %q, want AUTHENTICATION_INVALID_TOKEN", code)
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{JWTSecret: "s3cret"})

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp := postJSON(t, cli, "/prompt", map[string]any{"prompt": "hi"},
		map[string]string{"Authorization": "Bearer " + expired})
	if code := decodeError(t, resp); code != aierr.CodeAuthTokenExpired {
		t.Fatalf("code = %q, want AUTHENTICATION_TOKEN_EXPIRED", code)
	}
}

func TestAuthAcceptsValidToken(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{JWTSecret: "s3cret"})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp := postJSON(t, cli, "/prompt", map[string]any{"prompt": "hi"},
		map[string]string{"Authorization": "Bearer " + token})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthAndReadinessWithoutChecker(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{})

	for _, path := range []string{"/health", "/readiness"} {
		resp, err := cli.Get("http://gateway" + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{})

	resp, err := cli.Get("http://gateway/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options header")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("missing X-Response-Time header")
	}
}

func TestCustomSessionHeaderName(t *testing.T) {
	cli := newTestServer(t, &echoClient{}, Options{SessionHeader: "x-conversation"})

	resp := postJSON(t, cli, "/prompt", map[string]any{"prompt": "hi", "session": true}, nil)
	defer resp.Body.Close()

	if resp.Header.Get("x-conversation") == "" {
		t.Fatal("custom session header not set")
	}
}
