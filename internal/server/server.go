// Package server is the HTTP binding: it parses requests, authenticates the
// boundary, invokes the engine and renders responses — JSON for /prompt,
// SSE for /stream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// Server binds the engine to fasthttp.
type Server struct {
	eng           *engine.Engine
	met           *metrics.Registry
	reqLog        *logger.Logger
	log           *slog.Logger
	health        *HealthChecker
	baseCtx       context.Context
	jwtSecret     string
	sessionHeader string
	corsOrigins   []string

	srv *fasthttp.Server
}

// Options carry the boundary configuration.
type Options struct {
	JWTSecret     string
	SessionHeader string
	CORSOrigins   []string
}

// New wires the server. baseCtx bounds the lifetime of streaming responses,
// which outlive their originating fasthttp handler.
func New(baseCtx context.Context, eng *engine.Engine, met *metrics.Registry,
	reqLog *logger.Logger, health *HealthChecker, log *slog.Logger, opts Options) *Server {
	if log == nil {
		log = slog.Default()
	}
	sessionHeader := opts.SessionHeader
	if sessionHeader == "" {
		sessionHeader = "x-session-id"
	}
	return &Server{
		eng:           eng,
		met:           met,
		reqLog:        reqLog,
		log:           log,
		health:        health,
		baseCtx:       baseCtx,
		jwtSecret:     opts.JWTSecret,
		sessionHeader: sessionHeader,
		corsOrigins:   opts.CORSOrigins,
	}
}

// Handler builds the routed handler with the full middleware chain. Exposed
// separately from Start for in-memory tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/prompt", s.auth(s.handlePrompt))
	r.POST("/stream", s.auth(s.handleStream))
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.met != nil {
		r.GET("/metrics", s.met.Handler())
	}

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		s.timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams stay open well past one call timeout
	}
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// promptRequest is the body of /prompt and /stream.
type promptRequest struct {
	Prompt        string   `json:"prompt"`
	SessionID     string   `json:"sessionId"`
	NewSession    bool     `json:"session"`
	Resume        bool     `json:"resume"`
	ResumeEventID string   `json:"resumeEventId"`
	Models        []string `json:"models"`
	Context       string   `json:"context"`
	Temperature   float64  `json:"temperature"`
	MaxTokens     int      `json:"maxTokens"`
}

func parseRequest(ctx *fasthttp.RequestCtx) (engine.Request, bool) {
	var body promptRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		aierr.WriteCode(ctx, aierr.CodeOptionsError, "request body must be JSON")
		return engine.Request{}, false
	}
	return engine.Request{
		Prompt:        body.Prompt,
		SessionID:     body.SessionID,
		NewSession:    body.NewSession,
		Resume:        body.Resume,
		ResumeEventID: body.ResumeEventID,
		Models:        body.Models,
		Context:       body.Context,
		Temperature:   body.Temperature,
		MaxTokens:     body.MaxTokens,
	}, true
}

func (s *Server) handlePrompt(ctx *fasthttp.RequestCtx) {
	req, ok := parseRequest(ctx)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.eng.Request(ctx, req)
	if err != nil {
		s.logRequest(req.SessionID, "prompt", "error", aierr.CodeOf(err), 0, start)
		aierr.Write(ctx, err)
		return
	}

	if resp.SessionID != "" {
		ctx.Response.Header.Set(s.sessionHeader, resp.SessionID)
	}
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(resp)
	ctx.SetBody(body)
	s.logRequest(resp.SessionID, "prompt", "ok", "", 0, start)
}

func (s *Server) handleStream(ctx *fasthttp.RequestCtx) {
	req, ok := parseRequest(ctx)
	if !ok {
		return
	}

	start := time.Now()
	sctx, cancel := context.WithCancel(s.baseCtx)
	h, err := s.eng.Stream(sctx, req)
	if err != nil {
		cancel()
		s.logRequest(req.SessionID, "stream", "error", aierr.CodeOf(err), 0, start)
		aierr.Write(ctx, err)
		return
	}

	ctx.Response.Header.Set(s.sessionHeader, h.SessionID)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	sessionID := h.SessionID
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer h.Cancel()

		var frames uint32
		for ev := range h.Events {
			if _, err := w.Write(ev.Encode()); err != nil {
				s.logRequest(sessionID, "stream", "disconnect", "", frames, start)
				return
			}
			if err := w.Flush(); err != nil {
				s.logRequest(sessionID, "stream", "disconnect", "", frames, start)
				return
			}
			frames++
		}
		s.logRequest(sessionID, "stream", "ok", "", frames, start)
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (s *Server) logRequest(sessionID, route, outcome, code string, frames uint32, start time.Time) {
	if s.reqLog == nil {
		return
	}
	s.reqLog.Log(logger.RequestLog{
		ID:        uuid.New(),
		SessionID: sessionID,
		Route:     route,
		Outcome:   outcome,
		Code:      code,
		Frames:    frames,
		LatencyMs: uint32(time.Since(start).Milliseconds()),
		CreatedAt: time.Now(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
