package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/history"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	anthropicprov "github.com/nulpointcorp/ai-gateway/internal/providers/anthropic"
	deepseekprov "github.com/nulpointcorp/ai-gateway/internal/providers/deepseek"
	geminiprov "github.com/nulpointcorp/ai-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/ai-gateway/internal/providers/openai"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/internal/server"
	"github.com/nulpointcorp/ai-gateway/internal/session"
	"github.com/nulpointcorp/ai-gateway/internal/storage"
)

// initInfra establishes the shared storage backend and the async request
// logger (with its optional ClickHouse sink).
func (a *App) initInfra(ctx context.Context) error {
	switch a.cfg.Storage.Type {
	case "valkey":
		a.log.Info("connecting to valkey", slog.String("url", redactURL(a.cfg.Storage.ValkeyURL)))
		st, err := storage.NewValkeyFromURL(ctx, a.cfg.Storage.ValkeyURL)
		if err != nil {
			return fmt.Errorf("valkey: %w", err)
		}
		a.store = st
		a.log.Info("valkey connected")

	case "memory":
		a.store = storage.NewMemory(a.baseCtx)
		a.log.Info("storage backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown storage type: %s", a.cfg.Storage.Type)
	}

	var sink logger.Sink
	if a.cfg.ClickHouse.URL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouse.URL)))
		chSink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.URL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = chSink
	}

	reqLogger, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initProviders builds the provider clients with non-empty API keys. Config
// validation already guaranteed every configured model's provider has one.
func (a *App) initProviders(ctx context.Context) error {
	if a.cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if a.cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(a.cfg.OpenAI.BaseURL))
		}
		a.clients = append(a.clients, openaiprov.New(a.cfg.OpenAI.APIKey, opts...))
	}
	if a.cfg.DeepSeek.APIKey != "" {
		var opts []deepseekprov.Option
		if a.cfg.DeepSeek.BaseURL != "" {
			opts = append(opts, deepseekprov.WithBaseURL(a.cfg.DeepSeek.BaseURL))
		}
		a.clients = append(a.clients, deepseekprov.New(a.cfg.DeepSeek.APIKey, opts...))
	}
	if a.cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if a.cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(a.cfg.Gemini.BaseURL))
		}
		cli, err := geminiprov.New(ctx, a.cfg.Gemini.APIKey, opts...)
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		a.clients = append(a.clients, cli)
	}
	if a.cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if a.cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(a.cfg.Anthropic.BaseURL))
		}
		a.clients = append(a.clients, anthropicprov.New(a.cfg.Anthropic.APIKey, opts...))
	}

	if len(a.clients) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.clients))
	for _, c := range a.clients {
		names = append(names, c.Name())
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices builds the registry, history, session bus, metrics and engine.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	defaultLimits := registry.Limits{
		MaxTokens:    a.cfg.Limits.MaxTokens,
		RateMax:      a.cfg.Limits.RateMax,
		RateWindowMs: a.cfg.Limits.RateWindowMs,
	}
	defaultRestore := registry.Restore{
		RateLimitMs:     a.cfg.Restore.RateLimitMs,
		RetryMs:         a.cfg.Restore.RetryMs,
		TimeoutMs:       a.cfg.Restore.TimeoutMs,
		CommunicationMs: a.cfg.Restore.CommunicationMs,
		ExceededMs:      a.cfg.Restore.ExceededMs,
	}

	reg, err := registry.New(a.store, a.clients, a.cfg.Models, defaultLimits, defaultRestore, a.log)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	a.reg = reg

	ttl := time.Duration(a.cfg.Limits.HistoryExpirationMs) * time.Millisecond
	a.his = history.New(a.store, ttl, a.log)
	a.bus = session.New(a.store, ttl, a.log)

	a.eng = engine.New(engine.Config{
		RequestTimeout: time.Duration(a.cfg.Limits.RequestTimeoutMs) * time.Millisecond,
		RetryMax:       a.cfg.Limits.RetryMax,
		RetryInterval:  time.Duration(a.cfg.Limits.RetryIntervalMs) * time.Millisecond,
	}, a.reg, a.his, a.bus, a.prom, a.log)

	return nil
}

// initServer wires the HTTP binding and the health checker.
func (a *App) initServer(_ context.Context) error {
	a.health = server.NewHealthChecker(a.baseCtx, a.clients, a.storagePinger(), a.prom)

	a.srv = server.New(a.baseCtx, a.eng, a.prom, a.reqLogger, a.health, a.log, server.Options{
		JWTSecret:     a.cfg.Auth.JWTSecret,
		SessionHeader: a.cfg.SessionHeader,
		CORSOrigins:   a.cfg.CORSOrigins,
	})

	return nil
}

// storagePinger returns a zero-argument probe function for the HealthChecker.
// Reuses the existing backend — no new connections.
func (a *App) storagePinger() func() bool {
	store := a.store
	ctx := a.baseCtx
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err := store.ValueGet(pingCtx, "healthcheck")
		return err == nil
	}
}
