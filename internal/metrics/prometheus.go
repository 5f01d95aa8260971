// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. A nil *Registry is valid and records
// nothing.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{provider,model,route,outcome}
	requestsTotal *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_fallback_events_total{from,to,reason}
	fallbackEvents *prometheus.CounterVec

	// gateway_fallback_exhausted_total
	fallbackExhausted prometheus.Counter

	// gateway_ratelimit_rejections_total{model}
	rateLimitRejections *prometheus.CounterVec

	// gateway_model_state{model} — 1=ready, 0=error
	modelState *prometheus.GaugeVec

	// gateway_stream_frames_total{type}
	streamFrames *prometheus.CounterVec

	// gateway_stream_resumes_total{mode} — replay, follow, fresh
	streamResumes *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total engine requests by provider, model, route and outcome",
			},
			[]string{"provider", "model", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "route", "outcome"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_events_total",
				Help: "Fallback transitions between models",
			},
			[]string{"from", "to", "reason"},
		),

		fallbackExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_fallback_exhausted_total",
			Help: "Requests that ran out of ready models",
		}),

		rateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_rejections_total",
				Help: "Requests rejected by a model's fixed-window budget",
			},
			[]string{"model"},
		),

		modelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_model_state",
				Help: "Model availability (1=ready, 0=error)",
			},
			[]string{"model"},
		),

		streamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_frames_total",
				Help: "SSE frames emitted to callers by frame type",
			},
			[]string{"type"},
		),

		streamResumes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_resumes_total",
				Help: "Stream resume requests by mode (replay, follow, fresh)",
			},
			[]string{"mode"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamDuration,
		r.fallbackEvents,
		r.fallbackExhausted,
		r.rateLimitRejections,
		r.modelState,
		r.streamFrames,
		r.streamResumes,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one finished engine request.
func (r *Registry) RecordRequest(provider, model, route, outcome string) {
	if r != nil {
		r.requestsTotal.WithLabelValues(provider, model, route, outcome).Inc()
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	if r != nil {
		r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
	}
}

func (r *Registry) RecordFallback(from, to, reason string) {
	if r != nil {
		r.fallbackEvents.WithLabelValues(from, to, reason).Inc()
	}
}

func (r *Registry) RecordFallbackExhausted() {
	if r != nil {
		r.fallbackExhausted.Inc()
	}
}

func (r *Registry) RecordRateLimitRejection(model string) {
	if r != nil {
		r.rateLimitRejections.WithLabelValues(model).Inc()
	}
}

func (r *Registry) SetModelState(model string, ready bool) {
	if r == nil {
		return
	}
	if ready {
		r.modelState.WithLabelValues(model).Set(1)
		return
	}
	r.modelState.WithLabelValues(model).Set(0)
}

func (r *Registry) RecordStreamFrame(frameType string) {
	if r != nil {
		r.streamFrames.WithLabelValues(frameType).Inc()
	}
}

func (r *Registry) RecordStreamResume(mode string) {
	if r != nil {
		r.streamResumes.WithLabelValues(mode).Inc()
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	if r != nil {
		// Gauge is used so the time series always exists.
		r.buildInfo.WithLabelValues(version).Set(1)
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}
