// Package metrics is the Prometheus surface of the agent core.
//
// Everything lives on a private registry rather than the global default,
// keeping the series separate from whatever the embedding process already
// exports. Handler() serves the scrape endpoint.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry bundles every exported series; one instance per process.
type Registry struct {
	reg *prometheus.Registry

	// parley_inflight_requests
	inFlight prometheus.Gauge

	// parley_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// parley_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// parley_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// parley_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// parley_provider_attempts_total{provider,outcome}
	providerAttempts *prometheus.CounterVec

	// parley_provider_attempt_duration_seconds{provider,outcome}
	providerDuration *prometheus.HistogramVec

	// parley_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// parley_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// parley_router_mode — 0=normal, 1=fallback
	routerMode prometheus.Gauge

	// parley_router_mode_transitions_total{to_mode}
	modeTransitions *prometheus.CounterVec

	// parley_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// parley_failover_success_total{from,to}
	failoverSuccess *prometheus.CounterVec

	// parley_failover_exhausted_total{first}
	failoverExhausted *prometheus.CounterVec

	// parley_restorations_total{provider}
	restorations *prometheus.CounterVec

	// parley_quota_denials_total{provider,reason}
	quotaDenials *prometheus.CounterVec

	// parley_daily_quota_used{provider} / parley_daily_quota_limit{provider}
	quotaUsed  *prometheus.GaugeVec
	quotaLimit *prometheus.GaugeVec

	// parley_uniqueness_checks_total{result}
	uniquenessChecks *prometheus.CounterVec

	// parley_uniqueness_enhancements_total{reason}
	uniquenessEnhancements *prometheus.CounterVec

	// parley_history_operations_total{op,result}
	historyOps *prometheus.CounterVec

	// parley_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// parley_build_info{version}
	buildInfo *prometheus.GaugeVec

	modeMu   sync.Mutex
	lastMode float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Go runtime and process series still belong on the private registry.
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg:      reg,
		lastMode: -1,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_http_requests_total",
				Help: "Total number of HTTP requests handled by the ops surface",
			},
			[]string{"route", "status"},
		),

		// Generation dominates request time, so the duration buckets run
		// from instant denials up to a full failover chain.
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "End-to-end request duration in seconds, upstream time included",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180},
			},
			[]string{"route"},
		),

		// Chat payloads are small; a coarse 128B..~2MB ladder is plenty.
		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_size_bytes",
				Help:    "Request body size of ops-surface calls in bytes",
				Buckets: prometheus.ExponentialBuckets(128, 4, 8),
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_response_size_bytes",
				Help:    "Response body size of ops-surface calls in bytes",
				Buckets: prometheus.ExponentialBuckets(128, 4, 8),
			},
			[]string{"route", "status"},
		),

		providerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_provider_attempts_total",
				Help: "Generation attempts per provider, failover retries included",
			},
			[]string{"provider", "outcome"},
		),

		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_provider_attempt_duration_seconds",
				Help:    "Wall-clock duration of a single generation attempt in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_provider_errors_total",
				Help: "Provider failures grouped by error class",
			},
			[]string{"provider", "error_type"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_provider_health",
				Help: "Per-provider health: 1 while checks pass, 0 while degraded",
			},
			[]string{"provider"},
		),

		routerMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_router_mode",
			Help: "Router operating mode (0=normal, 1=fallback)",
		}),

		modeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_router_mode_transitions_total",
				Help: "Router mode transitions",
			},
			[]string{"to_mode"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_failover_events_total",
				Help: "Switches to an alternate provider after a failed attempt",
			},
			[]string{"from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_failover_success_total",
				Help: "Successful failovers (request served after an earlier provider failed)",
			},
			[]string{"from", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_failover_exhausted_total",
				Help: "Requests that exhausted all providers without success",
			},
			[]string{"first"},
		),

		restorations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_restorations_total",
				Help: "Automatic restorations back to the preferred provider",
			},
			[]string{"provider"},
		),

		quotaDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_quota_denials_total",
				Help: "Requests denied by the quota guard",
			},
			[]string{"provider", "reason"},
		),

		quotaUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_daily_quota_used",
				Help: "Free-tier requests consumed today",
			},
			[]string{"provider"},
		),

		quotaLimit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_daily_quota_limit",
				Help: "Free-tier daily request allowance",
			},
			[]string{"provider"},
		),

		uniquenessChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_uniqueness_checks_total",
				Help: "Response uniqueness verdicts",
			},
			[]string{"result"},
		),

		uniquenessEnhancements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_uniqueness_enhancements_total",
				Help: "Prompt enhancements triggered by repetition detection",
			},
			[]string{"reason"},
		),

		historyOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_history_operations_total",
				Help: "Conversation history store operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tokens_total",
				Help: "Prompt and completion tokens as reported by upstream usage blocks",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.providerAttempts,
		r.providerDuration,
		r.providerErrors,
		r.providerHealth,
		r.routerMode,
		r.modeTransitions,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.restorations,
		r.quotaDenials,
		r.quotaUsed,
		r.quotaLimit,
		r.uniquenessChecks,
		r.uniquenessEnhancements,
		r.historyOps,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one finished ops-surface request. Negative sizes
// mean the body was not measured and skip the histograms.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveProviderRequest records one upstream generation attempt.
func (r *Registry) ObserveProviderRequest(provider, outcome string, dur time.Duration) {
	r.providerAttempts.WithLabelValues(provider, outcome).Inc()
	r.providerDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) RecordFailover(from, to, reason string) {
	r.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(from, to string) {
	r.failoverSuccess.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(first string) {
	r.failoverExhausted.WithLabelValues(first).Inc()
}

func (r *Registry) RecordRestoration(provider string) {
	r.restorations.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordQuotaDenial(provider, reason string) {
	r.quotaDenials.WithLabelValues(provider, reason).Inc()
}

// SetQuotaUsage publishes the free-tier daily tally.
func (r *Registry) SetQuotaUsage(provider string, used, limit int) {
	r.quotaUsed.WithLabelValues(provider).Set(float64(used))
	r.quotaLimit.WithLabelValues(provider).Set(float64(limit))
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

// SetRouterMode sets the mode gauge and increments a transition counter
// when the mode changes.
func (r *Registry) SetRouterMode(fallback bool) {
	mode := float64(0)
	label := "normal"
	if fallback {
		mode = 1
		label = "fallback"
	}
	r.routerMode.Set(mode)

	r.modeMu.Lock()
	if r.lastMode != mode {
		r.lastMode = mode
		r.modeTransitions.WithLabelValues(label).Inc()
	}
	r.modeMu.Unlock()
}

func (r *Registry) RecordUniquenessCheck(unique bool) {
	result := "repetitive"
	if unique {
		result = "unique"
	}
	r.uniquenessChecks.WithLabelValues(result).Inc()
}

func (r *Registry) RecordUniquenessEnhancement(reason string) {
	r.uniquenessEnhancements.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordHistoryOp(op, result string) {
	r.historyOps.WithLabelValues(op, result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// SetBuildInfo publishes the version as a constant-1 gauge, the usual
// join target for dashboards.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
