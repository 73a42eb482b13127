// Package metrics exposes orchestrator metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.GatewayMetrics = (*Prometheus)(nil)
	_ driven.JobMetrics     = (*Prometheus)(nil)
)

const namespace = "marketplace_orchestrator"

// Prometheus implements the gateway and job metrics ports on a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	quotaWait    *prometheus.HistogramVec
	retriesTotal *prometheus.CounterVec
	replaysTotal *prometheus.CounterVec
	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with a new registry.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Prometheus{
		registry: registry,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Marketplace operations by kind and result code.",
		}, []string{"operation", "code"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Marketplace operation latency including quota waits and retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		quotaWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "quota_wait_seconds",
			Help:      "Time spent waiting for a quota window.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"category"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Retries after transient marketplace failures.",
		}, []string{"operation"}),
		replaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "replays_total",
			Help:      "Mutations answered from the idempotency ledger.",
		}, []string{"operation"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Sync jobs processed by kind and resulting state.",
		}, []string{"kind", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Sync job execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"kind"}),
	}

	registry.MustRegister(
		p.callsTotal,
		p.callDuration,
		p.quotaWait,
		p.retriesTotal,
		p.replaysTotal,
		p.jobsTotal,
		p.jobDuration,
	)
	return p
}

// ObserveCall records one completed gateway operation.
func (p *Prometheus) ObserveCall(op domain.OperationKind, code domain.ErrorCode, d time.Duration) {
	label := string(code)
	if label == "" {
		label = "OK"
	}
	p.callsTotal.WithLabelValues(string(op), label).Inc()
	p.callDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

// ObserveQuotaWait records time blocked on a quota window.
func (p *Prometheus) ObserveQuotaWait(category domain.EndpointCategory, d time.Duration) {
	p.quotaWait.WithLabelValues(string(category)).Observe(d.Seconds())
}

// IncRetry counts a retry.
func (p *Prometheus) IncRetry(op domain.OperationKind) {
	p.retriesTotal.WithLabelValues(string(op)).Inc()
}

// IncReplay counts a ledger replay.
func (p *Prometheus) IncReplay(op domain.OperationKind) {
	p.replaysTotal.WithLabelValues(string(op)).Inc()
}

// ObserveJob records a job reaching state after d.
func (p *Prometheus) ObserveJob(kind domain.JobKind, state domain.JobState, d time.Duration) {
	p.jobsTotal.WithLabelValues(string(kind), string(state)).Inc()
	p.jobDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
