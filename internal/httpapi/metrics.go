package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"actionplane/internal/kernel"
)

// Metrics owns its registry so every Server instance gets an isolated
// collector set; tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	dispatches  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	ceilings    prometheus.Counter
	replays     prometheus.Counter
}

// NewMetrics builds the collector set. auditDropped, when non-nil, is
// surfaced as a gauge so dropped audit records show up on /metrics.
func NewMetrics(auditDropped func() int64) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_dispatches_total",
			Help: "Action dispatches by action, status class and code.",
		}, []string{"action", "status", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_dispatch_seconds",
			Help:    "Dispatch latency including handler execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_rate_limited_total",
			Help: "Rate-limit rejections by counting dimension.",
		}, []string{"dimension"}),
		ceilings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_ceiling_rejections_total",
			Help: "Requests rejected by an absolute ceiling.",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_idempotent_replays_total",
			Help: "Responses served from the idempotency cache.",
		}),
	}
	m.reg.MustRegister(collectors.NewGoCollector(),
		m.dispatches, m.latency, m.rateLimited, m.ceilings, m.replays)
	if auditDropped != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kernel_audit_dropped_records",
			Help: "Audit records dropped because the writer buffer was full.",
		}, func() float64 { return float64(auditDropped()) }))
	}
	return m
}

func (m *Metrics) Observe(action string, resp kernel.Response, d time.Duration) {
	code := ""
	if resp.Err != nil {
		code = resp.Err.Code
	} else if resp.Replayed {
		code = kernel.CodeIdempotentReplay
	}
	m.dispatches.WithLabelValues(action, resp.Status, code).Inc()
	m.latency.WithLabelValues(action).Observe(d.Seconds())
	if resp.Replayed {
		m.replays.Inc()
	}
	if resp.Err == nil {
		return
	}
	switch resp.Err.Kind {
	case kernel.KindRateLimited:
		dim, _ := resp.Err.Detail["dimension"].(string)
		if dim == "" {
			dim = "unknown"
		}
		m.rateLimited.WithLabelValues(dim).Inc()
	case kernel.KindCeilingExceeded:
		m.ceilings.Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
