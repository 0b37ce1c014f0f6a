// Package metrics exposes the gateway's Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway metrics with their backing registry.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	QuotaRejections *prometheus.CounterVec
	BreakerOpen     *prometheus.GaugeVec
	FailoversTotal  *prometheus.CounterVec
}

// New creates a Registry with all gateway metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_requests_total",
			Help: "Total requests handled by the proxy plane",
		}, []string{"path", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrelay_request_latency_ms",
			Help:    "Proxied request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"path", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_tokens_total",
			Help: "Reconciled token usage",
		}, []string{"model", "direction"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_quota_rejections_total",
			Help: "Requests rejected by the quota or budget gates",
		}, []string{"dimension"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmrelay_breaker_open",
			Help: "1 while an endpoint's circuit breaker is open",
		}, []string{"endpoint"}),
		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_failovers_total",
			Help: "Endpoint failovers during forwarding",
		}, []string{"model"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.TokensTotal,
		m.QuotaRejections, m.BreakerOpen, m.FailoversTotal)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
