// Package metrics exposes the proxy's Prometheus instrumentation. All
// collectors live on a private registry so tests can run side by side
// without default-registry collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the proxy records into. Label values stay
// low-cardinality: portal ids come from the registry, kinds and modes are
// fixed enums.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts handled portal requests by portal id, response
	// kind (html_stream, html_buffered, passthrough, recovered_asset) and
	// upstream status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes wall time of portal fetches end to end.
	RequestDuration *prometheus.HistogramVec

	// UpstreamErrors counts failed upstream fetches per portal.
	UpstreamErrors *prometheus.CounterVec

	// Injections counts style/shim insertions by portal and placement mode
	// (head, late, buffered).
	Injections *prometheus.CounterVec

	// RecoveredAssets counts escaped asset requests recovered via Referer
	// inference.
	RecoveredAssets *prometheus.CounterVec

	// ProxiedBytes counts response body bytes relayed to browsers.
	ProxiedBytes *prometheus.CounterVec

	// PortalReachable reports the prober's last verdict per portal,
	// 1 reachable, 0 not.
	PortalReachable *prometheus.GaugeVec

	// OverrideReloads counts portal override reloads by outcome (ok, error).
	OverrideReloads *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketproxy_requests_total",
			Help: "Portal requests handled, by portal, response kind and upstream status.",
		}, []string{"portal", "kind", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketproxy_request_duration_seconds",
			Help:    "End-to-end duration of portal fetches in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"portal"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketproxy_upstream_errors_total",
			Help: "Upstream fetch failures per portal.",
		}, []string{"portal"}),
		Injections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketproxy_injections_total",
			Help: "Style and shim tag insertions, by portal and placement mode.",
		}, []string{"portal", "mode"}),
		RecoveredAssets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketproxy_recovered_assets_total",
			Help: "Escaped asset requests recovered via Referer inference.",
		}, []string{"portal"}),
		ProxiedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketproxy_proxied_bytes_total",
			Help: "Response body bytes relayed to browsers per portal.",
		}, []string{"portal"}),
		PortalReachable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketproxy_portal_reachable",
			Help: "Whether the portal origin answered the last probe, 1 or 0.",
		}, []string{"portal"}),
		OverrideReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketproxy_override_reloads_total",
			Help: "Portal override reload attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests that gather.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
