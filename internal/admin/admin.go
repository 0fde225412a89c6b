// Package admin serves the control surface: health, the merged portal table
// with live reachability, override edits, and Prometheus metrics. It backs
// the console's settings screen and is never exposed beyond localhost.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/mcpmate/marketproxy/internal/errors"
	"github.com/mcpmate/marketproxy/internal/health"
	"github.com/mcpmate/marketproxy/internal/metrics"
	"github.com/mcpmate/marketproxy/internal/portal"
	"github.com/mcpmate/marketproxy/internal/tracing"
)

// Options configure the admin API. Snapshot is required.
type Options struct {
	// Snapshot returns the current merged portal table.
	Snapshot func() *portal.Snapshot
	// Prober supplies reachability verdicts. Nil leaves them out.
	Prober *health.Prober
	// Metrics provides the Prometheus handler for /metrics.
	Metrics *metrics.Metrics
	// MetricsEnabled mounts /metrics when true.
	MetricsEnabled bool
	// Tracer reports tracing status. Nil reads as disabled.
	Tracer *tracing.Tracer
	// OverridesFile is the override document the PUT/DELETE endpoints edit.
	// Empty makes those endpoints answer 409.
	OverridesFile string
}

// API is the admin HTTP surface.
type API struct {
	snapshot       func() *portal.Snapshot
	prober         *health.Prober
	metrics        *metrics.Metrics
	metricsEnabled bool
	tracer         *tracing.Tracer
	overridesFile  string
	startTime      time.Time

	// Serializes read-modify-write cycles on the override document.
	mu sync.Mutex
}

// New creates the admin API.
func New(opts Options) (*API, error) {
	if opts.Snapshot == nil {
		return nil, fmt.Errorf("admin: snapshot source is required")
	}
	return &API{
		snapshot:       opts.Snapshot,
		prober:         opts.Prober,
		metrics:        opts.Metrics,
		metricsEnabled: opts.MetricsEnabled,
		tracer:         opts.Tracer,
		overridesFile:  opts.OverridesFile,
		startTime:      time.Now(),
	}, nil
}

// Handler builds the admin router.
func (a *API) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/healthz", a.handleHealth)
	router.GET("/api/portals", a.handlePortals)
	router.PUT("/api/portals/:id/override", a.handleOverridePut)
	router.DELETE("/api/portals/:id/override", a.handleOverrideDelete)
	router.GET("/api/tracing", a.handleTracing)

	if a.metricsEnabled && a.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})

	return router
}

// handleHealth handles liveness checks.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(a.startTime).String(),
	})
}

// portalStatus is one row of the portal listing: the merged portal plus the
// prober's latest verdict.
type portalStatus struct {
	portal.Portal
	Reachability *health.Result `json:"reachability,omitempty"`
}

// handlePortals handles the merged portal table listing.
func (a *API) handlePortals(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")

	snap := a.snapshot()

	var results map[string]health.Result
	if a.prober != nil {
		results = a.prober.Results()
	}

	rows := make([]portalStatus, 0, len(snap.Ordered))
	for _, p := range snap.Ordered {
		row := portalStatus{Portal: p}
		if res, ok := results[p.ID]; ok {
			row.Reachability = &res
		}
		rows = append(rows, row)
	}

	json.NewEncoder(w).Encode(rows)
}

// handleTracing handles tracing status requests.
func (a *API) handleTracing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if a.tracer != nil {
		json.NewEncoder(w).Encode(a.tracer.Status())
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"enabled": false})
}
