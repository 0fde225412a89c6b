// Package health probes portal origins for reachability. The verdicts feed
// the admin portal listing and the reachability gauge; the proxy itself never
// consults them, a request to an unreachable origin simply fails with 502.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mcpmate/marketproxy/internal/logging"
	"github.com/mcpmate/marketproxy/internal/portal"
)

// Status represents an origin's reachability verdict
type Status string

const (
	StatusReachable   Status = "reachable"
	StatusUnreachable Status = "unreachable"
	StatusUnknown     Status = "unknown"
)

// Result is the last probe outcome for one portal.
type Result struct {
	PortalID  string        `json:"portalId"`
	Origin    string        `json:"origin"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Config holds prober configuration
type Config struct {
	// Interval between probes of a reachable origin.
	Interval time.Duration
	// Timeout per probe request.
	Timeout time.Duration
	// OnChange fires when a portal's verdict flips.
	OnChange func(portalID string, reachable bool)
}

// DefaultConfig provides default prober settings
var DefaultConfig = Config{
	Interval: 30 * time.Second,
	Timeout:  5 * time.Second,
}

// Prober periodically checks each portal origin. Failing origins are probed
// with exponential backoff so a dead remote is not hammered, and all probes
// share a rate limiter to keep startup bursts polite.
type Prober struct {
	client   *http.Client
	interval time.Duration
	onChange func(string, bool)
	limiter  *rate.Limiter

	mu      sync.RWMutex
	portals map[string]*portalState

	ctx    context.Context
	cancel context.CancelFunc
}

type portalState struct {
	portal    portal.Portal
	status    Status
	lastCheck time.Time
	lastError error
	latency   time.Duration
	stop      chan struct{}
}

// NewProber creates a prober. Call Update to give it portals to watch.
func NewProber(cfg Config) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Prober{
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects still prove the origin answers.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		interval: cfg.Interval,
		onChange: cfg.OnChange,
		limiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		portals:  make(map[string]*portalState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Update reconciles the probed set against the given portals. New portals
// start probing immediately, removed ones stop, origin changes restart the
// portal's probe loop.
func (p *Prober) Update(portals []portal.Portal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(portals))
	for _, pt := range portals {
		seen[pt.ID] = true
		existing, ok := p.portals[pt.ID]
		if ok && existing.portal.RemoteOrigin == pt.RemoteOrigin {
			continue
		}
		if ok {
			close(existing.stop)
		}
		state := &portalState{
			portal: pt,
			status: StatusUnknown,
			stop:   make(chan struct{}),
		}
		p.portals[pt.ID] = state
		go p.probeLoop(state)
	}

	for id, state := range p.portals {
		if !seen[id] {
			close(state.stop)
			delete(p.portals, id)
		}
	}
}

// Results returns the latest verdict per portal.
func (p *Prober) Results() map[string]Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	results := make(map[string]Result, len(p.portals))
	for id, state := range p.portals {
		r := Result{
			PortalID:  id,
			Origin:    state.portal.RemoteOrigin,
			Status:    state.status,
			Latency:   state.latency,
			CheckedAt: state.lastCheck,
		}
		if state.lastError != nil {
			r.Error = state.lastError.Error()
		}
		results[id] = r
	}
	return results
}

// Status returns the verdict for one portal.
func (p *Prober) Status(portalID string) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if state, ok := p.portals[portalID]; ok {
		return state.status
	}
	return StatusUnknown
}

// Stop halts all probe loops.
func (p *Prober) Stop() {
	p.cancel()
}

// probeLoop probes one portal until the portal is removed or the prober
// stops. Probe cadence backs off while the origin keeps failing.
func (p *Prober) probeLoop(state *portalState) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxInterval = 8 * p.interval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		reachable := p.probe(state)

		var delay time.Duration
		if reachable {
			bo.Reset()
			delay = p.interval
		} else {
			delay = bo.NextBackOff()
		}

		select {
		case <-p.ctx.Done():
			return
		case <-state.stop:
			return
		case <-time.After(delay):
		}
	}
}

// probe performs one reachability check and records the outcome. HEAD is
// tried first; origins that reject it get a GET. Any response under 500
// counts as reachable.
func (p *Prober) probe(state *portalState) bool {
	if err := p.limiter.Wait(p.ctx); err != nil {
		return false
	}

	start := time.Now()
	status, err := p.request(http.MethodHead, state.portal.RemoteOrigin)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = p.request(http.MethodGet, state.portal.RemoteOrigin)
	}
	latency := time.Since(start)

	reachable := err == nil && status < 500

	p.mu.Lock()
	prev := state.status
	if reachable {
		state.status = StatusReachable
	} else {
		state.status = StatusUnreachable
	}
	state.lastCheck = time.Now()
	state.lastError = err
	state.latency = latency
	changed := prev != state.status
	p.mu.Unlock()

	if changed {
		logging.Info("portal reachability changed",
			zap.String("portal", state.portal.ID),
			zap.String("origin", state.portal.RemoteOrigin),
			zap.String("status", string(state.status)),
			zap.Error(err),
		)
		if p.onChange != nil {
			p.onChange(state.portal.ID, reachable)
		}
	}
	return reachable
}

func (p *Prober) request(method, origin string) (int, error) {
	req, err := http.NewRequestWithContext(p.ctx, method, origin, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
