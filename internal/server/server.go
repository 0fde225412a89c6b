// Package server assembles the market proxy daemon: portal registry and
// override watcher, shim assets, the dispatcher with its middleware chain,
// the reachability prober, and the proxy plus admin listeners.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpmate/marketproxy/internal/admin"
	"github.com/mcpmate/marketproxy/internal/config"
	"github.com/mcpmate/marketproxy/internal/health"
	"github.com/mcpmate/marketproxy/internal/logging"
	"github.com/mcpmate/marketproxy/internal/metrics"
	"github.com/mcpmate/marketproxy/internal/middleware"
	"github.com/mcpmate/marketproxy/internal/portal"
	"github.com/mcpmate/marketproxy/internal/proxy"
	"github.com/mcpmate/marketproxy/internal/shim"
	"github.com/mcpmate/marketproxy/internal/tracing"
)

// drainTimeout bounds graceful shutdown of the listeners.
const drainTimeout = 10 * time.Second

// Server is the assembled daemon.
type Server struct {
	cfg      *config.Config
	registry *portal.Registry
	snapshot atomic.Pointer[portal.Snapshot]

	watcher    *config.Watcher
	prober     *health.Prober
	tracer     *tracing.Tracer
	metrics    *metrics.Metrics
	dispatcher *proxy.Dispatcher

	handler      http.Handler
	adminHandler http.Handler
}

// New wires the daemon from configuration and starts the background loops
// (prober, override watcher). Run starts the listeners.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		metrics: metrics.New(),
	}

	var err error
	s.tracer, err = tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}

	s.registry, err = portal.NewRegistry(portal.Builtins())
	if err != nil {
		return nil, fmt.Errorf("building portal registry: %w", err)
	}

	overrides, err := config.LoadOverrides(cfg.OverridesFile)
	if err != nil {
		return nil, fmt.Errorf("loading portal overrides: %w", err)
	}
	if len(overrides) > 0 {
		if verr := config.ValidateOverrides(overrides); verr != nil {
			logging.Warn("portal override document has schema violations",
				zap.String("path", cfg.OverridesFile),
				zap.Error(verr),
			)
		}
	}
	s.applyOverrides(overrides)

	if cfg.Health.Enabled {
		s.prober = health.NewProber(health.Config{
			Interval: cfg.Health.Interval,
			Timeout:  cfg.Health.Timeout,
			OnChange: func(id string, reachable bool) {
				v := 0.0
				if reachable {
					v = 1.0
				}
				s.metrics.PortalReachable.WithLabelValues(id).Set(v)
			},
		})
		s.prober.Update(s.snapshot.Load().Ordered)
	}

	if cfg.OverridesFile != "" && cfg.WatchOverrides {
		s.watcher, err = config.NewOverrideWatcher(cfg.OverridesFile)
		if err != nil {
			return nil, fmt.Errorf("watching portal overrides: %w", err)
		}
		s.watcher.OnChange(func(doc []byte) {
			outcome := "applied"
			if len(doc) > 0 && config.ValidateOverrides(doc) != nil {
				outcome = "schema_warnings"
			}
			s.applyOverrides(doc)
			s.metrics.OverrideReloads.WithLabelValues(outcome).Inc()
		})
		if err := s.watcher.Start(); err != nil {
			return nil, fmt.Errorf("starting override watcher: %w", err)
		}
	}

	shimSource, err := shim.NewSource(cfg.AssetsDir, cfg.CacheAssets)
	if err != nil {
		return nil, fmt.Errorf("loading shim assets: %w", err)
	}

	client := proxy.NewClient(proxy.ClientOptions{
		MaxRedirects: cfg.Upstream.MaxRedirects,
		Timeout:      cfg.Upstream.Timeout,
	})

	s.dispatcher, err = proxy.NewDispatcher(proxy.Options{
		ProxyRoot:      cfg.ProxyRoot,
		BypassPatterns: cfg.BypassPatterns,
		UserAgent:      cfg.UserAgent,
		Snapshot:       s.currentSnapshot,
		Shim:           shimSource,
		Client:         client,
		Metrics:        s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("building dispatcher: %w", err)
	}

	fallback, err := newFallbackHandler(cfg.FallbackTarget)
	if err != nil {
		return nil, fmt.Errorf("building fallback handler: %w", err)
	}

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logging(),
		s.tracer.Middleware(),
		tracing.SpanMiddleware(s.tracer, "market-proxy", s.dispatcher.Middleware()),
	)
	s.handler = chain.Then(fallback)

	adminAPI, err := admin.New(admin.Options{
		Snapshot:       s.currentSnapshot,
		Prober:         s.prober,
		Metrics:        s.metrics,
		MetricsEnabled: cfg.Metrics.Enabled,
		Tracer:         s.tracer,
		OverridesFile:  cfg.OverridesFile,
	})
	if err != nil {
		return nil, fmt.Errorf("building admin api: %w", err)
	}
	adminChain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logging(),
	)
	s.adminHandler = adminChain.Then(adminAPI.Handler())

	return s, nil
}

// currentSnapshot returns the live merged portal table.
func (s *Server) currentSnapshot() *portal.Snapshot {
	return s.snapshot.Load()
}

// applyOverrides swaps in the snapshot for the given override document and
// points the prober at the (possibly changed) origins.
func (s *Server) applyOverrides(doc []byte) {
	if unknown := portal.UnknownIDs(portal.Builtins(), doc); len(unknown) > 0 {
		logging.Warn("override entries ignored, ids are not built-in portals",
			zap.Strings("ids", unknown),
		)
	}
	snap := s.registry.Snapshot(doc)
	s.snapshot.Store(snap)
	if s.prober != nil {
		s.prober.Update(snap.Ordered)
	}
	logging.Info("portal table updated",
		zap.Int("portals", len(snap.Ordered)),
		zap.Uint64("fingerprint", snap.Fingerprint),
	)
}

// Handler returns the proxy listener's handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// AdminHandler returns the admin listener's handler.
func (s *Server) AdminHandler() http.Handler {
	return s.adminHandler
}

// Run starts the listeners and blocks until ctx is cancelled or a component
// fails. Shutdown drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	proxySrv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.handler,
	}
	g.Go(func() error {
		logging.Info("market proxy listening",
			zap.String("addr", s.cfg.Listen),
			zap.String("proxy_root", s.cfg.ProxyRoot),
			zap.Int("portals", len(s.snapshot.Load().Ordered)),
		)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy listener: %w", err)
		}
		return nil
	})

	var adminSrv *http.Server
	if s.cfg.AdminListen != "" {
		adminSrv = &http.Server{
			Addr:         s.cfg.AdminListen,
			Handler:      s.adminHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logging.Info("admin listening", zap.String("addr", s.cfg.AdminListen))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		if adminSrv != nil {
			if err := adminSrv.Shutdown(shutdownCtx); err != nil {
				logging.Error("admin shutdown error", zap.Error(err))
			}
		}
		if err := proxySrv.Shutdown(shutdownCtx); err != nil {
			logging.Error("proxy shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	s.Close()
	if err != nil {
		return err
	}
	logging.Info("server stopped")
	return nil
}

// Close releases background resources. Run calls it on the way out; callers
// that never Run should call it themselves.
func (s *Server) Close() error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logging.Error("override watcher stop error", zap.Error(err))
		}
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.tracer != nil {
		if err := s.tracer.Close(); err != nil {
			logging.Error("tracer close error", zap.Error(err))
		}
	}
	return nil
}
