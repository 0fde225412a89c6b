package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/mcpmate/marketproxy/internal/logging"
	"github.com/mcpmate/marketproxy/internal/metrics"
	"github.com/mcpmate/marketproxy/internal/middleware"
	"github.com/mcpmate/marketproxy/internal/portal"
	"github.com/mcpmate/marketproxy/internal/rewrite"
	"github.com/mcpmate/marketproxy/internal/shim"
	"github.com/mcpmate/marketproxy/internal/tracing"
)

// DefaultProxyRoot is the path prefix all portal traffic lives under.
const DefaultProxyRoot = "/market-proxy/"

// assetPrefixes are the framework asset roots that escape the proxy prefix
// when SSR markup or client routers emit origin-absolute URLs the rewriter
// could not reach.
var assetPrefixes = [...]string{"/_next/", "/static/", "/assets/", "/images/"}

// Options configure a Dispatcher. Snapshot and Shim are required, the rest
// default sensibly.
type Options struct {
	// ProxyRoot is the path prefix reserved for portal traffic.
	ProxyRoot string
	// BypassPatterns are doublestar globs always handed to the next
	// handler, checked before any portal logic. They keep the host dev
	// server's own paths out of asset recovery.
	BypassPatterns []string
	// UserAgent is sent upstream when the browser provided none.
	UserAgent string
	// Snapshot returns the current portal registry view. Called once per
	// request, so override reloads apply to the next request.
	Snapshot func() *portal.Snapshot
	// Shim provides per-portal style and script tags.
	Shim *shim.Source
	// Rewriters caches per-portal rewrite pipelines.
	Rewriters *rewrite.Cache
	// Client performs upstream fetches.
	Client *Client
	// Metrics receives request instrumentation.
	Metrics *metrics.Metrics
}

// Dispatcher routes browser requests to portal origins. Anything outside the
// proxy root (and not a recoverable escaped asset) falls through to the next
// handler in the chain.
type Dispatcher struct {
	proxyRoot string
	bypass    []string
	userAgent string
	snapshot  func() *portal.Snapshot
	shim      *shim.Source
	rewriters *rewrite.Cache
	client    *Client
	metrics   *metrics.Metrics
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Snapshot == nil {
		return nil, fmt.Errorf("proxy: snapshot source is required")
	}
	if opts.Shim == nil {
		return nil, fmt.Errorf("proxy: shim source is required")
	}

	root := opts.ProxyRoot
	if root == "" {
		root = DefaultProxyRoot
	}
	if !strings.HasPrefix(root, "/") {
		return nil, fmt.Errorf("proxy: proxy root %q must start with /", root)
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}

	for _, pat := range opts.BypassPatterns {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("proxy: invalid bypass pattern %q", pat)
		}
	}

	rewriters := opts.Rewriters
	if rewriters == nil {
		var err error
		rewriters, err = rewrite.NewCache(32)
		if err != nil {
			return nil, err
		}
	}
	client := opts.Client
	if client == nil {
		client = NewClient(ClientOptions{})
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Dispatcher{
		proxyRoot: root,
		bypass:    append([]string(nil), opts.BypassPatterns...),
		userAgent: opts.UserAgent,
		snapshot:  opts.Snapshot,
		shim:      opts.Shim,
		rewriters: rewriters,
		client:    client,
		metrics:   m,
	}, nil
}

// Middleware returns the dispatcher as a chain link. Portal traffic is
// handled here, everything else falls through to next.
func (d *Dispatcher) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d.serve(w, r, next)
		})
	}
}

func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	path := r.URL.Path

	for _, pat := range d.bypass {
		if ok, _ := doublestar.Match(pat, path); ok {
			next.ServeHTTP(w, r)
			return
		}
	}

	snap := d.snapshot()

	// Asset requests that escaped the proxy prefix carry no portal in the
	// path, only the Referer tells us which origin they meant.
	if isEscapedAssetPath(path) && !snap.UnderProxyPrefix(path) {
		if p, ok := snap.ByReferer(r.Header.Get("Referer")); ok {
			d.serveRecoveredAsset(w, r, p)
			return
		}
	}

	if !strings.HasPrefix(path, d.proxyRoot) {
		next.ServeHTTP(w, r)
		return
	}
	p, rest, ok := snap.MatchPath(path)
	if !ok {
		next.ServeHTTP(w, r)
		return
	}
	d.servePortal(w, r, p, rest)
}

// servePortal fetches rest from the portal's origin and relays the response.
func (d *Dispatcher) servePortal(w http.ResponseWriter, r *http.Request, p portal.Portal, rest string) {
	start := time.Now()
	defer func() {
		d.metrics.RequestDuration.WithLabelValues(p.ID).Observe(time.Since(start).Seconds())
	}()

	target := buildTargetURL(p, rest, r.URL.RawQuery)
	if meta := middleware.MetaFromContext(r.Context()); meta != nil {
		meta.Portal = p.ID
		meta.Upstream = target
	}

	fwd := BuildForwardHeaders(r.Header, d.userAgent)
	// Replace the browser's Accept-Encoding so whatever comes back is
	// decodable in case it turns out to be HTML.
	fwd.Set("Accept-Encoding", acceptEncodings)
	tracing.InjectHeaders(r, fwd)

	var body io.ReadCloser
	var contentLength int64
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
		contentLength = r.ContentLength
	}

	resp, err := d.client.Do(r.Context(), r.Method, target, fwd, body, contentLength)
	if err != nil {
		d.writeBadGateway(w, r, p.ID, err)
		return
	}
	defer resp.Body.Close()

	logging.Debug("upstream response",
		zap.String("portal", p.ID),
		zap.String("target", target),
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")),
	)

	if isHTMLResponse(resp.Header.Get("Content-Type")) {
		d.respondHTML(w, r, p, resp)
		return
	}
	d.passThrough(w, resp, p.ID, kindPassthrough)
}

// serveRecoveredAsset refetches an escaped asset from the portal origin
// inferred from the Referer and relays it verbatim.
func (d *Dispatcher) serveRecoveredAsset(w http.ResponseWriter, r *http.Request, p portal.Portal) {
	target := buildTargetURL(p, r.URL.Path, r.URL.RawQuery)
	if meta := middleware.MetaFromContext(r.Context()); meta != nil {
		meta.Portal = p.ID
		meta.Upstream = target
	}
	logging.Debug("recovering escaped asset",
		zap.String("portal", p.ID),
		zap.String("path", r.URL.Path),
	)

	fwd := BuildForwardHeaders(r.Header, d.userAgent)
	tracing.InjectHeaders(r, fwd)
	resp, err := d.client.Do(r.Context(), r.Method, target, fwd, nil, 0)
	if err != nil {
		d.writeBadGateway(w, r, p.ID, err)
		return
	}
	defer resp.Body.Close()

	d.metrics.RecoveredAssets.WithLabelValues(p.ID).Inc()
	d.passThrough(w, resp, p.ID, kindRecoveredAsset)
}

func isEscapedAssetPath(path string) bool {
	for _, prefix := range assetPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// buildTargetURL joins the portal origin with the portal-relative path and
// the verbatim raw query.
func buildTargetURL(p portal.Portal, rest, rawQuery string) string {
	target := strings.TrimSuffix(p.RemoteOrigin, "/") + rest
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}
