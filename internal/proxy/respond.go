package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mcpmate/marketproxy/internal/logging"
	"github.com/mcpmate/marketproxy/internal/middleware"
	"github.com/mcpmate/marketproxy/internal/portal"
	"github.com/mcpmate/marketproxy/internal/rewrite"
)

// Response kinds for the requests_total metric.
const (
	kindHTMLStream     = "html_stream"
	kindHTMLBuffered   = "html_buffered"
	kindPassthrough    = "passthrough"
	kindRecoveredAsset = "recovered_asset"
	kindError          = "error"
)

// passthroughHeaders is the header allowlist for unmodified relays. Upstream
// bodies are relayed byte for byte, so the encoding and length headers must
// travel with them. Everything else from the origin stays behind the proxy.
var passthroughHeaders = [...]string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Vary",
}

func isHTMLResponse(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

func copySetCookies(dst, src http.Header) {
	for _, c := range src.Values("Set-Cookie") {
		dst.Add("Set-Cookie", c)
	}
}

// writeHTMLHeaders prepares response headers for a transformed HTML body:
// cookies forwarded, caching disabled, content type reset since the body no
// longer matches the upstream encoding or length.
func writeHTMLHeaders(dst, src http.Header) {
	copySetCookies(dst, src)
	dst.Set("Cache-Control", "no-store")
	dst.Set("Content-Type", "text/html; charset=utf-8")
}

// passThrough relays a non-HTML upstream response unchanged apart from the
// forced no-store and the header allowlist.
func (d *Dispatcher) passThrough(w http.ResponseWriter, resp *http.Response, portalID, kind string) {
	h := w.Header()
	for _, name := range passthroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	copySetCookies(h, resp.Header)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	d.metrics.ProxiedBytes.WithLabelValues(portalID).Add(float64(n))
	if err != nil {
		logging.Debug("relay aborted mid-body",
			zap.String("portal", portalID),
			zap.Error(err),
		)
	}
	d.countRequest(portalID, kind, resp.StatusCode)
}

// respondHTML rewrites or stream-injects an HTML response according to the
// portal's adapter. Streaming adapters get bytes relayed as they arrive with
// only the tag insertion; buffered adapters get the full rewrite pipeline.
func (d *Dispatcher) respondHTML(w http.ResponseWriter, r *http.Request, p portal.Portal, resp *http.Response) {
	reader, cleanup, err := decodeReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err == errUnsupportedEncoding {
		logging.Warn("HTML response with unknown content encoding, relaying untouched",
			zap.String("portal", p.ID),
			zap.String("content_encoding", resp.Header.Get("Content-Encoding")),
		)
		d.passThrough(w, resp, p.ID, kindPassthrough)
		return
	}
	if err != nil {
		d.writeBadGateway(w, r, p.ID, err)
		return
	}
	defer cleanup()

	adapter := portal.AdapterFor(p.Adapter)
	snip := d.shim.For(p)

	if adapter.Streaming {
		writeHTMLHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		cw := &countingWriter{ResponseWriter: w}
		mode, err := streamInject(cw, reader, snip.Style, snip.Script)
		d.metrics.ProxiedBytes.WithLabelValues(p.ID).Add(float64(cw.n))
		if err != nil {
			// Headers are out, all we can do is drop the connection.
			logging.Warn("streaming relay aborted",
				zap.String("portal", p.ID),
				zap.Error(err),
			)
			return
		}
		d.metrics.Injections.WithLabelValues(p.ID, string(mode)).Inc()
		d.countRequest(p.ID, kindHTMLStream, resp.StatusCode)
		return
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		d.writeBadGateway(w, r, p.ID, err)
		return
	}
	out := d.rewriters.For(p).Rewrite(string(data))
	out = rewrite.Inject(out, snip.Style, snip.Script)

	writeHTMLHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, out); err != nil {
		logging.Debug("relay aborted mid-body", zap.String("portal", p.ID), zap.Error(err))
		return
	}
	d.metrics.ProxiedBytes.WithLabelValues(p.ID).Add(float64(len(out)))
	d.metrics.Injections.WithLabelValues(p.ID, string(injectBuffered)).Inc()
	d.countRequest(p.ID, kindHTMLBuffered, resp.StatusCode)
}

// writeBadGateway reports an upstream fetch failure to the browser. The body
// is deliberately plain text so it reads cleanly inside the portal iframe.
func (d *Dispatcher) writeBadGateway(w http.ResponseWriter, r *http.Request, portalID string, err error) {
	logging.Error("upstream fetch failed",
		zap.String("portal", portalID),
		zap.String("request_id", middleware.GetRequestID(r)),
		zap.Error(err),
	)
	d.metrics.UpstreamErrors.WithLabelValues(portalID).Inc()
	d.countRequest(portalID, kindError, http.StatusBadGateway)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, "Market proxy error: %v", err)
}

func (d *Dispatcher) countRequest(portalID, kind string, status int) {
	d.metrics.RequestsTotal.WithLabelValues(portalID, kind, strconv.Itoa(status)).Inc()
}

// countingWriter tracks bytes written through it and keeps the underlying
// Flusher reachable for the streaming injector.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.ResponseWriter.Write(b)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
