package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/mcpmate/marketproxy/internal/portal"
	"github.com/mcpmate/marketproxy/internal/shim"
)

func writeShimAssets(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	style := ".mp-hide{display:none}"
	if err := os.WriteFile(filepath.Join(dir, shim.StyleFile), []byte(style), 0o644); err != nil {
		t.Fatal(err)
	}
	tmpl := `(function(){var cfg={{ toJson .Config }};})();`
	if err := os.WriteFile(filepath.Join(dir, shim.ShimFile), []byte(tmpl), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testPortal(id, origin, adapter string) portal.Portal {
	return portal.Portal{
		ID:           id,
		Label:        id,
		RemoteOrigin: origin,
		ProxyPath:    "/market-proxy/" + id + "/",
		Adapter:      adapter,
	}
}

func newTestDispatcher(t *testing.T, opts Options, portals ...portal.Portal) *Dispatcher {
	t.Helper()
	reg, err := portal.NewRegistry(portals)
	if err != nil {
		t.Fatal(err)
	}
	snap := reg.Snapshot(nil)
	opts.Snapshot = func() *portal.Snapshot { return snap }

	if opts.Shim == nil {
		src, err := shim.NewSource(writeShimAssets(t), true)
		if err != nil {
			t.Fatal(err)
		}
		opts.Shim = src
	}

	d, err := NewDispatcher(opts)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// nextRecorder stands in for the host dev server at the end of the chain.
type nextRecorder struct {
	called bool
	path   string
}

func (n *nextRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.called = true
	n.path = r.URL.Path
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, "dev server")
}

func dispatch(d *Dispatcher, r *http.Request) (*httptest.ResponseRecorder, *nextRecorder) {
	next := &nextRecorder{}
	rec := httptest.NewRecorder()
	d.Middleware()(next).ServeHTTP(rec, r)
	return rec, next
}

func TestDispatcherBufferedHTML(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Add("Set-Cookie", "session=abc; Path=/")
		w.Header().Add("Set-Cookie", "locale=zh; Path=/")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		io.WriteString(w, `<html><head><title>Market</title></head><body><a href="/about">About</a></body></html>`)
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	rec, next := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/", nil))

	if next.called {
		t.Fatal("portal request leaked to the next handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `href="/market-proxy/mcpmarket/about"`) {
		t.Errorf("link not rewritten:\n%s", body)
	}
	if !strings.Contains(body, "<head><style>.mp-hide{display:none}</style>") {
		t.Errorf("style not injected after <head>:\n%s", body)
	}
	if !strings.Contains(body, `"portalId":"mcpmarket"`) {
		t.Errorf("shim config missing portal id:\n%s", body)
	}

	res := rec.Result()
	if cc := res.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	cookies := res.Header.Values("Set-Cookie")
	if len(cookies) != 2 || !strings.HasPrefix(cookies[0], "session=") || !strings.HasPrefix(cookies[1], "locale=") {
		t.Errorf("Set-Cookie = %v, want both cookies in order", cookies)
	}
}

func TestDispatcherStreamingHTMLPreservesBytes(t *testing.T) {
	page := `<html><head><title>mcp.so</title></head><body><a href="/servers">servers</a><script src="/_next/static/app.js"></script></body></html>`
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, page)
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpso", origin.URL, "nextssr"))
	rec, _ := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpso/", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `href="/servers"`) || !strings.Contains(body, `src="/_next/static/app.js"`) {
		t.Errorf("streaming path must not rewrite source bytes:\n%s", body)
	}
	if !strings.Contains(body, `"portalId":"mcpso"`) {
		t.Error("shim not injected on streaming path")
	}

	// Removing the injected tags must yield the origin bytes exactly.
	start := strings.Index(body, "<style>")
	end := strings.Index(body, "})();</script>") + len("})();</script>")
	if start < 0 || end <= start {
		t.Fatalf("injected tags not found:\n%s", body)
	}
	if stripped := body[:start] + body[end:]; stripped != page {
		t.Errorf("byte preservation violated:\ngot  %q\nwant %q", stripped, page)
	}
}

func TestDispatcherAssetPassthrough(t *testing.T) {
	blob := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0x02, 0xff}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(blob)
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	rec, _ := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/logo.png", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), blob) {
		t.Error("asset bytes were modified")
	}
	res := rec.Result()
	if ct := res.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := res.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestDispatcherCompressedHTMLDecoded(t *testing.T) {
	page := `<html><head></head><body><a href="/x">x</a></body></html>`
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write([]byte(page))
		zw.Close()
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	rec, _ := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `href="/market-proxy/mcpmarket/x"`) {
		t.Errorf("gzip body not decoded before rewrite:\n%s", body)
	}
	if ce := rec.Result().Header.Get("Content-Encoding"); ce != "" {
		t.Errorf("Content-Encoding = %q on a decoded body", ce)
	}
}

func TestDispatcherQueryForwardedVerbatim(t *testing.T) {
	var gotPath, gotQuery string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/search?q=visual+studio&tags=ide%2Ceditor", nil))

	if gotPath != "/search" {
		t.Errorf("upstream path = %q, want /search", gotPath)
	}
	if gotQuery != "q=visual+studio&tags=ide%2Ceditor" {
		t.Errorf("upstream query = %q, want raw query verbatim", gotQuery)
	}
}

func TestDispatcherPrefixWithoutTrailingSlash(t *testing.T) {
	var gotPath string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	rec, next := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket", nil))

	if next.called {
		t.Fatal("bare prefix fell through to next handler")
	}
	if rec.Code != http.StatusOK || gotPath != "/" {
		t.Errorf("status=%d upstream path=%q, want 200 and /", rec.Code, gotPath)
	}
}

func TestDispatcherPOSTBodyForwarded(t *testing.T) {
	var gotMethod, gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotMethod, gotBody = r.Method, string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{}`)
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	req := httptest.NewRequest("POST", "http://localhost:9320/market-proxy/mcpmarket/api/search", strings.NewReader(`{"q":"db"}`))
	req.Header.Set("Content-Type", "application/json")
	dispatch(d, req)

	if gotMethod != "POST" || gotBody != `{"q":"db"}` {
		t.Errorf("upstream saw %s %q", gotMethod, gotBody)
	}
}

func TestDispatcherUpstreamDown(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := origin.URL
	origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", url, "generic"))
	rec, _ := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Market proxy error") {
		t.Errorf("502 body = %q, want it to name the proxy failure", rec.Body.String())
	}
	if ct := rec.Result().Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want plain text", ct)
	}
}

func TestDispatcherEscapedAssetRecovery(t *testing.T) {
	var gotPath, gotQuery string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/javascript")
		io.WriteString(w, "console.log(1)")
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpso", origin.URL, "nextssr"))
	req := httptest.NewRequest("GET", "http://localhost:9320/_next/static/chunks/app.js?v=42", nil)
	req.Header.Set("Referer", "http://localhost:9320/market-proxy/mcpso/servers")
	rec, next := dispatch(d, req)

	if next.called {
		t.Fatal("recoverable asset fell through to next handler")
	}
	if gotPath != "/_next/static/chunks/app.js" || gotQuery != "v=42" {
		t.Errorf("upstream saw %q?%q", gotPath, gotQuery)
	}
	if rec.Body.String() != "console.log(1)" {
		t.Errorf("asset body = %q", rec.Body.String())
	}
	if ct := rec.Result().Header.Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestDispatcherEscapedAssetWithoutRefererFallsThrough(t *testing.T) {
	d := newTestDispatcher(t, Options{}, testPortal("mcpso", "https://mcp.so", "nextssr"))

	req := httptest.NewRequest("GET", "http://localhost:9320/static/logo.svg", nil)
	rec, next := dispatch(d, req)
	if !next.called {
		t.Fatal("asset without Referer should reach the next handler")
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want next handler's 404", rec.Code)
	}

	req = httptest.NewRequest("GET", "http://localhost:9320/images/icon.png", nil)
	req.Header.Set("Referer", "http://localhost:9320/somewhere/else")
	_, next = dispatch(d, req)
	if !next.called {
		t.Fatal("asset with unrelated Referer should reach the next handler")
	}
}

func TestDispatcherBypassPatternWins(t *testing.T) {
	d := newTestDispatcher(t,
		Options{BypassPatterns: []string{"/assets/app/**", "/@vite/**"}},
		testPortal("mcpso", "https://mcp.so", "nextssr"),
	)

	req := httptest.NewRequest("GET", "http://localhost:9320/assets/app/main.css", nil)
	req.Header.Set("Referer", "http://localhost:9320/market-proxy/mcpso/")
	_, next := dispatch(d, req)
	if !next.called {
		t.Fatal("bypass pattern must beat asset recovery")
	}
}

func TestDispatcherUnknownPortalFallsThrough(t *testing.T) {
	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", "https://mcpmarket.cn", "generic"))

	for _, path := range []string{"/", "/index.html", "/market-proxy/nope/page"} {
		req := httptest.NewRequest("GET", "http://localhost:9320"+path, nil)
		_, next := dispatch(d, req)
		if !next.called {
			t.Errorf("path %s should fall through", path)
		}
	}
}

func TestDispatcherSanitizesUpstreamHeaders(t *testing.T) {
	var gotConn, gotAE, gotHost string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConn = r.Header.Get("Proxy-Connection")
		gotAE = r.Header.Get("Accept-Encoding")
		gotHost = r.Host
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	req := httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "br;q=0.5, exotic")
	dispatch(d, req)

	if gotConn != "" {
		t.Errorf("hop-by-hop header reached upstream: %q", gotConn)
	}
	if gotAE != acceptEncodings {
		t.Errorf("Accept-Encoding = %q, want %q", gotAE, acceptEncodings)
	}
	if gotHost == "localhost:9320" {
		t.Error("browser Host header leaked upstream")
	}
}

func TestDispatcherFollowsUpstreamRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			http.Redirect(w, r, "/zh", http.StatusFound)
		case "/zh":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html><head></head><body>zh home</body></html>")
		}
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	rec, _ := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after internal redirect", rec.Code)
	}
	if loc := rec.Result().Header.Get("Location"); loc != "" {
		t.Errorf("Location leaked to browser: %q", loc)
	}
	if !strings.Contains(rec.Body.String(), "zh home") {
		t.Error("redirect target content missing")
	}
}

func TestDispatcherErrorStatusHTMLStillTransformed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `<html><head></head><body><a href="/home">home</a></body></html>`)
	}))
	defer origin.Close()

	d := newTestDispatcher(t, Options{}, testPortal("mcpmarket", origin.URL, "generic"))
	rec, _ := dispatch(d, httptest.NewRequest("GET", "http://localhost:9320/market-proxy/mcpmarket/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want upstream 404 preserved", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `href="/market-proxy/mcpmarket/home"`) {
		t.Error("404 page should still be rewritten")
	}
}
