package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mcpmate/marketproxy/internal/logging"
)

// DefaultMaxRedirects bounds upstream redirect chains when the config does
// not say otherwise.
const DefaultMaxRedirects = 5

// RedirectTransport follows upstream redirects inside the proxy instead of
// surfacing 3xx responses to the browser. Portal origins bounce through
// locale and canonical-host redirects before serving a page, and the browser
// must never see those hops because the Location targets are not rewritten.
type RedirectTransport struct {
	inner        http.RoundTripper
	maxRedirects int

	followed    atomic.Int64
	maxExceeded atomic.Int64
}

// NewRedirectTransport wraps inner with redirect following. maxRedirects <= 0
// selects DefaultMaxRedirects.
func NewRedirectTransport(inner http.RoundTripper, maxRedirects int) *RedirectTransport {
	if inner == nil {
		inner = http.DefaultTransport
	}
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	return &RedirectTransport{inner: inner, maxRedirects: maxRedirects}
}

// RoundTrip issues req and chases up to maxRedirects redirect responses,
// returning the first non-3xx response.
func (t *RedirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	for hop := 0; isRedirect(resp.StatusCode); hop++ {
		if hop >= t.maxRedirects {
			t.maxExceeded.Add(1)
			resp.Body.Close()
			return nil, fmt.Errorf("proxy: stopped after %d redirects for %s", t.maxRedirects, req.URL)
		}

		location := resp.Header.Get("Location")
		if location == "" {
			// 3xx without Location is a final response as far as we
			// are concerned.
			return resp, nil
		}

		next, err := resolveRedirectURL(req.URL, location)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("proxy: bad redirect location %q: %w", location, err)
		}

		resp.Body.Close()
		t.followed.Add(1)
		logging.Debug("following upstream redirect",
			zap.Int("status", resp.StatusCode),
			zap.String("from", req.URL.String()),
			zap.String("to", next.String()),
		)

		req = redirectRequest(req, next, resp.StatusCode)
		resp, err = t.inner.RoundTrip(req)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Stats reports how many redirects were followed and how many chains hit the
// hop limit since the transport was created.
func (t *RedirectTransport) Stats() (followed, maxExceeded int64) {
	return t.followed.Load(), t.maxExceeded.Load()
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectRequest builds the follow-up request for a redirect hop. 303 always
// becomes a bodyless GET, and 301/302 demote POST to GET the way browser
// fetch does. 307/308 preserve the method, but the original body reader is
// already consumed, so replays carry no body.
func redirectRequest(prev *http.Request, target *url.URL, status int) *http.Request {
	method := prev.Method
	switch status {
	case http.StatusSeeOther:
		method = http.MethodGet
	case http.StatusMovedPermanently, http.StatusFound:
		if method == http.MethodPost {
			method = http.MethodGet
		}
	}

	next := (&http.Request{
		Method:     method,
		URL:        target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header, len(prev.Header)),
		Host:       target.Host,
	}).WithContext(prev.Context())

	for k, vv := range prev.Header {
		next.Header[k] = append(vv[:0:0], vv...)
	}
	return next
}

// resolveRedirectURL turns a Location header into an absolute URL. Handles
// absolute URLs, protocol-relative //host/path forms, and paths relative to
// the request URL.
func resolveRedirectURL(base *url.URL, location string) (*url.URL, error) {
	if strings.HasPrefix(location, "//") {
		location = base.Scheme + ":" + location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme == "" || resolved.Host == "" {
		return nil, fmt.Errorf("unresolvable location %q", location)
	}
	return resolved, nil
}
