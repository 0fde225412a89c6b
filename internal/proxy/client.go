package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client performs upstream fetches for the dispatcher. Redirects are chased
// by the transport so callers only ever see final responses.
type Client struct {
	transport http.RoundTripper
	timeout   time.Duration
}

// ClientOptions tune the upstream client. A zero value is usable: default
// transport, DefaultMaxRedirects, no timeout.
type ClientOptions struct {
	// Transport is the underlying round tripper, wrapped with redirect
	// following. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// MaxRedirects bounds the redirect chain per fetch.
	MaxRedirects int
	// Timeout caps the whole fetch including redirect hops. Zero means
	// no limit beyond the caller's context.
	Timeout time.Duration
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		transport: NewRedirectTransport(opts.Transport, opts.MaxRedirects),
		timeout:   opts.Timeout,
	}
}

// Do fetches target with the given sanitized headers. GET and HEAD requests
// never carry a body regardless of what the browser sent. The response body
// must be closed by the caller; closing it also releases the fetch timeout.
func (c *Client) Do(ctx context.Context, method, target string, headers http.Header, body io.ReadCloser, contentLength int64) (*http.Response, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("proxy: bad target url %q: %w", target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy: target url %q is not absolute", target)
	}

	cancel := func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req := (&http.Request{
		Method:     method,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     headers,
		Host:       u.Host,
	}).WithContext(ctx)

	if body != nil && method != http.MethodGet && method != http.MethodHead {
		req.Body = body
		req.ContentLength = contentLength
	}

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose ties a fetch timeout's cancel func to the response body so
// the context stays alive while the body streams.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
