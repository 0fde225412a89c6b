// Package proxy fetches market portal pages from their remote origins and
// relays them to the browser. The dispatcher matches incoming paths against
// the portal registry, the client follows upstream redirects in-process, and
// HTML responses are rewritten or stream-injected depending on the portal's
// adapter capabilities.
package proxy

import (
	"net/http"
	"strings"
)

const (
	defaultAccept    = "*/*"
	defaultUserAgent = "MCPMate-MarketProxy/1.0"

	// Encodings the decode layer can undo. Sent upstream in place of the
	// browser's Accept-Encoding on portal fetches so every response body
	// stays decodable.
	acceptEncodings = "gzip, deflate, br, zstd"
)

// hopHeaders never cross the proxy boundary. Host is rebuilt from the
// target origin, the rest are connection-scoped.
var hopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
}

// BuildForwardHeaders sanitizes a browser request's headers for the upstream
// fetch. Hop-by-hop headers are dropped, multi-valued headers collapse into a
// single comma-joined value, and Accept/User-Agent get defaults when the
// browser sent none.
func BuildForwardHeaders(raw http.Header, userAgent string) http.Header {
	fwd := make(http.Header, len(raw)+2)
	for name, values := range raw {
		if _, hop := hopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		if len(values) == 0 {
			continue
		}
		fwd.Set(name, strings.Join(values, ", "))
	}
	if fwd.Get("Accept") == "" {
		fwd.Set("Accept", defaultAccept)
	}
	if fwd.Get("User-Agent") == "" {
		if userAgent == "" {
			userAgent = defaultUserAgent
		}
		fwd.Set("User-Agent", userAgent)
	}
	return fwd
}
