package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"github.com/mcpmate/marketproxy/internal/errors"
	"github.com/mcpmate/marketproxy/internal/logging"
)

// newFallbackHandler builds the handler for everything the dispatcher does
// not claim. With a target configured it reverse-proxies to the host dev
// server, WebSocket upgrades included, so HMR keeps working through the
// proxy port. Without one it answers 404.
func newFallbackHandler(target string) (http.Handler, error) {
	if target == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}), nil
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("fallback target %q must be an absolute URL", target)
	}

	rp := httputil.NewSingleHostReverseProxy(u)
	// Dev servers stream (SSE, build progress); do not hold bytes back.
	rp.FlushInterval = -1
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.Error("fallback proxy error",
			zap.String("target", target),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		errors.ErrBadGateway.WithDetails("fallback target unreachable: "+err.Error()).WriteJSON(w)
	}

	return rp, nil
}
