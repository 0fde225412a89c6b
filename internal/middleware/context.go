package middleware

import (
	"context"
	"net/http"
)

// RequestMeta carries per-request facts that handlers discover after the
// outer middlewares have already run. The logging middleware attaches one
// before calling the next handler and reads it back afterwards, so inner
// handlers mutate the shared struct rather than deriving a new context.
// Requests are handled on a single goroutine, no locking needed.
type RequestMeta struct {
	// RequestID is the correlation id assigned by the request ID middleware.
	RequestID string
	// Portal is the portal id the dispatcher resolved the request to, empty
	// for bypassed and unmatched requests.
	Portal string
	// Upstream is the remote URL the dispatcher fetched, if any.
	Upstream string
}

type metaKey struct{}

// EnsureMeta returns the request's RequestMeta, attaching a fresh one (and
// returning the derived request) when none exists yet.
func EnsureMeta(r *http.Request) (*RequestMeta, *http.Request) {
	if meta, ok := r.Context().Value(metaKey{}).(*RequestMeta); ok {
		return meta, r
	}
	meta := &RequestMeta{}
	return meta, r.WithContext(context.WithValue(r.Context(), metaKey{}, meta))
}

// MetaFromContext returns the RequestMeta attached to ctx, or nil.
func MetaFromContext(ctx context.Context) *RequestMeta {
	meta, _ := ctx.Value(metaKey{}).(*RequestMeta)
	return meta
}
