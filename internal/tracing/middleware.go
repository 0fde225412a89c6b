package tracing

import (
	"net/http"

	"github.com/mcpmate/marketproxy/internal/middleware"
	"go.opentelemetry.io/otel/trace"
)

// SpanMiddleware wraps a middleware with a named child span. Used around the
// portal dispatcher so origin fetch time shows up as its own span.
func SpanMiddleware(tracer *Tracer, name string, mw middleware.Middleware) middleware.Middleware {
	if tracer == nil || !tracer.enabled {
		return mw
	}
	return func(next http.Handler) http.Handler {
		inner := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()
			inner.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
