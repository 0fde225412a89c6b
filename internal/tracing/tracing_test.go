package tracing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpmate/marketproxy/internal/config"
)

func TestTracerMiddleware(t *testing.T) {
	tracer, err := New(config.TracingConfig{
		Enabled:     true,
		ServiceName: "marketproxy-test",
		SampleRate:  1.0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/market-proxy/mcpmarket/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, r)

	id := w.Header().Get("X-Trace-ID")
	if len(id) != 32 {
		t.Errorf("X-Trace-ID = %q, want 32 hex chars", id)
	}
}

func TestTracerMiddlewarePropagation(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: true, SampleRate: 1.0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const incomingTrace = "4bf92f3577b34da6a3ce929d0e0e4736"

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", "00-"+incomingTrace+"-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, r)

	if got := w.Header().Get("X-Trace-ID"); got != incomingTrace {
		t.Errorf("X-Trace-ID = %q, want the incoming trace id %q", got, incomingTrace)
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tracer.IsEnabled() {
		t.Fatal("tracer should be disabled")
	}

	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer should not stamp X-Trace-ID")
	}
	if err := tracer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestInjectHeaders(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: true, SampleRate: 1.0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var forwarded http.Header
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = make(http.Header)
		InjectHeaders(r, forwarded)
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/market-proxy/mcpso/servers", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	tp := forwarded.Get("traceparent")
	if tp == "" {
		t.Fatal("traceparent not injected into forward headers")
	}
	traceID := w.Header().Get("X-Trace-ID")
	if !strings.Contains(tp, traceID) {
		t.Errorf("traceparent %q does not carry trace id %q", tp, traceID)
	}
}

func TestSpanMiddlewareNilTracer(t *testing.T) {
	called := false
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}

	handler := SpanMiddleware(nil, "dispatch", mw)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Error("wrapped middleware was skipped")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
}
