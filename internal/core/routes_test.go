package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"rhema/internal/types"
)

func newTestServerForRoutes(t *testing.T, registrars ...RouteRegistrar) (*Server, *mockMetricsCollector) {
	t.Helper()

	srv, err := NewServer(testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	metrics := &mockMetricsCollector{}
	srv.Metrics = metrics
	srv.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	srv.APIRouteRegistrars = registrars
	srv.MountRoutes()
	return srv, metrics
}

func TestMountRoutes_HealthEndpoint(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" || body["env"] != "ready" {
		t.Errorf("body = %v, want status=ok env=ready", body)
	}
}

func TestMountRoutes_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMountRoutes_APIRegistrars(t *testing.T) {
	srv, metrics := newTestServerForRoutes(t, func(r chi.Router) {
		r.Get("/ping/{id}", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
		})
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping/42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(metrics.calls) != 1 {
		t.Fatalf("metrics calls = %d, want 1", len(metrics.calls))
	}
	if metrics.calls[0].route != "/api/ping/{id}" {
		t.Errorf("metrics route = %q, want the route pattern", metrics.calls[0].route)
	}
}

func TestMountRoutes_UnknownRouteIs404(t *testing.T) {
	srv, metrics := newTestServerForRoutes(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(metrics.calls) != 1 || metrics.calls[0].status != "404" {
		t.Errorf("metrics calls = %+v", metrics.calls)
	}
}

func TestMountRoutes_SecurityHeadersAndRequestID(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing generated X-Request-Id")
	}
}

func TestMountRoutes_CORSHeaders(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://rhema.app")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestMountRoutes_CORSPreflight(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/checkout/subscription", nil)
	req.Header.Set("Origin", "https://rhema.app")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight response missing Access-Control-Allow-Origin")
	}
	if rec.Code >= 300 {
		t.Errorf("preflight status = %d, want 2xx", rec.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	t.Run("propagates inbound id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", "req-abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seen != "req-abc" || rec.Header().Get("X-Request-Id") != "req-abc" {
			t.Errorf("request id = %q / %q, want req-abc", seen, rec.Header().Get("X-Request-Id"))
		}
	})

	t.Run("generates uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if len(seen) != 36 {
			t.Errorf("generated id %q is not a UUID", seen)
		}
	})
}

func TestRequestIDMiddleware_ScopedLoggerCarriesID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	fallback := slog.New(slog.NewJSONHandler(io.Discard, nil))

	handler := RequestIDMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		types.LoggerFromContext(r.Context(), fallback).ErrorContext(r.Context(), "webhook signature verification failed")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output %q is not JSON: %v", buf.String(), err)
	}
	if line["request_id"] != "req-123" {
		t.Errorf("log line = %v, want request_id=req-123", line)
	}
}

func TestMountRoutes_HandlerLogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	srv, err := NewServer(testConfig(), slog.New(slog.NewJSONHandler(&buf, nil)))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	srv.APIRouteRegistrars = []RouteRegistrar{func(r chi.Router) {
		r.Post("/fail", func(w http.ResponseWriter, r *http.Request) {
			types.LoggerFromContext(r.Context(), discardLogger()).WarnContext(r.Context(), "handler failure")
			w.WriteHeader(http.StatusBadRequest)
		})
	}}
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodPost, "/api/fail", nil)
	req.Header.Set("X-Request-Id", "req-xyz")
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	found := false
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var line map[string]any
		if json.Unmarshal(raw, &line) != nil || line["msg"] != "handler failure" {
			continue
		}
		found = true
		if line["request_id"] != "req-xyz" {
			t.Errorf("handler log line = %v, want request_id=req-xyz", line)
		}
	}
	if !found {
		t.Fatalf("handler log line not written; output: %s", buf.String())
	}
}

func TestContextTimeoutMiddleware(t *testing.T) {
	handler := ContextTimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		if r.Context().Err() != context.DeadlineExceeded {
			t.Errorf("ctx.Err() = %v, want DeadlineExceeded", r.Context().Err())
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
