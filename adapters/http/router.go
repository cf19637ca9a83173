// Package http provides the HTTP surface described in spec section 4.E:
// the router dispatches each of the create/connect/renew/read/abort/meta/
// delete operations, authenticates them, and hands upstream work off to
// the pipe and registry packages.
package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/duraproxy/duraproxy/adapters/metrics"
)

// corsExposedHeaders are surfaced to browser clients per spec section 4.E.
const corsExposedHeaders = "Location, Upstream-Content-Type, Stream-Next-Offset, Stream-Closed"

const corsAllowedMethods = "GET, POST, PATCH, DELETE, OPTIONS"

const corsAllowedHeaders = "Content-Type, Authorization, Upstream-URL, Upstream-Method, Upstream-Authorization, Stream-Signed-URL-TTL"

// NewRouter builds the full HTTP router.
func NewRouter(h *ProxyHandler, m *metrics.Collector, logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(newCORSMiddleware())
	if m != nil {
		r.Use(newMetricsMiddleware(m))
	}

	r.Get("/health", h.Health)

	if m != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.MethodFunc(http.MethodOptions, "/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/v1/proxy", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Post("/renew", h.Renew)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.dispatchGet)
			r.Post("/", h.dispatchPost)
			r.Patch("/", h.dispatchPatch)
			r.Head("/", h.Meta)
			r.Delete("/", h.Delete)
		})
	})

	return r
}

// dispatchGet serves the one GET action (read); it exists so the read
// handler can live beside the other /v1/proxy/{id} actions without chi
// route ambiguity.
func (h *ProxyHandler) dispatchGet(w http.ResponseWriter, r *http.Request) {
	h.Read(w, r)
}

func (h *ProxyHandler) dispatchPost(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "connect":
		h.Connect(w, r)
	default:
		writeError(w, invalidAction())
	}
}

func (h *ProxyHandler) dispatchPatch(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "abort":
		h.Abort(w, r)
	default:
		writeError(w, invalidAction())
	}
}

func newCORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newLoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func newMetricsMiddleware(m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			action := actionLabel(r)
			status := statusLabel(ww.Status())
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(action, status).Inc()
			m.RequestDuration.WithLabelValues(action, status).Observe(duration)
		})
	}
}

func actionLabel(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/proxy":
		return "create"
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/renew"):
		return "renew"
	case r.Method == http.MethodPost && r.URL.Query().Get("action") == "connect":
		return "connect"
	case r.Method == http.MethodGet:
		return "read"
	case r.Method == http.MethodPatch:
		return "abort"
	case r.Method == http.MethodHead:
		return "meta"
	case r.Method == http.MethodDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
