package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	errs "igsession/pkg/errors"
	"igsession/pkg/logger"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// requestID reuses a well-formed incoming id or mints a new one
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// logging logs each request once it completes and feeds the HTTP metrics
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		}
		s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"route":       route,
			"path":        r.URL.Path,
			"status":      status,
			"remote_addr": r.RemoteAddr,
			"duration_ms": elapsed.Milliseconds(),
		}).Info("HTTP request")
	})
}

// recovery turns a panic into a 500
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("Panic recovered")
				writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-IP limiter
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.ipLimiter.Allow(ip) {
			s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
				"ip":   ip,
				"path": r.URL.Path,
			}).Warn("Per-IP rate limit exceeded")
			s.writeError(w, r, errs.New(errs.ErrorTypeRateLimit, "too many requests from this address"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
