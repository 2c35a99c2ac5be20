package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/logger"
	"github.com/emailassist/emailassist/internal/metrics"
	"github.com/emailassist/emailassist/internal/token"
	"github.com/emailassist/emailassist/internal/trace"
)

// traceRequests tags each request with a trace id, then logs and times it
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(trace.HeaderName)
		if id == "" {
			id = trace.NewID()
		}
		ctx := trace.WithContext(r.Context(), id)
		w.Header().Set(trace.HeaderName, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		duration := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), duration)

		logger.WithTrace(ctx, s.logger).Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", duration),
		)
	})
}

// requireToken guards the JSON API with a bearer token when a secret is configured
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.config.Server.APISecret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		tok := token.Extract(r)
		if tok == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		if _, err := token.Parse(tok, secret); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
