package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// locateService is what the HTTP layer needs from LocateService.
type locateService interface {
	Locate(ctx context.Context, taskID, target string) (Result, error)
	LocateAll(ctx context.Context, taskID string, targets []string) ([]BatchItem, error)
	CacheStats() (CacheStats, bool)
}

// Server exposes the locator over HTTP.
type Server struct {
	cfg     *Config
	service locateService
	log     zerolog.Logger
}

// NewServer returns a Server for service.
func NewServer(cfg *Config, service locateService, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, service: service, log: logger}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit.Requests > 0 {
			r.Use(rateLimit(s.cfg.RateLimit))
		}
		r.Use(apiKeyMiddleware(s.cfg.APIKey))

		r.Post("/sora", s.handleLocate)
		r.Post("/locate", s.handleLocate)
		r.Post("/locate/batch", s.handleBatch)
	})
	return r
}

// HTTPServer returns an http.Server whose write timeout outlasts a lookup.
func (s *Server) HTTPServer() *http.Server {
	writeTimeout := s.cfg.Locator.Timeout + 30*time.Second
	if s.cfg.Locator.Timeout <= 0 {
		writeTimeout = 0
	}
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if stats, ok := s.service.CacheStats(); ok {
		resp["cache"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func rateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
