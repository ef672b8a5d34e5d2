// Package api exposes the daemon's HTTP surface: health and readiness
// probes, Prometheus metrics, job record queries, and extraction submission.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agriscope/gleaner/internal/bus"
	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/health"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/store"
)

// Server holds the HTTP handler dependencies.
type Server struct {
	store  store.JobStore
	bus    bus.Bus
	health *health.Manager
	cfg    config.APIConfig
	log    zerolog.Logger
}

// New creates the HTTP server facade.
func New(st store.JobStore, b bus.Bus, hm *health.Manager, cfg config.APIConfig) *Server {
	return &Server{
		store:  st,
		bus:    b,
		health: hm,
		cfg:    cfg,
		log:    log.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack. Probe
// and scrape endpoints sit outside the rate limit so pollers never starve.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(tracing)
	r.Use(httpMetrics)
	r.Use(accessLog)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(rateLimiter(s.cfg.RateLimit, time.Minute))
		}
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Group(func(r chi.Router) {
			if s.cfg.RateBurst > 0 {
				r.Use(rateLimiter(s.cfg.RateBurst, time.Second))
			}
			r.Post("/extractions", s.handleSubmitExtraction)
		})
	})

	return r
}

// rateLimiter builds a sliding-window limiter keyed by client IP with a
// JSON 429 and Retry-After header.
func rateLimiter(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		}),
	)
}
