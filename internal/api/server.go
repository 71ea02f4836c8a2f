package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voxecho/voxecho/internal/api/middleware"
	"github.com/voxecho/voxecho/internal/database"
	"github.com/voxecho/voxecho/internal/ivr"
	"github.com/voxecho/voxecho/internal/media"
)

// Server is the HTTP status API: service health, active calls, call
// records and Prometheus metrics.
type Server struct {
	router    *chi.Mux
	registry  *ivr.CallRegistry
	endpoints *media.EndpointManager
	cdrs      database.CDRRepository
	metrics   http.Handler
	limiter   *middleware.IPRateLimiter
	logger    *slog.Logger
	started   time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
// metricsHandler serves the Prometheus scrape endpoint; nil disables it.
func NewServer(
	registry *ivr.CallRegistry,
	endpoints *media.EndpointManager,
	cdrs database.CDRRepository,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Server {
	apiLogger := logger.With("subsystem", "api")
	s := &Server{
		router:    chi.NewRouter(),
		registry:  registry,
		endpoints: endpoints,
		cdrs:      cdrs,
		metrics:   metricsHandler,
		limiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), apiLogger),
		logger:    apiLogger,
		started:   time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's background sweep.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures the middleware stack and mounts all routes.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.RateLimit(s.limiter))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/calls", s.handleActiveCalls)

		r.Route("/cdrs", func(r chi.Router) {
			r.Get("/", s.handleListCDRs)
			r.Get("/export", s.handleExportCDRs)
			r.Get("/stats", s.handleCDRStats)
			r.Get("/{callID}", s.handleGetCDR)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
}
