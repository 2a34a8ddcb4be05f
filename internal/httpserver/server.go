package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a service HTTP server.
type Options struct {
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *prometheus.Registry

	// Health serves GET /health. When nil a bare 200 liveness handler is used.
	Health http.HandlerFunc

	// Auth, when non-nil, wraps every route. The middleware itself is
	// expected to exempt public paths such as /health.
	Auth func(http.Handler) http.Handler
}

// Server wraps the chi router shared by all three services.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
}

// NewServer creates an HTTP server with the standard middleware chain and the
// health/metrics endpoints. Domain handlers are mounted on Router afterwards.
func NewServer(opts Options) *Server {
	s := &Server{
		Router: chi.NewRouter(),
		Logger: opts.Logger,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(opts.Logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-ID",
			"X-Scheduler-Token",
			"X-ForgeOS-Scheduler-Instance", "X-ForgeOS-Leader-Fence-Token",
			"X-ForgeOS-Idempotency-Key", "X-ForgeOS-Queue-Task-Id",
			"X-ForgeOS-Agent-Key",
		},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	if opts.Auth != nil {
		s.Router.Use(opts.Auth)
	}

	health := opts.Health
	if health == nil {
		health = func(w http.ResponseWriter, r *http.Request) {
			Respond(w, http.StatusOK, map[string]any{"ok": true})
		}
	}
	s.Router.Get("/health", health)

	s.Router.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))

	return s
}
