package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidmoltin/bizflow/internal/api/rest/handlers"
	customMiddleware "github.com/davidmoltin/bizflow/internal/api/rest/middleware"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

// StreamHandler upgrades a request to a live execution event stream
type StreamHandler interface {
	HandleStream(w http.ResponseWriter, r *http.Request)
}

// RouterOptions configures the cross-cutting middleware
type RouterOptions struct {
	AllowedOrigins []string
	MaxRequestSize int64
	RateLimiter    *customMiddleware.RateLimiter
	Stream         StreamHandler
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Router holds the HTTP router and dependencies
type Router struct {
	router   *chi.Mux
	logger   *logger.Logger
	handlers *handlers.Handlers
	opts     RouterOptions
}

// NewRouter creates a new HTTP router
func NewRouter(log *logger.Logger, h *handlers.Handlers, m *metrics.Metrics, opts RouterOptions) *Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(customMiddleware.Metrics(m))

	r.Use(customMiddleware.SecurityHeaders())
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = customMiddleware.DefaultMaxRequestSize
	}
	r.Use(customMiddleware.RequestSizeLimit(opts.MaxRequestSize))

	allowedOrigins := opts.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	// Never allow "*" with credentials enabled
	allowCredentials := true
	for _, origin := range allowedOrigins {
		if origin == "*" {
			log.Warn("CORS: wildcard origin configured, disabling credentials")
			allowCredentials = false
			break
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	}))

	return &Router{
		router:   r,
		logger:   log,
		handlers: h,
		opts:     opts,
	}
}

// SetupRoutes configures all API routes
func (r *Router) SetupRoutes() {
	metricsHandler := promhttp.Handler()
	if r.opts.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(r.opts.Gatherer, promhttp.HandlerOpts{})
	}
	r.router.Handle("/metrics", metricsHandler)

	r.router.Get("/health", r.handlers.Health.Health)
	r.router.Get("/ready", r.handlers.Health.Ready)

	r.router.Route("/api/v1", func(router chi.Router) {
		router.Use(customMiddleware.RateLimit(r.opts.RateLimiter))

		router.Route("/workflows", func(router chi.Router) {
			router.Get("/", r.handlers.Workflow.List)
			router.Post("/", r.handlers.Workflow.Create)
			router.Get("/{id}", r.handlers.Workflow.Get)
			router.Put("/{id}", r.handlers.Workflow.Update)
			router.Post("/{id}/publish", r.handlers.Workflow.Publish)
			router.Post("/{id}/pause", r.handlers.Workflow.Pause)
			router.Post("/{id}/archive", r.handlers.Workflow.Archive)
			router.Post("/{id}/trigger", r.handlers.Workflow.Trigger)
		})

		router.Post("/events", r.handlers.Event.CreateEvent)

		router.Route("/executions", func(router chi.Router) {
			router.Get("/", r.handlers.Execution.ListExecutions)
			router.Get("/{id}", r.handlers.Execution.GetExecution)
			router.Get("/{id}/logs", r.handlers.Execution.GetExecutionLogs)
			router.Get("/{id}/timeline", r.handlers.Execution.GetTimeline)
			router.Post("/{id}/cancel", r.handlers.Execution.CancelExecution)
			router.Post("/{id}/resume", r.handlers.Execution.ResumeExecution)
			if r.opts.Stream != nil {
				router.Get("/{id}/stream", r.opts.Stream.HandleStream)
			}
		})

		router.Get("/stats", r.handlers.Stats.GetStats)

		router.Route("/conditions", func(router chi.Router) {
			router.Get("/operators", r.handlers.Condition.ListOperators)
			router.Get("/presets", r.handlers.Condition.ListPresets)
		})
		router.Post("/rules/evaluate", r.handlers.Condition.EvaluateRules)
	})
}

// Handler returns the http.Handler
func (r *Router) Handler() http.Handler {
	return r.router
}
