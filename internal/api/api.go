// Package api is the JSON HTTP surface over the scheduler service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/postman/internal/metrics"
	"github.com/dmitrymomot/postman/internal/record"
	"github.com/dmitrymomot/postman/internal/scheduler"
	"github.com/dmitrymomot/postman/pkg/health"
	"github.com/dmitrymomot/postman/pkg/logger"
)

// Service is implemented by *scheduler.Service.
type Service interface {
	ScheduleEmail(ctx context.Context, req scheduler.ScheduleRequest) (record.Intent, error)
	GetEmail(ctx context.Context, id string) (record.Intent, error)
	ListEmails(ctx context.Context, req scheduler.ListRequest) ([]record.Intent, error)
	GetQueueStats(ctx context.Context) (scheduler.QueueStats, error)
	RecoverNow(ctx context.Context) (int, error)
}

type config struct {
	log          *slog.Logger
	checks       health.Checks
	healthOpts   []health.Option
	maxBodyBytes int64
}

// Option configures the router.
type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithReadiness sets the checks behind /health/ready.
func WithReadiness(checks health.Checks, opts ...health.Option) Option {
	return func(c *config) {
		c.checks = checks
		c.healthOpts = opts
	}
}

// NewRouter mounts the API, health and metrics routes.
func NewRouter(svc Service, opts ...Option) http.Handler {
	cfg := &config{
		log:          logger.NewNope(),
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	h := &handlers{svc: svc, log: cfg.log, maxBodyBytes: cfg.maxBodyBytes}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health/live", health.LivenessHandler())
	r.Get("/health/ready", health.ReadinessHandler(cfg.checks, append([]health.Option{health.WithLogger(cfg.log)}, cfg.healthOpts...)...))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/emails", func(r chi.Router) {
		r.Post("/schedule", h.schedule)
		r.Post("/recover", h.recover)
		r.Get("/stats/queue", h.queueStats)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// requestLogger tags the request context with its id and logs one line per request.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logger.WithAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
			r = r.WithContext(ctx)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.Log(ctx, level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(start)),
			)
		})
	}
}
