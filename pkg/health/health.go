package health

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 5 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrCheckTimeout is reported for a check that did not return before the timeout.
var ErrCheckTimeout = errors.New("health: check timeout")

// CheckFunc reports a dependency as healthy by returning nil.
type CheckFunc func(ctx context.Context) error

// Checks maps check names to functions.
type Checks map[string]CheckFunc

// Response is the JSON body of a probe.
type Response struct {
	Checks map[string]Check `json:"checks,omitempty"`
	Status string           `json:"status"`
}

// Check is the result of a single check.
type Check struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Latency  string `json:"latency"`
}

type config struct {
	logger   *slog.Logger
	optional Checks
	timeout  time.Duration
}

// Option configures a readiness handler.
type Option func(*config)

// WithTimeout bounds the whole check run.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger logs failing checks.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOptional adds a check whose failure degrades but does not fail readiness.
func WithOptional(name string, check CheckFunc) Option {
	return func(c *config) {
		if check != nil {
			c.optional[name] = check
		}
	}
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		timeout:  defaultTimeout,
		logger:   slog.New(slog.DiscardHandler),
		optional: Checks{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Run executes required and optional checks concurrently and aggregates them.
func Run(ctx context.Context, required Checks, opts ...Option) *Response {
	return run(ctx, required, newConfig(opts...))
}

func run(ctx context.Context, required Checks, cfg *config) *Response {
	if len(required) == 0 && len(cfg.optional) == 0 {
		return &Response{Status: StatusHealthy}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]Check, len(required)+len(cfg.optional))
	)
	record := func(name string, optional bool, check CheckFunc) func() error {
		return func() error {
			start := time.Now()
			err := call(ctx, check)

			result := Check{Status: StatusHealthy, Optional: optional, Latency: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Error = err.Error()
				cfg.logger.WarnContext(ctx, "health check failed",
					slog.String("check", name),
					slog.Bool("optional", optional),
					slog.Any("error", err),
				)
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		}
	}

	var g errgroup.Group
	for name, check := range required {
		g.Go(record(name, false, check))
	}
	for name, check := range cfg.optional {
		if _, dup := required[name]; dup {
			continue
		}
		g.Go(record(name, true, check))
	}
	_ = g.Wait()

	status := StatusHealthy
	for c := range maps.Values(results) {
		if c.Status != StatusUnhealthy {
			continue
		}
		if !c.Optional {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}
	return &Response{Status: status, Checks: results}
}

// call runs check but returns ErrCheckTimeout as soon as ctx expires,
// even if the check itself ignores ctx.
func call(ctx context.Context, check CheckFunc) error {
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrCheckTimeout
	}
}
