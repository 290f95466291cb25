// Package app builds every component from configuration and runs them as a
// server, a worker or a one-shot command.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/postman/internal/api"
	"github.com/dmitrymomot/postman/internal/config"
	"github.com/dmitrymomot/postman/internal/dispatcher"
	"github.com/dmitrymomot/postman/internal/queue"
	"github.com/dmitrymomot/postman/internal/ratelimit"
	"github.com/dmitrymomot/postman/internal/record"
	"github.com/dmitrymomot/postman/internal/recovery"
	"github.com/dmitrymomot/postman/internal/scheduler"
	"github.com/dmitrymomot/postman/pkg/db"
	"github.com/dmitrymomot/postman/pkg/health"
	"github.com/dmitrymomot/postman/pkg/job"
	"github.com/dmitrymomot/postman/pkg/logger"
	"github.com/dmitrymomot/postman/pkg/mailer"
	"github.com/dmitrymomot/postman/pkg/mailer/resend"
	"github.com/dmitrymomot/postman/pkg/mailer/smtp"
	"github.com/dmitrymomot/postman/pkg/redis"
)

// App owns process-scoped handles. Close releases them in reverse order of acquisition.
type App struct {
	cfg config.Config
	log *slog.Logger

	pool  *pgxpool.Pool
	redis goredis.UniversalClient

	Records    record.Store
	Queue      queue.Queue
	Limiter    ratelimit.Limiter
	Reconciler *recovery.Reconciler
	Service    *scheduler.Service

	closers []func(context.Context) error
}

// New connects to Postgres and Redis and builds the storage components.
// Mail transport and the dispatcher are built on demand by the run modes.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNope()
	}
	a := &App{cfg: cfg, log: log}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, db.Shutdown(pool))

	client, err := redis.Open(ctx, cfg.Redis)
	if err != nil {
		return nil, errors.Join(err, a.Close(ctx))
	}
	a.redis = client
	a.closers = append(a.closers, redis.Shutdown(client))

	limiter, err := ratelimit.NewRedis(client, cfg.MaxEmailsPerHour, ratelimit.WithPrefix(cfg.RateLimitPrefix))
	if err != nil {
		return nil, errors.Join(err, a.Close(ctx))
	}

	a.Records = record.NewPostgres(pool)
	a.Queue = queue.NewRedis(client,
		queue.WithPrefix(cfg.QueuePrefix),
		queue.WithLeaseTimeout(cfg.LeaseTimeout),
	)
	a.Limiter = limiter
	a.Reconciler = recovery.New(a.Records, a.Queue, recovery.WithLogger(log))
	a.Service = scheduler.New(a.Records, a.Queue, a.Reconciler,
		scheduler.WithLogger(log),
		scheduler.WithStatsTTL(cfg.StatsTTL),
	)
	return a, nil
}

// Close releases connections. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Migrate applies the emails schema and River's schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, a.pool, record.Migrations, record.MigrationsDir, a.cfg.Database.MigrationsTable, a.log); err != nil {
		return err
	}
	return job.Migrate(ctx, a.pool, a.log)
}

// Recover runs one reconcile pass.
func (a *App) Recover(ctx context.Context) (int, error) {
	return a.Reconciler.Reconcile(ctx)
}

// ServeOptions selects what a serve process runs next to the API.
type ServeOptions struct {
	// Dispatch also runs the dispatcher in this process.
	Dispatch bool
}

// Serve runs the HTTP API, the periodic reconcile and, optionally, the
// dispatcher until a termination signal. Connections are closed on return.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	jobs, err := a.newJobs()
	if err != nil {
		return errors.Join(err, a.Close(ctx))
	}

	checks := health.Checks{
		"postgres": db.Healthcheck(a.pool),
		"redis":    redis.Healthcheck(a.redis),
		"jobs":     job.Healthcheck(jobs),
	}
	var healthOpts []health.Option

	rc := runtimeConfig{
		address:         a.cfg.HTTPAddress,
		logger:          a.log,
		shutdownTimeout: a.cfg.ShutdownTimeout,
		startHooks:      []func(context.Context) error{jobs.StartFunc(), a.recoverOnStart},
		shutdownHooks:   []func(context.Context) error{jobs.Shutdown(), a.Close, logger.Flush()},
	}

	if opts.Dispatch {
		d, breaker, err := a.newDispatcher()
		if err != nil {
			return errors.Join(err, a.Close(ctx))
		}
		rc.workers = append(rc.workers, d.Run)
		healthOpts = append(healthOpts, health.WithOptional("mail", breaker.Healthcheck()))
	}

	rc.handler = api.NewRouter(a.Service,
		api.WithLogger(a.log),
		api.WithReadiness(checks, healthOpts...),
	)
	return run(ctx, rc)
}

// Work runs the dispatcher and the periodic reconcile without the HTTP API.
func (a *App) Work(ctx context.Context) error {
	jobs, err := a.newJobs()
	if err != nil {
		return errors.Join(err, a.Close(ctx))
	}
	d, _, err := a.newDispatcher()
	if err != nil {
		return errors.Join(err, a.Close(ctx))
	}

	return run(ctx, runtimeConfig{
		logger:          a.log,
		shutdownTimeout: a.cfg.ShutdownTimeout,
		startHooks:      []func(context.Context) error{jobs.StartFunc(), a.recoverOnStart},
		workers:         []func(context.Context) error{d.Run},
		shutdownHooks:   []func(context.Context) error{jobs.Shutdown(), a.Close, logger.Flush()},
	})
}

// recoverOnStart never blocks startup: a failed pass is retried by the periodic task.
func (a *App) recoverOnStart(ctx context.Context) error {
	n, err := a.Reconciler.Reconcile(ctx)
	if err != nil {
		a.log.ErrorContext(ctx, "startup reconcile failed", slog.Any("error", err))
		return nil
	}
	a.log.InfoContext(ctx, "startup reconcile finished", slog.Int("recovered", n))
	return nil
}

func (a *App) newJobs() (*job.Manager, error) {
	return job.NewManager(a.pool,
		job.WithLogger(a.log),
		job.WithScheduledTask(recovery.NewTask(a.Reconciler, a.cfg.ReconcileSchedule)),
	)
}

func (a *App) newDispatcher() (*dispatcher.Dispatcher, *mailer.Breaker, error) {
	sender, err := newSender(a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	breaker := mailer.NewBreaker(sender, a.cfg.Breaker, a.log)

	d, err := dispatcher.New(a.Records, a.Queue, a.Limiter, mailer.New(breaker, nil), a.cfg.Dispatch,
		dispatcher.WithLogger(a.log),
	)
	if err != nil {
		return nil, nil, err
	}
	return d, breaker, nil
}

func newSender(cfg config.Config, log *slog.Logger) (mailer.Sender, error) {
	switch cfg.MailProvider {
	case config.ProviderResend:
		return resend.New(cfg.Resend)
	case config.ProviderSMTP:
		return smtp.New(cfg.SMTP)
	case config.ProviderLog:
		return mailer.NewLogSender(log), nil
	}
	return nil, fmt.Errorf("%w: unknown mail provider %q", config.ErrInvalid, cfg.MailProvider)
}
