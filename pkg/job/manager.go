package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/robfig/cron/v3"
)

const defaultMaxWorkers = 5

// Manager runs registered periodic tasks on a River client.
type Manager struct {
	client   *river.Client[pgx.Tx]
	pool     *pgxpool.Pool
	handlers map[string]func(context.Context) error
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewManager validates every schedule and builds the River client.
// Call Start to begin processing.
func NewManager(pool *pgxpool.Pool, opts ...Option) (*Manager, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	cfg := &config{maxWorkers: defaultMaxWorkers}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	handlers := make(map[string]func(context.Context) error, len(cfg.schedules))
	periodic := make([]*river.PeriodicJob, 0, len(cfg.schedules))
	for _, sched := range cfg.schedules {
		schedule, err := parseCronSchedule(sched.schedule)
		if err != nil {
			return nil, fmt.Errorf("%w %q for %s: %w", ErrInvalidSchedule, sched.schedule, sched.name, err)
		}
		handlers[sched.name] = sched.handler

		name := sched.name
		periodic = append(periodic, river.NewPeriodicJob(
			schedule,
			func() (river.JobArgs, *river.InsertOpts) {
				return periodicArgs{TaskName: name}, &river.InsertOpts{
					UniqueOpts: river.UniqueOpts{ByPeriod: time.Minute},
				}
			},
			&river.PeriodicJobOpts{RunOnStart: sched.runOnStart},
		))
	}

	m := &Manager{
		pool:     pool,
		handlers: handlers,
		logger:   cfg.logger,
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &periodicWorker{manager: m})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: cfg.maxWorkers}},
		Workers:      workers,
		PeriodicJobs: periodic,
		Logger:       cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("job: create client: %w", err)
	}
	m.client = client
	return m, nil
}

// Tasks returns the registered task names, sorted.
func (m *Manager) Tasks() []string {
	return slices.Sorted(maps.Keys(m.handlers))
}

// Start begins processing periodic jobs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	// River cancels running jobs when its start context ends; Stop owns the lifecycle instead.
	if err := m.client.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("job: start client: %w", err)
	}

	m.started = true
	m.logger.Info("job manager started", slog.Any("tasks", m.Tasks()))
	return nil
}

// Stop waits for running tasks to finish, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrNotStarted
	}
	if err := m.client.Stop(ctx); err != nil {
		return fmt.Errorf("job: stop client: %w", err)
	}

	m.started = false
	m.logger.Info("job manager stopped")
	return nil
}

// StartFunc returns a startup hook for the manager.
func (m *Manager) StartFunc() func(context.Context) error {
	return m.Start
}

// Shutdown returns a shutdown hook for the manager.
// A manager that never started is not an error here.
func (m *Manager) Shutdown() func(context.Context) error {
	return func(ctx context.Context) error {
		if err := m.Stop(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
			return err
		}
		return nil
	}
}

func (m *Manager) run(ctx context.Context, name string, attempt int) error {
	handler, ok := m.handlers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	start := time.Now()
	if err := handler(ctx); err != nil {
		m.logger.ErrorContext(ctx, "periodic task failed",
			slog.String("task", name),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return err
	}
	m.logger.DebugContext(ctx, "periodic task completed",
		slog.String("task", name),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

type periodicArgs struct {
	TaskName string `json:"task_name"`
}

func (periodicArgs) Kind() string { return "postman:periodic" }

type periodicWorker struct {
	river.WorkerDefaults[periodicArgs]
	manager *Manager
}

func (w *periodicWorker) Work(ctx context.Context, j *river.Job[periodicArgs]) error {
	return w.manager.run(ctx, j.Args.TaskName, j.Attempt)
}

type cronSchedule struct {
	schedule cron.Schedule
}

func (s *cronSchedule) Next(current time.Time) time.Time {
	return s.schedule.Next(current)
}

func parseCronSchedule(expr string) (river.PeriodicSchedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &cronSchedule{schedule: schedule}, nil
}
