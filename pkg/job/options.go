package job

import (
	"context"
	"log/slog"
)

type config struct {
	logger     *slog.Logger
	schedules  []scheduleConfig
	maxWorkers int
}

type scheduleConfig struct {
	handler    func(context.Context) error
	name       string
	schedule   string
	runOnStart bool
}

// Option configures the job manager.
type Option func(*config)

// WithScheduledTask registers a periodic task using structural typing.
// Schedule() must return a 5-field cron expression (min hour day month weekday).
// An empty schedule disables the task.
func WithScheduledTask[T interface {
	Name() string
	Schedule() string
	Handle(context.Context) error
}](task T) Option {
	return func(c *config) {
		if task.Schedule() == "" {
			return
		}
		c.schedules = append(c.schedules, scheduleConfig{
			name:     task.Name(),
			schedule: task.Schedule(),
			handler:  task.Handle,
		})
	}
}

// WithRunOnStart makes the most recently registered task also run when the leader starts.
func WithRunOnStart() Option {
	return func(c *config) {
		if n := len(c.schedules); n > 0 {
			c.schedules[n-1].runOnStart = true
		}
	}
}

// WithLogger sets the logger for River and task execution.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxWorkers caps concurrently running tasks. Defaults to 5.
func WithMaxWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}
