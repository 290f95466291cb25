// Package recovery restores dispatch entries for scheduled intents that the
// queue no longer holds.
//
// The record store is the source of truth. Scheduling writes the record and
// then the entry, the dispatcher writes the record and then the queue, and a
// crash between either pair leaves a scheduled record without an entry.
// Reconcile is the compensating step for both cases and is safe to run
// concurrently with dispatchers and other reconcilers: enqueue is idempotent.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/postman/internal/metrics"
	"github.com/dmitrymomot/postman/internal/queue"
	"github.com/dmitrymomot/postman/internal/record"
	"github.com/dmitrymomot/postman/pkg/logger"
)

var ErrListPending = errors.New("recovery: failed to list scheduled intents")

// Reconciler re-enqueues scheduled intents missing from the queue.
type Reconciler struct {
	records record.Store
	queue   queue.Queue
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(records record.Store, q queue.Queue, opts ...Option) *Reconciler {
	r := &Reconciler{
		records: records,
		queue:   q,
		log:     logger.NewNope(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile walks every scheduled intent and enqueues the ones without a live
// entry. Intents already past their schedule are enqueued due immediately.
// It returns the number of entries created. Per-intent failures do not stop
// the pass and are returned joined.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	pending, err := r.records.ListPending(ctx)
	if err != nil {
		return 0, errors.Join(ErrListPending, err)
	}

	var (
		created int
		overdue int
		errs    []error
	)
	for _, intent := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		exists, err := r.queue.Exists(ctx, intent.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("intent %s: %w", intent.ID, err))
			continue
		}
		if exists {
			continue
		}

		delay := max(intent.ScheduledAt.Sub(r.now()), 0)
		ok, err := r.queue.Enqueue(ctx, intent.ID, queue.NewPayload(intent), delay)
		if err != nil {
			errs = append(errs, fmt.Errorf("intent %s: %w", intent.ID, err))
			continue
		}
		if ok {
			created++
			if delay == 0 {
				overdue++
			}
		}
	}

	metrics.Recovered(created)
	if created > 0 || len(errs) > 0 {
		r.log.InfoContext(ctx, "reconciled dispatch queue",
			slog.Int("scheduled", len(pending)),
			slog.Int("recovered", created),
			slog.Int("overdue", overdue),
			slog.Int("errors", len(errs)),
		)
	}
	return created, errors.Join(errs...)
}

// Task runs Reconcile on a cron schedule through pkg/job.
type Task struct {
	reconciler *Reconciler
	schedule   string
}

// NewTask wraps r. An empty schedule disables the periodic run.
func NewTask(r *Reconciler, schedule string) *Task {
	return &Task{reconciler: r, schedule: schedule}
}

func (t *Task) Name() string     { return "reconcile" }
func (t *Task) Schedule() string { return t.schedule }

func (t *Task) Handle(ctx context.Context) error {
	_, err := t.reconciler.Reconcile(ctx)
	return err
}
