// Package scheduler exposes the boundary operations of the email pipeline.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/postman/internal/metrics"
	"github.com/dmitrymomot/postman/internal/queue"
	"github.com/dmitrymomot/postman/internal/record"
	"github.com/dmitrymomot/postman/pkg/logger"
)

// DefaultStatsTTL is how long a queue stats snapshot is reused.
const DefaultStatsTTL = 2 * time.Second

// Reconciler is implemented by *recovery.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ScheduleRequest is the input of ScheduleEmail.
type ScheduleRequest struct {
	ToEmail     string
	SenderEmail string
	Subject     string
	Body        string
	ScheduledAt time.Time
}

// ListRequest is the input of ListEmails. Zero values mean "any".
type ListRequest struct {
	Status      record.Status
	SenderEmail string
	Limit       int
	Offset      int
}

// QueueStats is an eventually consistent snapshot of the pipeline.
type QueueStats struct {
	// Pending entries are waiting for their due time.
	Pending  int64 `json:"pending"`
	Due      int64 `json:"due"`
	InFlight int64 `json:"inFlight"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	// Scheduled counts scheduled intents in the record store.
	Scheduled int64     `json:"scheduled"`
	TakenAt   time.Time `json:"takenAt"`
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStatsTTL sets how long GetQueueStats reuses a snapshot. Zero disables caching.
func WithStatsTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.statsTTL = max(ttl, 0)
	}
}

// Service implements the scheduling API on top of the record store and queue.
type Service struct {
	records    record.Store
	queue      queue.Queue
	reconciler Reconciler
	log        *slog.Logger
	now        func() time.Time
	statsTTL   time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	cached  QueueStats
	expires time.Time
}

func New(records record.Store, q queue.Queue, reconciler Reconciler, opts ...Option) *Service {
	s := &Service{
		records:    records,
		queue:      q,
		reconciler: reconciler,
		log:        logger.NewNope(),
		now:        time.Now,
		statsTTL:   DefaultStatsTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleEmail stores a new intent and enqueues its dispatch entry.
// A failed enqueue is logged and left to the next reconcile pass: the record
// is already durable and the caller gets it back.
func (s *Service) ScheduleEmail(ctx context.Context, req ScheduleRequest) (record.Intent, error) {
	intent, err := s.records.Create(ctx, record.NewIntent{
		ToEmail:     strings.TrimSpace(req.ToEmail),
		SenderEmail: strings.TrimSpace(req.SenderEmail),
		Subject:     req.Subject,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		return record.Intent{}, err
	}
	metrics.EmailsScheduled.Inc()

	ctx = logger.WithAttrs(ctx, slog.String("email_id", intent.ID))
	delay := max(intent.ScheduledAt.Sub(s.now()), 0)
	if _, err := s.queue.Enqueue(ctx, intent.ID, queue.NewPayload(intent), delay); err != nil {
		s.log.ErrorContext(ctx, "failed to enqueue scheduled email, leaving it to reconciliation",
			slog.Any("error", err),
		)
		return intent, nil
	}

	s.log.InfoContext(ctx, "email scheduled",
		slog.Time("scheduled_at", intent.ScheduledAt),
		slog.Duration("delay", delay),
	)
	return intent, nil
}

// GetEmail returns one intent or record.ErrNotFound.
func (s *Service) GetEmail(ctx context.Context, id string) (record.Intent, error) {
	return s.records.Get(ctx, id)
}

// ListEmails returns intents ordered by scheduledAt, newest first.
func (s *Service) ListEmails(ctx context.Context, req ListRequest) ([]record.Intent, error) {
	f, err := record.Filter{
		Status:      req.Status,
		SenderEmail: req.SenderEmail,
		Limit:       req.Limit,
		Offset:      req.Offset,
	}.Normalize()
	if err != nil {
		return nil, err
	}
	return s.records.List(ctx, f)
}

// GetQueueStats returns a snapshot that may be up to the stats TTL old.
// Concurrent callers share one computation.
func (s *Service) GetQueueStats(ctx context.Context) (QueueStats, error) {
	s.mu.Lock()
	if s.statsTTL > 0 && s.now().Before(s.expires) {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("stats", func() (any, error) {
		return s.collectStats(context.WithoutCancel(ctx))
	})
	if err != nil {
		return QueueStats{}, err
	}
	return v.(QueueStats), nil
}

func (s *Service) collectStats(ctx context.Context) (QueueStats, error) {
	qs, qerr := s.queue.Stats(ctx)
	counts, rerr := s.records.CountByStatus(ctx)
	if err := errors.Join(qerr, rerr); err != nil {
		return QueueStats{}, err
	}

	stats := QueueStats{
		Pending:   qs.Waiting,
		Due:       qs.Due,
		InFlight:  qs.InFlight,
		Sent:      counts[record.StatusSent],
		Failed:    counts[record.StatusFailed],
		Scheduled: counts[record.StatusScheduled],
		TakenAt:   s.now().UTC(),
	}

	s.mu.Lock()
	s.cached = stats
	s.expires = s.now().Add(s.statsTTL)
	s.mu.Unlock()
	return stats, nil
}

// RecoverNow runs one reconcile pass and returns the number of entries recreated.
func (s *Service) RecoverNow(ctx context.Context) (int, error) {
	n, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "manual recovery finished with errors",
			slog.Int("recovered", n),
			slog.Any("error", err),
		)
		return n, err
	}
	s.log.InfoContext(ctx, "manual recovery finished", slog.Int("recovered", n))
	return n, nil
}
