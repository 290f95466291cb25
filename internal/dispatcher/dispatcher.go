// Package dispatcher consumes due dispatch entries and drives each intent to
// sent, failed or a later due time.
//
// Every claimed entry is resolved with exactly one queue write (remove, defer
// or retry). When a record write cannot be confirmed the entry is left leased
// and becomes claimable again once the lease expires, so terminal state is
// never recorded on a guess. Queue writes carry the claim's lease token; a
// write rejected because another claim took over the entry ends processing
// without further changes.
//
// Each store call is bounded by Config.StoreTimeout and the send by
// Config.SendTimeout. Keep the queue lease longer than Config.MaxEntryDuration.
//
// The hourly quota is taken before the spacing wait. An entry handed back
// because of shutdown during that wait keeps its quota unit spent, so the
// effective cap of a sender can be slightly lower around restarts.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dmitrymomot/postman/internal/metrics"
	"github.com/dmitrymomot/postman/internal/queue"
	"github.com/dmitrymomot/postman/internal/ratelimit"
	"github.com/dmitrymomot/postman/internal/record"
	"github.com/dmitrymomot/postman/pkg/logger"
	"github.com/dmitrymomot/postman/pkg/mailer"
)

var (
	ErrInvalidConfig = errors.New("dispatcher: invalid config")
	ErrMissingDep    = errors.New("dispatcher: records, queue, limiter and sender are required")
)

// Sender delivers one message. *mailer.Mailer satisfies it.
type Sender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// Outcome is the result of processing one entry.
type Outcome string

const (
	Sent        Outcome = metrics.OutcomeSent
	Failed      Outcome = metrics.OutcomeFailed
	Retried     Outcome = metrics.OutcomeRetried
	Deferred    Outcome = metrics.OutcomeDeferred
	Unavailable Outcome = metrics.OutcomeUnavailable
	Skipped     Outcome = metrics.OutcomeSkipped
	// Stalled means a store write failed and the entry stays leased.
	Stalled Outcome = metrics.OutcomeError
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock overrides the time source used for sentAt and new due times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher pulls due entries from the queue and sends them.
type Dispatcher struct {
	records record.Store
	queue   queue.Queue
	limiter ratelimit.Limiter
	sender  Sender
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	slots   *semaphore.Weighted
	spacing *rate.Limiter
	wg      sync.WaitGroup
}

// New validates cfg and builds a Dispatcher.
func New(records record.Store, q queue.Queue, limiter ratelimit.Limiter, sender Sender, cfg Config, opts ...Option) (*Dispatcher, error) {
	if records == nil || q == nil || limiter == nil || sender == nil {
		return nil, ErrMissingDep
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	every := rate.Inf
	if cfg.SendSpacing > 0 {
		every = rate.Every(cfg.SendSpacing)
	}

	d := &Dispatcher{
		records: records,
		queue:   q,
		limiter: limiter,
		sender:  sender,
		cfg:     cfg,
		log:     logger.NewNope(),
		now:     time.Now,
		slots:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		spacing: rate.NewLimiter(every, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run polls the queue until ctx is cancelled, then waits for in-flight entries.
// Sends that already started run to completion.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.InfoContext(ctx, "dispatcher started",
		slog.Int("concurrency", d.cfg.Concurrency),
		slog.Duration("poll_interval", d.cfg.PollInterval),
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.log.ErrorContext(ctx, "dispatch poll failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			d.Wait()
			d.log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll claims as many due entries as there are free slots and processes them
// in the background. It returns the number of entries claimed.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	free := 0
	for free < d.cfg.Concurrency && d.slots.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return 0, nil
	}

	cctx, cancel := d.storeContext(ctx)
	entries, err := d.queue.Claim(cctx, free)
	cancel()
	if err != nil {
		d.slots.Release(int64(free))
		return 0, fmt.Errorf("dispatcher: claim: %w", err)
	}
	if unused := free - len(entries); unused > 0 {
		d.slots.Release(int64(unused))
	}

	for _, e := range entries {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.slots.Release(1)
			d.Process(ctx, e)
		}()
	}
	return len(entries), nil
}

// Wait blocks until every entry started by Poll has been processed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Process drives one claimed entry to its outcome.
// Only the spacing wait observes ctx cancellation. Store calls and the send
// are detached from it and bounded by their own timeouts instead, so a
// shutdown never cuts a delivery in half.
func (d *Dispatcher) Process(ctx context.Context, e queue.Entry) Outcome {
	metrics.DispatchInFlight.Inc()
	defer metrics.DispatchInFlight.Dec()

	ctx = logger.WithAttrs(ctx,
		slog.String("email_id", e.ID),
		slog.Int("attempt", e.Attempt),
	)
	work := context.WithoutCancel(ctx)

	outcome := d.process(ctx, work, e)
	metrics.Dispatched(string(outcome))
	return outcome
}

func (d *Dispatcher) process(ctx, work context.Context, e queue.Entry) Outcome {
	sctx, cancel := d.storeContext(work)
	intent, err := d.records.Get(sctx, e.ID)
	cancel()
	switch {
	case errors.Is(err, record.ErrNotFound):
		d.log.WarnContext(work, "dispatch entry has no record, dropping")
		return d.drop(work, e)
	case err != nil:
		d.log.ErrorContext(work, "failed to load record", slog.Any("error", err))
		return Stalled
	case intent.Status != record.StatusScheduled:
		d.log.InfoContext(work, "record already terminal, dropping entry", slog.String("status", string(intent.Status)))
		return d.drop(work, e)
	}

	sctx, cancel = d.storeContext(work)
	decision, err := d.limiter.TryAcquire(sctx, e.Payload.SenderEmail)
	cancel()
	if err != nil {
		d.log.ErrorContext(work, "rate limiter unavailable", slog.Any("error", err))
		return Stalled
	}
	if !decision.Allowed {
		return d.deferToNextWindow(work, e, decision)
	}

	if err := d.spacing.Wait(ctx); err != nil {
		// Shutting down before the send started: hand the entry back right away.
		if err := d.deferEntry(work, e, d.now()); err != nil {
			d.log.ErrorContext(work, "failed to release entry", slog.Any("error", err))
		}
		return Skipped
	}

	sendCtx, cancel := context.WithTimeout(work, d.cfg.SendTimeout)
	start := time.Now()
	err = d.sender.Send(sendCtx, mailer.Message{
		ID:      e.ID,
		From:    e.Payload.SenderEmail,
		To:      e.Payload.ToEmail,
		Subject: e.Payload.Subject,
		Body:    e.Payload.Body,
	})
	took := time.Since(start)
	cancel()

	metrics.SendObserved(took)
	if err == nil {
		return d.markSent(work, e, took)
	}

	switch {
	case errors.Is(err, mailer.ErrUnavailable):
		return d.postpone(work, e, err)
	case mailer.IsPermanent(err):
		d.log.WarnContext(work, "permanent delivery failure", slog.Any("error", err))
		return d.markFailed(work, e)
	}
	return d.retryOrFail(work, e, err)
}

func (d *Dispatcher) deferToNextWindow(ctx context.Context, e queue.Entry, decision ratelimit.Decision) Outcome {
	next := decision.NextAvailableAt

	sctx, cancel := d.storeContext(ctx)
	err := d.records.Reschedule(sctx, e.ID, next)
	cancel()
	switch {
	case errors.Is(err, record.ErrNotLater):
		// A previous pass already moved the record; only the queue write is missing.
	case errors.Is(err, record.ErrTerminal), errors.Is(err, record.ErrNotFound):
		return d.drop(ctx, e)
	case err != nil:
		d.log.ErrorContext(ctx, "failed to reschedule record", slog.Any("error", err))
		return Stalled
	}

	if err := d.deferEntry(ctx, e, next); err != nil {
		return d.queueWriteFailed(ctx, "failed to defer entry", err)
	}

	d.log.InfoContext(ctx, "hourly limit reached, deferred",
		slog.String("sender", e.Payload.SenderEmail),
		slog.Int64("limit", decision.Limit),
		slog.Time("next_available_at", next),
	)
	return Deferred
}

func (d *Dispatcher) markSent(ctx context.Context, e queue.Entry, took time.Duration) Outcome {
	sctx, cancel := d.storeContext(ctx)
	err := d.records.MarkSent(sctx, e.ID, d.now())
	cancel()
	switch {
	case errors.Is(err, record.ErrTerminal), errors.Is(err, record.ErrNotFound):
		d.log.WarnContext(ctx, "sent email but record is no longer scheduled", slog.Any("error", err))
		return d.drop(ctx, e)
	case err != nil:
		d.log.ErrorContext(ctx, "sent email but failed to mark record", slog.Any("error", err))
		return Stalled
	}

	if err := d.removeEntry(ctx, e); err != nil {
		d.queueWriteFailed(ctx, "failed to remove sent entry", err)
	}
	d.log.InfoContext(ctx, "email sent", slog.Duration("took", took))
	return Sent
}

func (d *Dispatcher) markFailed(ctx context.Context, e queue.Entry) Outcome {
	sctx, cancel := d.storeContext(ctx)
	err := d.records.MarkFailed(sctx, e.ID)
	cancel()
	switch {
	case errors.Is(err, record.ErrTerminal), errors.Is(err, record.ErrNotFound):
		return d.drop(ctx, e)
	case err != nil:
		d.log.ErrorContext(ctx, "failed to mark record failed", slog.Any("error", err))
		return Stalled
	}

	if err := d.removeEntry(ctx, e); err != nil {
		d.queueWriteFailed(ctx, "failed to remove failed entry", err)
	}
	d.log.ErrorContext(ctx, "email failed")
	return Failed
}

func (d *Dispatcher) retryOrFail(ctx context.Context, e queue.Entry, sendErr error) Outcome {
	attempt := e.Attempt + 1
	if attempt >= d.cfg.RetryAttempts {
		d.log.WarnContext(ctx, "send attempts exhausted", slog.Any("error", sendErr))
		return d.markFailed(ctx, e)
	}

	delay := d.cfg.backoff(attempt)
	sctx, cancel := d.storeContext(ctx)
	_, err := d.queue.Retry(sctx, e.ID, e.Lease, d.now().Add(delay))
	cancel()
	if err != nil {
		return d.queueWriteFailed(ctx, "failed to schedule retry", err)
	}
	d.log.WarnContext(ctx, "send failed, will retry",
		slog.Any("error", sendErr),
		slog.Duration("backoff", delay),
	)
	return Retried
}

func (d *Dispatcher) postpone(ctx context.Context, e queue.Entry, cause error) Outcome {
	if err := d.deferEntry(ctx, e, d.now().Add(d.cfg.UnavailableDelay)); err != nil {
		return d.queueWriteFailed(ctx, "failed to postpone entry", err)
	}
	d.log.WarnContext(ctx, "mail transport unavailable, postponed",
		slog.Any("error", cause),
		slog.Duration("delay", d.cfg.UnavailableDelay),
	)
	return Unavailable
}

func (d *Dispatcher) drop(ctx context.Context, e queue.Entry) Outcome {
	if err := d.removeEntry(ctx, e); err != nil {
		return d.queueWriteFailed(ctx, "failed to remove stale entry", err)
	}
	return Skipped
}

func (d *Dispatcher) deferEntry(ctx context.Context, e queue.Entry, dueAt time.Time) error {
	sctx, cancel := d.storeContext(ctx)
	defer cancel()
	return d.queue.Defer(sctx, e.ID, e.Lease, dueAt)
}

func (d *Dispatcher) removeEntry(ctx context.Context, e queue.Entry) error {
	sctx, cancel := d.storeContext(ctx)
	defer cancel()
	return d.queue.Remove(sctx, e.ID, e.Lease)
}

// queueWriteFailed maps a rejected queue write to an outcome. A lost lease
// means another claim owns the entry now, so this pass stops without retrying.
func (d *Dispatcher) queueWriteFailed(ctx context.Context, msg string, err error) Outcome {
	if errors.Is(err, queue.ErrLeaseLost) {
		d.log.WarnContext(ctx, "lease taken over by another claim", slog.String("op", msg))
		return Skipped
	}
	d.log.ErrorContext(ctx, msg, slog.Any("error", err))
	return Stalled
}

func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.StoreTimeout)
}
