package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/postman/internal/queue"
	"github.com/dmitrymomot/postman/internal/record"
	"github.com/dmitrymomot/postman/internal/recovery"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixed() time.Time { return t0 }

type fixture struct {
	records *record.Memory
	queue   queue.Queue
	svc     *Service
}

func newFixture(q queue.Queue, opts ...Option) *fixture {
	records := record.NewMemory(record.WithClock(fixed))
	if q == nil {
		q = queue.NewMemory(queue.WithClock(fixed))
	}
	rec := recovery.New(records, q, recovery.WithClock(fixed))
	opts = append([]Option{WithClock(fixed)}, opts...)
	return &fixture{records: records, queue: q, svc: New(records, q, rec, opts...)}
}

func validRequest() ScheduleRequest {
	return ScheduleRequest{
		ToEmail:     "rcpt@example.com",
		SenderEmail: "sender@example.com",
		Subject:     "Quarterly report",
		Body:        "See attached.",
		ScheduledAt: t0.Add(time.Hour),
	}
}

func TestScheduleEmail_ThenGet(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx := context.Background()
	req := validRequest()

	created, err := f.svc.ScheduleEmail(ctx, req)
	require.NoError(t, err)

	got, err := f.svc.GetEmail(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusScheduled, got.Status)
	assert.Equal(t, req.ToEmail, got.ToEmail)
	assert.Equal(t, req.SenderEmail, got.SenderEmail)
	assert.Equal(t, req.Subject, got.Subject)
	assert.Equal(t, req.Body, got.Body)
	assert.True(t, req.ScheduledAt.Equal(got.ScheduledAt))
	assert.Nil(t, got.SentAt)

	exists, err := f.queue.Exists(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestScheduleEmail_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*ScheduleRequest)
		field  string
	}{
		{"bad recipient", func(r *ScheduleRequest) { r.ToEmail = "nope" }, "toEmail"},
		{"bad sender", func(r *ScheduleRequest) { r.SenderEmail = "a@b" }, "senderEmail"},
		{"empty subject", func(r *ScheduleRequest) { r.Subject = "  " }, "subject"},
		{"empty body", func(r *ScheduleRequest) { r.Body = "" }, "body"},
		{"past date", func(r *ScheduleRequest) { r.ScheduledAt = t0.Add(-time.Minute) }, "scheduledAt"},
		{"now", func(r *ScheduleRequest) { r.ScheduledAt = t0 }, "scheduledAt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(nil)
			req := validRequest()
			tt.mutate(&req)

			_, err := f.svc.ScheduleEmail(context.Background(), req)
			require.ErrorIs(t, err, record.ErrValidation)
			var verr *record.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			stats, err := f.queue.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, queue.Stats{}, stats, "rejected requests are never queued")
		})
	}
}

type downQueue struct{ queue.Queue }

func (downQueue) Enqueue(context.Context, string, queue.Payload, time.Duration) (bool, error) {
	return false, queue.ErrStore
}

func TestScheduleEmail_EnqueueFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	mem := queue.NewMemory(queue.WithClock(fixed))
	f := newFixture(downQueue{Queue: mem})
	ctx := context.Background()

	created, err := f.svc.ScheduleEmail(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, record.StatusScheduled, created.Status)

	exists, err := mem.Exists(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	// The next reconcile pass picks it up.
	n, err := recovery.New(f.records, mem, recovery.WithClock(fixed)).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetEmail_NotFound(t *testing.T) {
	t.Parallel()

	_, err := newFixture(nil).svc.GetEmail(context.Background(), "missing")
	require.ErrorIs(t, err, record.ErrNotFound)
}

func TestListEmails(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx := context.Background()
	for i, sender := range []string{"a@example.com", "b@example.com", "a@example.com"} {
		req := validRequest()
		req.SenderEmail = sender
		req.ScheduledAt = t0.Add(time.Duration(i+1) * time.Hour)
		_, err := f.svc.ScheduleEmail(ctx, req)
		require.NoError(t, err)
	}

	all, err := f.svc.ListEmails(ctx, ListRequest{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].ScheduledAt.After(all[1].ScheduledAt))

	fromA, err := f.svc.ListEmails(ctx, ListRequest{SenderEmail: "a@example.com"})
	require.NoError(t, err)
	assert.Len(t, fromA, 2)

	page, err := f.svc.ListEmails(ctx, ListRequest{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[1].ID, page[0].ID)

	_, err = f.svc.ListEmails(ctx, ListRequest{Status: "bogus"})
	require.ErrorIs(t, err, record.ErrValidation)
}

func TestGetQueueStats(t *testing.T) {
	t.Parallel()

	f := newFixture(nil, WithStatsTTL(0))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		created, err := f.svc.ScheduleEmail(ctx, validRequest())
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	require.NoError(t, f.records.MarkSent(ctx, ids[0], t0))
	require.NoError(t, f.queue.Remove(ctx, ids[0], ""))
	require.NoError(t, f.records.MarkFailed(ctx, ids[1]))
	require.NoError(t, f.queue.Remove(ctx, ids[1], ""))

	stats, err := f.svc.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Scheduled)
	assert.Equal(t, t0, stats.TakenAt)
}

type countingQueue struct {
	queue.Queue
	calls atomic.Int32
	gate  chan struct{}
}

func (q *countingQueue) Stats(ctx context.Context) (queue.Stats, error) {
	q.calls.Add(1)
	if q.gate != nil {
		<-q.gate
	}
	return q.Queue.Stats(ctx)
}

func TestGetQueueStats_Memoized(t *testing.T) {
	t.Parallel()

	q := &countingQueue{Queue: queue.NewMemory(queue.WithClock(fixed))}
	f := newFixture(q, WithStatsTTL(time.Minute))
	ctx := context.Background()

	first, err := f.svc.GetQueueStats(ctx)
	require.NoError(t, err)
	_, err = f.svc.ScheduleEmail(ctx, validRequest())
	require.NoError(t, err)

	second, err := f.svc.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "snapshot is reused within the TTL")
	assert.Equal(t, int32(1), q.calls.Load())
}

func TestGetQueueStats_SharedComputation(t *testing.T) {
	t.Parallel()

	q := &countingQueue{Queue: queue.NewMemory(queue.WithClock(fixed)), gate: make(chan struct{})}
	f := newFixture(q, WithStatsTTL(0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.GetQueueStats(context.Background())
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return q.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(q.gate)
	wg.Wait()

	assert.Equal(t, int32(1), q.calls.Load())
}

type failingReconciler struct{}

func (failingReconciler) Reconcile(context.Context) (int, error) {
	return 1, errors.New("partial failure")
}

func TestRecoverNow(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.records.Create(ctx, record.NewIntent{
			ToEmail:     "rcpt@example.com",
			SenderEmail: "sender@example.com",
			Subject:     "s",
			Body:        "b",
			ScheduledAt: t0.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	n, err := f.svc.RecoverNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.RecoverNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc := New(f.records, f.queue, failingReconciler{})
	n, err = svc.RecoverNow(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
}
