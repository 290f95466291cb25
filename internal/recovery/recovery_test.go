package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/postman/internal/queue"
	"github.com/dmitrymomot/postman/internal/record"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *record.Memory, n int, in time.Duration) []record.Intent {
	t.Helper()

	intents := make([]record.Intent, n)
	for i := range intents {
		intent, err := store.Create(context.Background(), record.NewIntent{
			ToEmail:     "rcpt@example.com",
			SenderEmail: "sender@example.com",
			Subject:     "Subject",
			Body:        "Body",
			ScheduledAt: t0.Add(in + time.Duration(i)*time.Minute),
		})
		require.NoError(t, err)
		intents[i] = intent
	}
	return intents
}

func TestReconcile_RecoversEveryScheduledIntent(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return t0 }
	store := record.NewMemory(record.WithClock(now))
	q := queue.NewMemory(queue.WithClock(now))
	intents := seed(t, store, 4, time.Hour)
	r := New(store, q, WithClock(now))
	ctx := context.Background()

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Waiting)

	for _, intent := range intents {
		exists, err := q.Exists(ctx, intent.ID)
		require.NoError(t, err)
		assert.True(t, exists)
	}

	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second pass must not duplicate entries")

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Waiting)
}

func TestReconcile_DelayMatchesSchedule(t *testing.T) {
	t.Parallel()

	now := t0
	clock := func() time.Time { return now }
	store := record.NewMemory(record.WithClock(clock))
	q := queue.NewMemory(queue.WithClock(clock))
	intent := seed(t, store, 1, 30*time.Minute)[0]
	ctx := context.Background()

	_, err := New(store, q, WithClock(clock)).Reconcile(ctx)
	require.NoError(t, err)

	now = t0.Add(29 * time.Minute)
	entries, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)

	now = t0.Add(30 * time.Minute)
	entries, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, intent.ID, entries[0].ID)
	assert.Equal(t, queue.NewPayload(intent), entries[0].Payload)
}

func TestReconcile_SkipsExistingAndTerminal(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return t0 }
	store := record.NewMemory(record.WithClock(now))
	q := queue.NewMemory(queue.WithClock(now))
	intents := seed(t, store, 3, time.Hour)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, intents[0].ID, queue.NewPayload(intents[0]), time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, intents[1].ID))

	n, err := New(store, q, WithClock(now)).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, err := q.Exists(ctx, intents[1].ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

// A crash after a rate-limit reschedule but before the queue write leaves a
// scheduled record with no entry. Reconcile must restore it at the new time.
func TestReconcile_CrashBetweenRecordAndQueueWrites(t *testing.T) {
	t.Parallel()

	now := t0
	clock := func() time.Time { return now }
	store := record.NewMemory(record.WithClock(clock))
	q := queue.NewMemory(queue.WithClock(clock))
	intent := seed(t, store, 1, time.Minute)[0]
	ctx := context.Background()

	_, err := q.Enqueue(ctx, intent.ID, queue.NewPayload(intent), time.Minute)
	require.NoError(t, err)

	now = t0.Add(time.Minute)
	entries, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	nextHour := t0.Add(time.Hour)
	require.NoError(t, store.Reschedule(ctx, intent.ID, nextHour))
	// Process dies here and the queue loses its state.
	q = queue.NewMemory(queue.WithClock(clock))

	n, err := New(store, q, WithClock(clock)).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = nextHour.Add(-time.Second)
	entries, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)

	now = nextHour
	entries, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, intent.ID, entries[0].ID)
}

func TestReconcile_OverdueIntentIsDueImmediately(t *testing.T) {
	t.Parallel()

	now := t0
	clock := func() time.Time { return now }
	store := record.NewMemory(record.WithClock(clock))
	q := queue.NewMemory(queue.WithClock(clock))
	seed(t, store, 1, time.Minute)
	ctx := context.Background()

	now = t0.Add(2 * time.Hour)
	n, err := New(store, q, WithClock(clock)).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Due)
}

type flakyQueue struct {
	queue.Queue
	failID string
}

func (q *flakyQueue) Exists(ctx context.Context, id string) (bool, error) {
	if id == q.failID {
		return false, queue.ErrStore
	}
	return q.Queue.Exists(ctx, id)
}

func TestReconcile_ContinuesPastErrors(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return t0 }
	store := record.NewMemory(record.WithClock(now))
	intents := seed(t, store, 3, time.Hour)
	q := &flakyQueue{Queue: queue.NewMemory(queue.WithClock(now)), failID: intents[1].ID}

	n, err := New(store, q, WithClock(now)).Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrStore)
	assert.Equal(t, 2, n)
}

type brokenStore struct{ record.Store }

func (brokenStore) ListPending(context.Context) ([]record.Intent, error) {
	return nil, errors.New("connection refused")
}

func TestReconcile_ListFailure(t *testing.T) {
	t.Parallel()

	_, err := New(brokenStore{}, queue.NewMemory()).Reconcile(context.Background())
	require.ErrorIs(t, err, ErrListPending)
}

func TestTask(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return t0 }
	store := record.NewMemory(record.WithClock(now))
	q := queue.NewMemory(queue.WithClock(now))
	seed(t, store, 2, time.Hour)

	task := NewTask(New(store, q, WithClock(now)), "*/5 * * * *")
	assert.Equal(t, "reconcile", task.Name())
	assert.Equal(t, "*/5 * * * *", task.Schedule())
	require.NoError(t, task.Handle(context.Background()))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
}
