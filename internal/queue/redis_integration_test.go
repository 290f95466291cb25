//go:build integration

package queue_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/postman/internal/queue"
	"github.com/dmitrymomot/postman/pkg/redis"
)

func newTestRedisClient(t *testing.T) goredis.UniversalClient {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	client, err := redis.Open(context.Background(), redis.Config{URL: url, RetryAttempts: 1})
	require.NoError(t, err, "failed to connect to Redis")
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestQueue(t *testing.T, now *time.Time, opts ...queue.Option) *queue.Redis {
	t.Helper()

	prefix := "test:{" + t.Name() + "}"
	client := newTestRedisClient(t)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
	})

	opts = append(opts, queue.WithPrefix(prefix), queue.WithClock(func() time.Time { return *now }))
	return queue.NewRedis(client, opts...)
}

func testPayload(id string) queue.Payload {
	return queue.Payload{EmailID: id, ToEmail: "to@example.com", SenderEmail: "s@example.com", Subject: "s", Body: "b"}
}

func TestRedis_EnqueueIsIdempotent(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	q := newTestQueue(t, &now)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, "a", testPayload("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.Enqueue(ctx, "a", testPayload("a"), time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = q.Enqueue(ctx, "b", testPayload("b"), -time.Second)
	require.ErrorIs(t, err, queue.ErrPastSchedule)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Waiting: 1}, stats)

	now = now.Add(time.Minute)
	entries, err := q.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testPayload("a"), entries[0].Payload)
}

func TestRedis_ClaimDeferRetryRemove(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	q := newTestQueue(t, &now, queue.WithLeaseTimeout(time.Minute))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", testPayload("a"), 0)
	require.NoError(t, err)

	entries, err := q.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	again, err := q.Claim(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, again)

	attempt, err := q.Retry(ctx, "a", entries[0].Lease, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	now = now.Add(time.Second)
	entries, err = q.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempt)

	next := now.Add(time.Hour)
	require.NoError(t, q.Defer(ctx, "a", entries[0].Lease, next))
	ok, err := q.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	now = next
	entries, err = q.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempt, "defer keeps the attempt count")
	assert.True(t, next.Equal(entries[0].DueAt))

	now = now.Add(time.Minute)
	entries, err = q.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1, "expired lease is re-delivered")

	require.NoError(t, q.Remove(ctx, "a", entries[0].Lease))
	ok, err = q.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, q.Defer(ctx, "a", "", now), queue.ErrNotFound)
}

func TestRedis_StaleLeaseIsRejected(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	q := newTestQueue(t, &now, queue.WithLeaseTimeout(time.Minute))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", testPayload("a"), 0)
	require.NoError(t, err)

	first, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	now = now.Add(2 * time.Minute)
	second, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.NotEqual(t, first[0].Lease, second[0].Lease)

	stale := first[0].Lease
	require.ErrorIs(t, q.Defer(ctx, "a", stale, now), queue.ErrLeaseLost)
	_, err = q.Retry(ctx, "a", stale, now)
	require.ErrorIs(t, err, queue.ErrLeaseLost)
	require.ErrorIs(t, q.Remove(ctx, "a", stale), queue.ErrLeaseLost)
	require.ErrorIs(t, q.Remove(ctx, "a", ""), queue.ErrLeaseLost)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{InFlight: 1}, stats)

	require.NoError(t, q.Defer(ctx, "a", second[0].Lease, now.Add(time.Hour)))
	require.NoError(t, q.Remove(ctx, "a", ""), "an unheld entry takes the empty token")
}
