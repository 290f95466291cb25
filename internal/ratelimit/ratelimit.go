// Package ratelimit enforces a per-sender hourly send cap shared by every
// dispatcher process.
//
// Counters are bucketed by UTC calendar hour. A denied acquisition never
// consumes quota, and the check and increment happen in one atomic step on
// the counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidLimit = errors.New("ratelimit: hourly limit must be positive")
	ErrEmptySender  = errors.New("ratelimit: sender is required")
	ErrStore        = errors.New("ratelimit: counter store failure")
)

// DefaultPrefix namespaces counter keys.
const DefaultPrefix = "email_rate"

// Decision is the outcome of a single acquisition attempt.
type Decision struct {
	Allowed bool
	// Count is the number of sends recorded in the bucket after this call.
	Count int64
	Limit int64
	// NextAvailableAt is the start of the next hour bucket when denied.
	NextAvailableAt time.Time
}

// Limiter grants or denies one send for a sender.
type Limiter interface {
	TryAcquire(ctx context.Context, sender string) (Decision, error)
}

// Option configures a limiter backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

func newOptions(opts ...Option) *options {
	o := &options{now: time.Now, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock overrides the time source used to pick hour buckets.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPrefix sets the key prefix for counters.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// bucket describes the hour window containing a point in time.
type bucket struct {
	key   string
	start time.Time
	end   time.Time
}

func bucketFor(prefix, sender string, now time.Time) bucket {
	start := now.UTC().Truncate(time.Hour)
	return bucket{
		key:   fmt.Sprintf("%s:%s:%s", prefix, sender, start.Format("2006-01-02-15")),
		start: start,
		end:   start.Add(time.Hour),
	}
}

// ttl is the remainder of the bucket, at least one millisecond.
func (b bucket) ttl(now time.Time) time.Duration {
	return max(b.end.Sub(now), time.Millisecond)
}
