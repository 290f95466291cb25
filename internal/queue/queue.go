// Package queue holds the delay-ordered dispatch entries, one per live intent.
//
// An entry is keyed by its intent id. Enqueue is idempotent, deferral moves the
// existing entry instead of creating a second one, and Claim leases entries so
// each delivery finishes (remove, defer or retry) before the entry can be
// claimed again. A lease that is not resolved within the lease timeout expires
// and the entry becomes claimable again, which covers dispatchers that die
// mid-processing.
//
// Every claim carries a lease token. Defer, Retry and Remove must present the
// token of the current claim, or an empty token for an entry nobody holds;
// otherwise they fail with ErrLeaseLost and leave the entry untouched.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/postman/internal/record"
)

var (
	ErrPastSchedule = errors.New("queue: delay must not be negative")
	ErrNotFound     = errors.New("queue: entry not found")
	ErrEmptyID      = errors.New("queue: entry id is required")
	ErrStore        = errors.New("queue: store failure")
	ErrLeaseLost    = errors.New("queue: lease is held by another claim")
)

const DefaultLeaseTimeout = 5 * time.Minute

// Payload is the denormalized copy of an intent needed to send it.
type Payload struct {
	EmailID     string `json:"emailId"`
	ToEmail     string `json:"toEmail"`
	SenderEmail string `json:"senderEmail"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// NewPayload copies the sendable fields of an intent.
func NewPayload(in record.Intent) Payload {
	return Payload{
		EmailID:     in.ID,
		ToEmail:     in.ToEmail,
		SenderEmail: in.SenderEmail,
		Subject:     in.Subject,
		Body:        in.Body,
	}
}

// Entry is a claimed unit of work.
type Entry struct {
	ID      string
	Payload Payload
	DueAt   time.Time
	// Attempt is the number of failed sends recorded with Retry so far.
	Attempt int
	// Lease identifies this claim. Pass it back to Defer, Retry and Remove.
	Lease string
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Waiting  int64 `json:"waiting"`
	Due      int64 `json:"due"`
	InFlight int64 `json:"inFlight"`
}

// Queue is the dispatch queue contract.
type Queue interface {
	// Enqueue adds an entry due after delay. It reports false without
	// changing anything when id already has a live entry.
	Enqueue(ctx context.Context, id string, p Payload, delay time.Duration) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Defer moves the entry to dueAt and releases its lease. The attempt count is kept.
	Defer(ctx context.Context, id, lease string, dueAt time.Time) error
	// Retry is Defer that also records a failed attempt. It returns the new count.
	Retry(ctx context.Context, id, lease string, dueAt time.Time) (int, error)
	// Remove deletes the entry. Removing an unknown id is not an error.
	Remove(ctx context.Context, id, lease string) error
	// Claim leases up to limit due entries, earliest first.
	Claim(ctx context.Context, limit int) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	now          func() time.Time
	leaseTimeout time.Duration
	prefix       string
}

func newOptions(opts ...Option) *options {
	o := &options{
		now:          time.Now,
		leaseTimeout: DefaultLeaseTimeout,
		prefix:       DefaultPrefix,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLeaseTimeout sets how long a claimed entry stays invisible to other claimers.
func WithLeaseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTimeout = d
		}
	}
}

// WithPrefix sets the Redis key prefix. Keep a {hash tag} in it when running on Redis Cluster.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}
