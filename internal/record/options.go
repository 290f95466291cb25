package record

import (
	"time"

	"github.com/google/uuid"
)

// Option configures a store backend.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

func newOptions(opts ...Option) *options {
	o := &options{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock overrides the time source used for validation and createdAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides intent id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}
