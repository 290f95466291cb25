package ratelimit

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// acquireScript reads the bucket and increments it only when below the cap.
// The expiry is set on the first increment so idle buckets disappear at the hour boundary.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, current}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

// Redis is a Limiter backed by a shared Redis counter per sender and hour.
type Redis struct {
	client redis.Scripter
	limit  int64
	opts   *options
}

var _ Limiter = (*Redis)(nil)

// NewRedis creates a limiter allowing limit sends per sender per hour.
func NewRedis(client redis.Scripter, limit int, opts ...Option) (*Redis, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	return &Redis{client: client, limit: int64(limit), opts: newOptions(opts...)}, nil
}

func (r *Redis) TryAcquire(ctx context.Context, sender string) (Decision, error) {
	if sender == "" {
		return Decision{}, ErrEmptySender
	}

	now := r.opts.now()
	b := bucketFor(r.opts.prefix, sender, now)

	res, err := acquireScript.Run(ctx, r.client, []string{b.key}, r.limit, b.ttl(now).Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, errors.Join(ErrStore, err)
	}
	if len(res) != 2 {
		return Decision{}, ErrStore
	}

	d := Decision{Allowed: res[0] == 1, Count: res[1], Limit: r.limit}
	if !d.Allowed {
		d.NextAvailableAt = b.end
	}
	return d, nil
}
