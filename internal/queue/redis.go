package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix keeps every queue key in one cluster slot.
const DefaultPrefix = "postman:{dispatch}"

// Keys: payload, attempts and lease are hashes keyed by entry id; pending is a
// zset scored by due time and leased a zset scored by lease expiry, both in
// unix ms. The lease hash holds the token of the current claim.
var (
	enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], 0)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

	rescheduleScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return -1
end
if (redis.call('HGET', KEYS[5], ARGV[1]) or '') ~= ARGV[4] then
	return -2
end
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
if ARGV[3] == '1' then
	return redis.call('HINCRBY', KEYS[4], ARGV[1], 1)
end
return tonumber(redis.call('HGET', KEYS[4], ARGV[1]) or '0')
`)

	removeScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if (redis.call('HGET', KEYS[5], ARGV[1]) or '') ~= ARGV[2] then
	return -2
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

	claimScript = redis.NewScript(`
local now = ARGV[1]
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('HDEL', KEYS[5], id)
	redis.call('ZADD', KEYS[2], now, id)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for i = 1, #due, 2 do
	local id = due[i]
	redis.call('ZREM', KEYS[2], id)
	local payload = redis.call('HGET', KEYS[1], id)
	if payload then
		local lease = ARGV[4] .. ':' .. i
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		redis.call('HSET', KEYS[5], id, lease)
		out[#out + 1] = id
		out[#out + 1] = payload
		out[#out + 1] = redis.call('HGET', KEYS[4], id) or '0'
		out[#out + 1] = due[i + 1]
		out[#out + 1] = lease
	end
end
return out
`)
)

// Redis is a Queue shared by every dispatcher process through Redis.
type Redis struct {
	client redis.UniversalClient
	opts   *options
	keys   []string
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a queue over client.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := newOptions(opts...)
	return &Redis{
		client: client,
		opts:   o,
		keys: []string{
			o.prefix + ":payload",
			o.prefix + ":pending",
			o.prefix + ":leased",
			o.prefix + ":attempts",
			o.prefix + ":lease",
		},
	}
}

func (r *Redis) payloadKey() string { return r.keys[0] }
func (r *Redis) pendingKey() string { return r.keys[1] }
func (r *Redis) leasedKey() string { return r.keys[2] }

func (r *Redis) Enqueue(ctx context.Context, id string, p Payload, delay time.Duration) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	if delay < 0 {
		return false, ErrPastSchedule
	}

	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("queue: encode payload: %w", err)
	}
	due := r.opts.now().Add(delay).UnixMilli()

	created, err := enqueueScript.Run(ctx, r.client, r.keys, id, data, due).Int()
	if err != nil {
		return false, errors.Join(ErrStore, err)
	}
	return created == 1, nil
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.payloadKey(), id).Result()
	if err != nil {
		return false, errors.Join(ErrStore, err)
	}
	return ok, nil
}

func (r *Redis) Defer(ctx context.Context, id, lease string, dueAt time.Time) error {
	_, err := r.reschedule(ctx, id, lease, dueAt, false)
	return err
}

func (r *Redis) Retry(ctx context.Context, id, lease string, dueAt time.Time) (int, error) {
	return r.reschedule(ctx, id, lease, dueAt, true)
}

func (r *Redis) reschedule(ctx context.Context, id, lease string, dueAt time.Time, bump bool) (int, error) {
	flag := "0"
	if bump {
		flag = "1"
	}
	n, err := rescheduleScript.Run(ctx, r.client, r.keys, id, dueAt.UnixMilli(), flag, lease).Int()
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	switch n {
	case -1:
		return 0, ErrNotFound
	case -2:
		return 0, ErrLeaseLost
	}
	return n, nil
}

func (r *Redis) Remove(ctx context.Context, id, lease string) error {
	n, err := removeScript.Run(ctx, r.client, r.keys, id, lease).Int()
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	if n == -2 {
		return ErrLeaseLost
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := r.opts.now()
	raw, err := claimScript.Run(ctx, r.client, r.keys,
		now.UnixMilli(), now.Add(r.opts.leaseTimeout).UnixMilli(), limit, uuid.NewString(),
	).StringSlice()
	if err != nil {
		return nil, errors.Join(ErrStore, err)
	}
	if len(raw)%5 != 0 {
		return nil, fmt.Errorf("%w: malformed claim reply", ErrStore)
	}

	entries := make([]Entry, 0, len(raw)/5)
	for i := 0; i < len(raw); i += 5 {
		e, err := decodeEntry(raw[i], raw[i+1], raw[i+2], raw[i+3])
		if err != nil {
			return entries, err
		}
		e.Lease = raw[i+4]
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(id, payload, attempts, dueMs string) (Entry, error) {
	e := Entry{ID: id}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return e, fmt.Errorf("queue: decode payload of %s: %w", id, err)
	}
	n, err := strconv.Atoi(attempts)
	if err != nil {
		return e, fmt.Errorf("queue: decode attempts of %s: %w", id, err)
	}
	e.Attempt = n
	due, err := strconv.ParseFloat(dueMs, 64)
	if err != nil {
		return e, fmt.Errorf("queue: decode due time of %s: %w", id, err)
	}
	e.DueAt = time.UnixMilli(int64(due)).UTC()
	return e, nil
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(r.opts.now().UnixMilli(), 10)

	var (
		total, due, leased *redis.IntCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.ZCard(ctx, r.pendingKey())
		due = p.ZCount(ctx, r.pendingKey(), "-inf", now)
		leased = p.ZCard(ctx, r.leasedKey())
		return nil
	})
	if err != nil {
		return Stats{}, errors.Join(ErrStore, err)
	}
	return Stats{
		Waiting:  total.Val() - due.Val(),
		Due:      due.Val(),
		InFlight: leased.Val(),
	}, nil
}
