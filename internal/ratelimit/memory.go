package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Limiter. Multiple processes do not share its counters.
type Memory struct {
	limit int64
	opts  *options

	mu       sync.Mutex
	counters map[string]memoryCounter
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory creates a limiter allowing limit sends per sender per hour.
func NewMemory(limit int, opts ...Option) (*Memory, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	return &Memory{
		limit:    int64(limit),
		opts:     newOptions(opts...),
		counters: make(map[string]memoryCounter),
	}, nil
}

func (m *Memory) TryAcquire(_ context.Context, sender string) (Decision, error) {
	if sender == "" {
		return Decision{}, ErrEmptySender
	}

	now := m.opts.now()
	b := bucketFor(m.opts.prefix, sender, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evict(now)

	c := m.counters[b.key]
	if c.count >= m.limit {
		return Decision{Count: c.count, Limit: m.limit, NextAvailableAt: b.end}, nil
	}
	if c.count == 0 {
		c.expiresAt = now.Add(b.ttl(now))
	}
	c.count++
	m.counters[b.key] = c

	return Decision{Allowed: true, Count: c.count, Limit: m.limit}, nil
}

func (m *Memory) evict(now time.Time) {
	for key, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, key)
		}
	}
}
