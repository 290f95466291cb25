package record

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	opts *options

	mu      sync.RWMutex
	intents map[string]Intent
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:    newOptions(opts...),
		intents: make(map[string]Intent),
	}
}

func (m *Memory) Create(_ context.Context, in NewIntent) (Intent, error) {
	now := m.opts.now()
	if err := in.Validate(now); err != nil {
		return Intent{}, err
	}

	intent := Intent{
		ID:          m.opts.newID(),
		ToEmail:     in.ToEmail,
		SenderEmail: in.SenderEmail,
		Subject:     in.Subject,
		Body:        in.Body,
		ScheduledAt: in.ScheduledAt.UTC(),
		Status:      StatusScheduled,
		CreatedAt:   now.UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.intents[intent.ID]; dup {
		return Intent{}, ErrStorage
	}
	m.intents[intent.ID] = intent
	return cloneIntent(intent), nil
}

func (m *Memory) Get(_ context.Context, id string) (Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[id]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return cloneIntent(intent), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Intent, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	matched := make([]Intent, 0, len(m.intents))
	for _, in := range m.intents {
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if f.SenderEmail != "" && in.SenderEmail != f.SenderEmail {
			continue
		}
		matched = append(matched, cloneIntent(in))
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b Intent) int {
		if c := b.ScheduledAt.Compare(a.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if f.Offset >= len(matched) {
		return []Intent{}, nil
	}
	end := min(f.Offset+f.Limit, len(matched))
	return matched[f.Offset:end], nil
}

func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	switch intent.Status {
	case StatusSent:
		return nil
	case StatusFailed:
		return ErrTerminal
	}

	sentAt := at.UTC()
	intent.Status = StatusSent
	intent.SentAt = &sentAt
	m.intents[id] = intent
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	switch intent.Status {
	case StatusFailed:
		return nil
	case StatusSent:
		return ErrTerminal
	}

	intent.Status = StatusFailed
	m.intents[id] = intent
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if intent.Status.Terminal() {
		return ErrTerminal
	}
	if !at.After(intent.ScheduledAt) {
		return ErrNotLater
	}

	intent.ScheduledAt = at.UTC()
	m.intents[id] = intent
	return nil
}

func (m *Memory) ListPending(_ context.Context) ([]Intent, error) {
	m.mu.RLock()
	pending := make([]Intent, 0, len(m.intents))
	for _, in := range m.intents {
		if in.Status == StatusScheduled {
			pending = append(pending, cloneIntent(in))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(pending, func(a, b Intent) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return pending, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[Status]int64{
		StatusScheduled: 0,
		StatusSent:      0,
		StatusFailed:    0,
	}
	for _, in := range m.intents {
		counts[in.Status]++
	}
	return counts, nil
}

func cloneIntent(in Intent) Intent {
	if in.SentAt != nil {
		sentAt := *in.SentAt
		in.SentAt = &sentAt
	}
	return in
}
