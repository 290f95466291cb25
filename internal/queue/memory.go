package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue ordered by a min-heap on due time.
type Memory struct {
	opts *options

	mu      sync.Mutex
	entries map[string]*memEntry
	pending entryHeap
	seq     uint64
}

type memEntry struct {
	id          string
	payload     Payload
	dueAt       time.Time
	attempts    int
	leasedUntil time.Time
	leased      bool
	lease       string
	seq         uint64
	index       int
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:    newOptions(opts...),
		entries: make(map[string]*memEntry),
	}
}

func (m *Memory) Enqueue(_ context.Context, id string, p Payload, delay time.Duration) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	if delay < 0 {
		return false, ErrPastSchedule
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		return false, nil
	}
	m.seq++
	e := &memEntry{id: id, payload: p, dueAt: m.opts.now().Add(delay), seq: m.seq}
	m.entries[id] = e
	heap.Push(&m.pending, e)
	return true, nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[id]
	return ok, nil
}

func (m *Memory) Defer(ctx context.Context, id, lease string, dueAt time.Time) error {
	_, err := m.reschedule(ctx, id, lease, dueAt, false)
	return err
}

func (m *Memory) Retry(ctx context.Context, id, lease string, dueAt time.Time) (int, error) {
	return m.reschedule(ctx, id, lease, dueAt, true)
}

func (m *Memory) reschedule(_ context.Context, id, lease string, dueAt time.Time, bump bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return 0, ErrNotFound
	}
	if !e.heldBy(lease) {
		return 0, ErrLeaseLost
	}
	if bump {
		e.attempts++
	}
	e.dueAt = dueAt
	if e.leased {
		e.release()
		heap.Push(&m.pending, e)
	} else {
		heap.Fix(&m.pending, e.index)
	}
	return e.attempts, nil
}

func (m *Memory) Remove(_ context.Context, id, lease string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	if !e.heldBy(lease) {
		return ErrLeaseLost
	}
	if !e.leased {
		heap.Remove(&m.pending, e.index)
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) Claim(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	m.releaseExpired(now)

	var claimed []Entry
	for len(claimed) < limit && m.pending.Len() > 0 && !m.pending[0].dueAt.After(now) {
		e := heap.Pop(&m.pending).(*memEntry)
		e.leased = true
		e.leasedUntil = now.Add(m.opts.leaseTimeout)
		e.lease = uuid.NewString()
		claimed = append(claimed, Entry{
			ID:      e.id,
			Payload: e.payload,
			DueAt:   e.dueAt,
			Attempt: e.attempts,
			Lease:   e.lease,
		})
	}
	return claimed, nil
}

// releaseExpired makes entries whose lease ran out claimable immediately.
func (m *Memory) releaseExpired(now time.Time) {
	for _, e := range m.entries {
		if e.leased && !now.Before(e.leasedUntil) {
			e.release()
			e.dueAt = now
			heap.Push(&m.pending, e)
		}
	}
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var s Stats
	for _, e := range m.entries {
		switch {
		case e.leased:
			s.InFlight++
		case e.dueAt.After(now):
			s.Waiting++
		default:
			s.Due++
		}
	}
	return s, nil
}

// heldBy reports whether lease matches the current claim. An empty lease
// matches an entry nobody holds.
func (e *memEntry) heldBy(lease string) bool {
	if !e.leased {
		return lease == ""
	}
	return e.lease == lease
}

func (e *memEntry) release() {
	e.leased = false
	e.leasedUntil = time.Time{}
	e.lease = ""
}

// entryHeap orders entries by due time, then by insertion order.
type entryHeap []*memEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].dueAt.Before(h[j].dueAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
