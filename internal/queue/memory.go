package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/intake-pipeline/internal/model"
)

type memoryItem struct {
	item        model.WorkItem
	leasedUntil time.Time
}

// MemoryQueue is an in-process Queue for tests and single-node use.
type MemoryQueue struct {
	mu         sync.Mutex
	items      map[string]*memoryItem
	byDedupKey map[string]string
	visibility time.Duration
	now        func() time.Time
}

// NewMemory creates a memory queue with the given visibility timeout.
func NewMemory(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		items:      make(map[string]*memoryItem),
		byDedupKey: make(map[string]string),
		visibility: visibility,
		now:        time.Now,
	}
}

// WithNow overrides the clock for tests.
func (q *MemoryQueue) WithNow(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, item *model.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.DedupKey != "" {
		if _, ok := q.byDedupKey[item.DedupKey]; ok {
			return ErrDuplicate
		}
	}

	cp := *item
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = q.now()
	}
	if cp.VisibleAt.IsZero() {
		cp.VisibleAt = cp.EnqueuedAt
	}
	q.items[cp.ID] = &memoryItem{item: cp}
	if cp.DedupKey != "" {
		q.byDedupKey[cp.DedupKey] = cp.ID
	}
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*model.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var candidates []*memoryItem
	for _, mi := range q.items {
		if mi.item.VisibleAt.After(now) {
			continue
		}
		if mi.leasedUntil.After(now) {
			continue
		}
		candidates = append(candidates, mi)
	}
	if len(candidates) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].item.EnqueuedAt.Before(candidates[j].item.EnqueuedAt)
	})

	mi := candidates[0]
	mi.item.Attempts++
	mi.leasedUntil = now.Add(q.visibility)
	cp := mi.item
	return &cp, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mi, ok := q.items[id]
	if !ok {
		return nil
	}
	delete(q.items, id)
	if mi.item.DedupKey != "" {
		delete(q.byDedupKey, mi.item.DedupKey)
	}
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mi, ok := q.items[id]
	if !ok {
		return nil
	}
	mi.item.VisibleAt = q.now().Add(delay)
	mi.leasedUntil = time.Time{}
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Close() error { return nil }
