package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-pipeline/internal/model"
)

func newItem(dedupKey string) *model.WorkItem {
	return &model.WorkItem{
		ID:           uuid.New().String(),
		SubmissionID: uuid.New().String(),
		DedupKey:     dedupKey,
	}
}

func TestMemoryQueueFIFO(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q := NewMemory(30 * time.Second).WithNow(clock)
	ctx := context.Background()

	first := newItem("key-1")
	require.NoError(t, q.Enqueue(ctx, first))
	now = now.Add(time.Millisecond)
	second := newItem("key-2")
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryQueueDedup(t *testing.T) {
	q := NewMemory(30 * time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newItem("same-key")))
	err := q.Enqueue(ctx, newItem("same-key"))
	assert.ErrorIs(t, err, ErrDuplicate)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestMemoryQueueAckReleasesDedupKey(t *testing.T) {
	q := NewMemory(30 * time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newItem("key")))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, got.ID))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// Once acked, the key may be enqueued again; store-level dedup takes
	// over from here.
	assert.NoError(t, q.Enqueue(ctx, newItem("key")))
}

func TestMemoryQueueNackDelaysRedelivery(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q := NewMemory(30 * time.Second).WithNow(clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newItem("key")))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, got.ID, 5*time.Second))

	// Still invisible before the delay elapses.
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	now = now.Add(6 * time.Second)
	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempts)
}

func TestMemoryQueueVisibilityTimeoutRedelivers(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q := NewMemory(10 * time.Second).WithNow(clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newItem("key")))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Leased: not deliverable to another worker.
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	// A worker that crashed without acking loses the lease.
	now = now.Add(11 * time.Second)
	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempts)
}
