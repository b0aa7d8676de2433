// Package queue provides the at-least-once work queue between intake and
// the async processing workers.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-pipeline/internal/model"
)

// ErrEmpty is returned by Dequeue when no item is currently deliverable.
var ErrEmpty = eris.New("queue: empty")

// ErrDuplicate is returned by Enqueue when an item with the same dedup key
// is already queued or in flight.
var ErrDuplicate = eris.New("queue: duplicate dedup key")

// Queue is the work item transport. Delivery is at-least-once: a
// dequeued item that is neither acked nor nacked becomes deliverable
// again after the visibility timeout; consumers must tolerate redelivery.
type Queue interface {
	Enqueue(ctx context.Context, item *model.WorkItem) error
	// Dequeue leases the next deliverable item and increments its attempt
	// counter. Returns ErrEmpty when nothing is deliverable.
	Dequeue(ctx context.Context) (*model.WorkItem, error)
	// Ack removes a completed item, releasing its dedup key.
	Ack(ctx context.Context, id string) error
	// Nack returns a failed item to the queue, deliverable again after
	// the delay.
	Nack(ctx context.Context, id string, delay time.Duration) error
	Depth(ctx context.Context) (int, error)
	Close() error
}
