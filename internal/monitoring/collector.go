// Package monitoring gathers pipeline health metrics and raises webhook
// alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/queue"
	"github.com/sells-group/intake-pipeline/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Submission counts by state.
	Received     int `json:"received"`
	Validated    int `json:"validated"`
	Queued       int `json:"queued"`
	Enriching    int `json:"enriching"`
	Classified   int `json:"classified"`
	Dispatched   int `json:"dispatched"`
	Blocked      int `json:"blocked"`
	DeadLettered int `json:"dead_lettered"`

	Total int `json:"total"`
	// BlockRate is blocked over all terminal submissions.
	BlockRate float64 `json:"block_rate"`

	// QueueDepth is the number of queued or in-flight work items.
	QueueDepth int `json:"queue_depth"`
	// DLQDepth is the number of dead-letter records awaiting operators.
	DLQDepth int `json:"dlq_depth"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store and queue.
type Collector struct {
	store store.Store
	queue queue.Queue
}

// NewCollector creates a metrics collector. The queue may be nil when the
// caller only has store access (e.g. the status CLI against SQLite).
func NewCollector(st store.Store, q queue.Queue) *Collector {
	return &Collector{store: st, queue: q}
}

// Collect gathers a snapshot of current pipeline state.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountByState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count by state")
	}
	snap.Received = counts[model.StateReceived]
	snap.Validated = counts[model.StateValidated]
	snap.Queued = counts[model.StateQueued]
	snap.Enriching = counts[model.StateEnriching]
	snap.Classified = counts[model.StateClassified]
	snap.Dispatched = counts[model.StateDispatched]
	snap.Blocked = counts[model.StateBlocked]
	snap.DeadLettered = counts[model.StateDeadLettered]
	for _, n := range counts {
		snap.Total += n
	}

	terminal := snap.Dispatched + snap.Blocked + snap.DeadLettered
	if terminal > 0 {
		snap.BlockRate = float64(snap.Blocked) / float64(terminal)
	}

	dlq, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DLQDepth = dlq

	if c.queue != nil {
		depth, err := c.queue.Depth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue depth")
		}
		snap.QueueDepth = depth
	}

	return snap, nil
}
