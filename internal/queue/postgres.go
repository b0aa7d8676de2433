package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/store"
)

// PostgresQueue implements Queue on the work_items table, sharing the
// store's connection pool. FOR UPDATE SKIP LOCKED keeps concurrent
// workers from leasing the same item.
type PostgresQueue struct {
	pool       store.Pool
	visibility time.Duration
}

// NewPostgres creates a Postgres-backed queue. The table is created by
// the store's Migrate.
func NewPostgres(pool store.Pool, visibility time.Duration) *PostgresQueue {
	return &PostgresQueue{pool: pool, visibility: visibility}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, item *model.WorkItem) error {
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	visibleAt := item.VisibleAt
	if visibleAt.IsZero() {
		visibleAt = enqueuedAt
	}

	tag, err := q.pool.Exec(ctx,
		`INSERT INTO work_items (id, submission_id, dedup_key, attempts, enqueued_at, visible_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (dedup_key) DO NOTHING`,
		item.ID, item.SubmissionID, item.DedupKey, item.Attempts, enqueuedAt, visibleAt,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue %s", item.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*model.WorkItem, error) {
	row := q.pool.QueryRow(ctx,
		`UPDATE work_items
		 SET attempts = attempts + 1, leased_until = now() + $1
		 WHERE id = (
		   SELECT id FROM work_items
		   WHERE visible_at <= now() AND (leased_until IS NULL OR leased_until <= now())
		   ORDER BY enqueued_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, submission_id, dedup_key, attempts, enqueued_at, visible_at`,
		q.visibility,
	)

	var item model.WorkItem
	err := row.Scan(&item.ID, &item.SubmissionID, &item.DedupKey,
		&item.Attempts, &item.EnqueuedAt, &item.VisibleAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: dequeue")
	}
	return &item, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM work_items WHERE id = $1`, id)
	return eris.Wrapf(err, "queue: ack %s", id)
}

func (q *PostgresQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE work_items SET visible_at = now() + $1, leased_until = NULL WHERE id = $2`,
		delay, id,
	)
	return eris.Wrapf(err, "queue: nack %s", id)
}

func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM work_items`).Scan(&n)
	return n, eris.Wrap(err, "queue: depth")
}

// Close is a no-op; the pool belongs to the store.
func (q *PostgresQueue) Close() error { return nil }
