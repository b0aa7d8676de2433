package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-pipeline/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgSelectSubmission = `SELECT id, form_id, dedup_key, state, flag, blocked_reason, remote_ip, received_at, field_values, context, enrichment, created_at, updated_at FROM submissions`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_submission": `INSERT INTO submissions
		(id, form_id, dedup_key, state, flag, blocked_reason, remote_ip, received_at, field_values, context, enrichment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	"get_submission":          pgSelectSubmission + ` WHERE id = $1`,
	"get_submission_by_dedup": pgSelectSubmission + ` WHERE dedup_key = $1 ORDER BY created_at ASC LIMIT 1`,
	"update_state":            `UPDATE submissions SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
	"delete_submission":       `DELETE FROM submissions WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests and by the
// queue, which shares the store's pool.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool so the Postgres queue can share it.
func (s *PostgresStore) Pool() Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS submissions (
	id             TEXT PRIMARY KEY,
	form_id        TEXT NOT NULL,
	dedup_key      TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT 'received',
	flag           TEXT NOT NULL DEFAULT '',
	blocked_reason TEXT NOT NULL DEFAULT '',
	remote_ip      TEXT NOT NULL DEFAULT '',
	received_at    TIMESTAMPTZ NOT NULL,
	field_values   JSONB NOT NULL,
	context        JSONB,
	enrichment     JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id),
	dedup_key     TEXT NOT NULL,
	error         TEXT NOT NULL,
	error_type    TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	first_failed  TIMESTAMPTZ NOT NULL,
	last_failed   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS work_items (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id),
	dedup_key     TEXT NOT NULL UNIQUE,
	attempts      INTEGER NOT NULL DEFAULT 0,
	enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	visible_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	leased_until  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_submissions_dedup_key ON submissions(dedup_key);
CREATE INDEX IF NOT EXISTS idx_submissions_state ON submissions(state);
CREATE INDEX IF NOT EXISTS idx_submissions_form_id ON submissions(form_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_submission_id ON dead_letters(submission_id);
CREATE INDEX IF NOT EXISTS idx_work_items_visible_at ON work_items(visible_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) PutSubmission(ctx context.Context, sub *model.Submission) error {
	now := time.Now().UTC()
	valuesJSON, contextJSON, enrichmentJSON, err := marshalSubmission(sub)
	if err != nil {
		return err
	}

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.pool.Exec(ctx, preparedStatements["insert_submission"],
		sub.ID, sub.FormID, sub.DedupKey, string(sub.State), string(sub.Flag), sub.BlockedReason,
		sub.RemoteIP, sub.ReceivedAt.UTC(), valuesJSON, contextJSON, enrichmentJSON, createdAt, now,
	)
	return eris.Wrapf(err, "postgres: insert submission %s", sub.ID)
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_submission"], id)
	sub, err := scanPgSubmission(row)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *PostgresStore) GetSubmissionByDedupKey(ctx context.Context, key string) (*model.Submission, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_submission_by_dedup"], key)
	return scanPgSubmission(row)
}

func (s *PostgresStore) DeleteSubmission(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, preparedStatements["delete_submission"], id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete submission %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, from, to model.SubmissionState) error {
	tag, err := s.pool.Exec(ctx, preparedStatements["update_state"],
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return eris.Wrapf(err, "postgres: update state %s", id)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM submissions WHERE id = $1`, id).Scan(&exists); err != nil {
			return eris.Wrapf(err, "postgres: check submission %s", id)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) UpdateSubmission(ctx context.Context, sub *model.Submission) error {
	valuesJSON, contextJSON, enrichmentJSON, err := marshalSubmission(sub)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions
		 SET state = $1, flag = $2, blocked_reason = $3, field_values = $4, context = $5, enrichment = $6, updated_at = $7
		 WHERE id = $8`,
		string(sub.State), string(sub.Flag), sub.BlockedReason,
		valuesJSON, contextJSON, enrichmentJSON, time.Now().UTC(), sub.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update submission %s", sub.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountByState(ctx context.Context) (map[model.SubmissionState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM submissions GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by state")
	}
	defer rows.Close()

	counts := make(map[model.SubmissionState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.SubmissionState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count iterate")
}

func (s *PostgresStore) PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, submission_id, dedup_key, error, error_type, attempts, first_failed, last_failed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		dl.ID, dl.SubmissionID, dl.DedupKey, dl.Error, dl.ErrorType, dl.Attempts,
		dl.FirstFailed.UTC(), dl.LastFailed.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert dead letter %s", dl.ID)
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetter, error) {
	query := `SELECT id, submission_id, dedup_key, error, error_type, attempts, first_failed, last_failed
	          FROM dead_letters`
	var args []any
	argn := 1

	if filter.SubmissionID != "" {
		query += ` WHERE submission_id = $1`
		args = append(args, filter.SubmissionID)
		argn++
	}
	query += ` ORDER BY last_failed DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT $` + strconv.Itoa(argn)
	args = append(args, limit)
	argn++

	if filter.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(argn)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.SubmissionID, &dl.DedupKey, &dl.Error, &dl.ErrorType,
			&dl.Attempts, &dl.FirstFailed, &dl.LastFailed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		out = append(out, dl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dead letters")
}

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete dead letter %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgSubmission(row pgx.Row) (*model.Submission, error) {
	sub, err := scanSubmission(row)
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}
