package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/intake-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS submissions (
	id             TEXT PRIMARY KEY,
	form_id        TEXT NOT NULL,
	dedup_key      TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT 'received',
	flag           TEXT NOT NULL DEFAULT '',
	blocked_reason TEXT NOT NULL DEFAULT '',
	remote_ip      TEXT NOT NULL DEFAULT '',
	received_at    DATETIME NOT NULL,
	field_values   TEXT NOT NULL,
	context        TEXT,
	enrichment     TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id),
	dedup_key     TEXT NOT NULL,
	error         TEXT NOT NULL,
	error_type    TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	first_failed  DATETIME NOT NULL,
	last_failed   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_dedup_key ON submissions(dedup_key);
CREATE INDEX IF NOT EXISTS idx_submissions_state ON submissions(state);
CREATE INDEX IF NOT EXISTS idx_submissions_form_id ON submissions(form_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_submission_id ON dead_letters(submission_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutSubmission(ctx context.Context, sub *model.Submission) error {
	now := time.Now().UTC()
	valuesJSON, contextJSON, enrichmentJSON, err := marshalSubmission(sub)
	if err != nil {
		return err
	}

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions
		 (id, form_id, dedup_key, state, flag, blocked_reason, remote_ip, received_at, field_values, context, enrichment, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.FormID, sub.DedupKey, string(sub.State), string(sub.Flag), sub.BlockedReason,
		sub.RemoteIP, sub.ReceivedAt.UTC(), valuesJSON, contextJSON, enrichmentJSON, createdAt, now,
	)
	return eris.Wrapf(err, "sqlite: insert submission %s", sub.ID)
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectSubmission+` WHERE id = ?`, id)
	return scanSubmission(row)
}

func (s *SQLiteStore) GetSubmissionByDedupKey(ctx context.Context, key string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		sqliteSelectSubmission+` WHERE dedup_key = ? ORDER BY created_at ASC LIMIT 1`, key)
	return scanSubmission(row)
}

func (s *SQLiteStore) DeleteSubmission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete submission %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateState(ctx context.Context, id string, from, to model.SubmissionState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update state %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.stateConflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) UpdateSubmission(ctx context.Context, sub *model.Submission) error {
	valuesJSON, contextJSON, enrichmentJSON, err := marshalSubmission(sub)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions
		 SET state = ?, flag = ?, blocked_reason = ?, field_values = ?, context = ?, enrichment = ?, updated_at = ?
		 WHERE id = ?`,
		string(sub.State), string(sub.Flag), sub.BlockedReason,
		valuesJSON, contextJSON, enrichmentJSON, time.Now().UTC(), sub.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update submission %s", sub.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountByState(ctx context.Context) (map[model.SubmissionState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM submissions GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by state")
	}
	defer rows.Close()

	counts := make(map[model.SubmissionState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.SubmissionState(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count iterate")
}

func (s *SQLiteStore) PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, submission_id, dedup_key, error, error_type, attempts, first_failed, last_failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.SubmissionID, dl.DedupKey, dl.Error, dl.ErrorType, dl.Attempts,
		dl.FirstFailed.UTC(), dl.LastFailed.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert dead letter %s", dl.ID)
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetter, error) {
	query := `SELECT id, submission_id, dedup_key, error, error_type, attempts, first_failed, last_failed
	          FROM dead_letters WHERE 1=1`
	var args []any

	if filter.SubmissionID != "" {
		query += ` AND submission_id = ?`
		args = append(args, filter.SubmissionID)
	}
	query += ` ORDER BY last_failed DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.SubmissionID, &dl.DedupKey, &dl.Error, &dl.ErrorType,
			&dl.Attempts, &dl.FirstFailed, &dl.LastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		out = append(out, dl)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dead letters")
}

func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dead letter %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) stateConflictOrNotFound(ctx context.Context, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "sqlite: check submission %s", id)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStateConflict
}

// helpers

const sqliteSelectSubmission = `SELECT id, form_id, dedup_key, state, flag, blocked_reason, remote_ip, received_at, field_values, context, enrichment, created_at, updated_at FROM submissions`

func marshalSubmission(sub *model.Submission) (values, pctx, enrichment string, err error) {
	valuesJSON, err := json.Marshal(sub.Values)
	if err != nil {
		return "", "", "", eris.Wrap(err, "store: marshal values")
	}
	contextJSON := []byte("null")
	if sub.Context != nil {
		if contextJSON, err = json.Marshal(sub.Context); err != nil {
			return "", "", "", eris.Wrap(err, "store: marshal context")
		}
	}
	enrichmentJSON := []byte("null")
	if sub.Enrichment != nil {
		if enrichmentJSON, err = json.Marshal(sub.Enrichment); err != nil {
			return "", "", "", eris.Wrap(err, "store: marshal enrichment")
		}
	}
	return string(valuesJSON), string(contextJSON), string(enrichmentJSON), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubmission(row scannable) (*model.Submission, error) {
	var sub model.Submission
	var state, flag string
	var valuesJSON string
	var contextJSON, enrichmentJSON sql.NullString

	err := row.Scan(&sub.ID, &sub.FormID, &sub.DedupKey, &state, &flag, &sub.BlockedReason,
		&sub.RemoteIP, &sub.ReceivedAt, &valuesJSON, &contextJSON, &enrichmentJSON,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan submission")
	}

	sub.State = model.SubmissionState(state)
	sub.Flag = model.ClassificationFlag(flag)

	if err := json.Unmarshal([]byte(valuesJSON), &sub.Values); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal values")
	}
	if contextJSON.Valid && contextJSON.String != "null" {
		sub.Context = model.NewProcessingContext()
		if err := json.Unmarshal([]byte(contextJSON.String), sub.Context); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal context")
		}
	}
	if enrichmentJSON.Valid && enrichmentJSON.String != "null" {
		sub.Enrichment = &model.EnrichmentResult{}
		if err := json.Unmarshal([]byte(enrichmentJSON.String), sub.Enrichment); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal enrichment")
		}
	}
	return &sub, nil
}
