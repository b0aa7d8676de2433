// Package store provides submission and dead-letter persistence with
// memory, SQLite, and Postgres backends.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-pipeline/internal/model"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = eris.New("store: not found")

// ErrStateConflict is returned by UpdateState when the submission is no
// longer in the expected state. Callers use it to detect that a
// redelivered work item was already processed.
var ErrStateConflict = eris.New("store: state conflict")

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	SubmissionID string
	Limit        int
	Offset       int
}

// Store defines the persistence interface for the intake pipeline.
type Store interface {
	// Submissions
	PutSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	// GetSubmissionByDedupKey returns the oldest submission carrying the
	// key, or ErrNotFound. Oldest-first keeps the lookup pointing at the
	// original when a concurrent duplicate briefly coexists with it.
	GetSubmissionByDedupKey(ctx context.Context, key string) (*model.Submission, error)
	// DeleteSubmission removes a submission record. Used to discard the
	// loser of a concurrent-intake race; returns ErrNotFound when the id
	// does not exist.
	DeleteSubmission(ctx context.Context, id string) error
	// UpdateState transitions id from the expected state to the new one.
	// Returns ErrStateConflict when the current state differs from `from`;
	// the conditional write is what makes redelivered work items safe.
	UpdateState(ctx context.Context, id string, from, to model.SubmissionState) error
	// UpdateSubmission rewrites the mutable fields (state, flag, context,
	// enrichment, blocked reason) of an existing submission.
	UpdateSubmission(ctx context.Context, sub *model.Submission) error
	CountByState(ctx context.Context) (map[model.SubmissionState]int, error)

	// Dead letters
	PutDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
