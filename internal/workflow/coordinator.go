// Package workflow wires the intake stages together: the Coordinator
// handles the synchronous path (security, validation, first-pass
// classification, persist, enqueue) and the Worker drives the async path
// (enrichment, final classification, dispatch).
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/classify"
	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/queue"
	"github.com/sells-group/intake-pipeline/internal/security"
	"github.com/sells-group/intake-pipeline/internal/store"
	"github.com/sells-group/intake-pipeline/internal/validation"
)

// FormResolver resolves form definitions. *formdef.Registry satisfies it.
type FormResolver interface {
	Get(formID string) (*formdef.FormDefinition, error)
}

// IntakeRequest is one incoming submission before processing.
type IntakeRequest struct {
	FormID         string
	Values         map[string]string
	RemoteIP       string
	IdempotencyKey string
}

// IntakeResult reports what happened to a submission on the synchronous
// path.
type IntakeResult struct {
	Submission *model.Submission
	// Duplicate is true when the dedup key matched an existing submission;
	// Submission then refers to the original.
	Duplicate bool
	// Blocked is true when a security check, validation, or first-pass Red
	// classification stopped the submission.
	Blocked bool
}

// Coordinator runs the synchronous intake path. The contract is
// persist-then-enqueue: a submission is durably stored in its validated
// state before the work item exists, so a crash between the two steps
// loses no accepted submission.
type Coordinator struct {
	forms      FormResolver
	security   *security.Stage
	validation *validation.Stage
	classifier *classify.Engine
	store      store.Store
	queue      queue.Queue
	now        func() time.Time
}

// NewCoordinator assembles the intake path.
func NewCoordinator(forms FormResolver, sec *security.Stage, val *validation.Stage, cls *classify.Engine, st store.Store, q queue.Queue) *Coordinator {
	return &Coordinator{
		forms:      forms,
		security:   sec,
		validation: val,
		classifier: cls,
		store:      st,
		queue:      q,
		now:        time.Now,
	}
}

// Intake processes one submission synchronously. Unknown form IDs return
// formdef.ErrUnknownForm.
func (c *Coordinator) Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	def, err := c.forms.Get(req.FormID)
	if err != nil {
		return nil, err
	}

	dedupKey := model.DeriveDedupKey(req.FormID, req.Values, req.IdempotencyKey)
	if existing, err := c.store.GetSubmissionByDedupKey(ctx, dedupKey); err == nil {
		zap.L().Info("workflow: duplicate submission",
			zap.String("form_id", req.FormID),
			zap.String("original_id", existing.ID),
		)
		return &IntakeResult{Submission: existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "workflow: dedup lookup")
	}

	sub := &model.Submission{
		ID:         uuid.New().String(),
		FormID:     req.FormID,
		Values:     req.Values,
		RemoteIP:   req.RemoteIP,
		ReceivedAt: c.now().UTC(),
		DedupKey:   dedupKey,
		State:      model.StateReceived,
		Context:    model.NewProcessingContext(),
	}

	if res := c.security.Run(ctx, sub, def); res.Blocked {
		return c.block(ctx, sub, model.FlagRed, "security:"+res.BlockedBy+":"+res.Reason)
	}

	if res := c.validation.Run(sub, def); res.Blocked {
		return c.block(ctx, sub, "", "validation:"+strings.Join(res.Failures, ","))
	}
	sub.State = model.StateValidated

	// First-pass classification on pre-enrichment signals. Red here means
	// the submission never reaches the queue. The default Yellow verdict is
	// not persisted as a prior: only an explicit rule match pins the flag,
	// so enrichment can still upgrade an unremarkable submission to Green.
	cls := c.classifier.Evaluate(def.Rules, sub.Context, "")
	if cls.Flag == model.FlagRed {
		return c.block(ctx, sub, model.FlagRed, "classified:"+cls.MatchedRule)
	}
	if !cls.Defaulted {
		sub.Flag = cls.Flag
	}

	if err := c.store.PutSubmission(ctx, sub); err != nil {
		return nil, eris.Wrap(err, "workflow: persist submission")
	}

	item := &model.WorkItem{
		ID:           uuid.New().String(),
		SubmissionID: sub.ID,
		DedupKey:     sub.DedupKey,
		EnqueuedAt:   c.now().UTC(),
	}
	if err := c.queue.Enqueue(ctx, item); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			// Lost the race against a concurrent identical submission.
			// Discard our record so the dedup index keeps pointing at the
			// one actually being processed, and hand that one back.
			if delErr := c.store.DeleteSubmission(ctx, sub.ID); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
				zap.L().Warn("workflow: discard racing duplicate",
					zap.String("submission_id", sub.ID),
					zap.Error(delErr),
				)
			}
			original, lookErr := c.store.GetSubmissionByDedupKey(ctx, dedupKey)
			if lookErr != nil {
				original = sub
			}
			zap.L().Info("workflow: duplicate submission",
				zap.String("form_id", req.FormID),
				zap.String("original_id", original.ID),
			)
			return &IntakeResult{Submission: original, Duplicate: true}, nil
		}
		return nil, eris.Wrap(err, "workflow: enqueue")
	}

	if err := c.store.UpdateState(ctx, sub.ID, model.StateValidated, model.StateQueued); err != nil {
		return nil, eris.Wrap(err, "workflow: mark queued")
	}
	sub.State = model.StateQueued

	zap.L().Info("workflow: submission accepted",
		zap.String("submission_id", sub.ID),
		zap.String("form_id", sub.FormID),
		zap.String("flag", string(sub.Flag)),
	)
	return &IntakeResult{Submission: sub}, nil
}

func (c *Coordinator) block(ctx context.Context, sub *model.Submission, flag model.ClassificationFlag, reason string) (*IntakeResult, error) {
	sub.State = model.StateBlocked
	if flag != "" {
		sub.Flag = flag
	}
	sub.BlockedReason = reason

	if err := c.store.PutSubmission(ctx, sub); err != nil {
		return nil, eris.Wrap(err, "workflow: persist blocked submission")
	}

	zap.L().Info("workflow: submission blocked",
		zap.String("submission_id", sub.ID),
		zap.String("form_id", sub.FormID),
		zap.String("reason", reason),
	)
	return &IntakeResult{Submission: sub, Blocked: true}, nil
}
