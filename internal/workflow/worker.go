package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-pipeline/internal/classify"
	"github.com/sells-group/intake-pipeline/internal/enrich"
	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/queue"
	"github.com/sells-group/intake-pipeline/internal/resilience"
	"github.com/sells-group/intake-pipeline/internal/store"
)

// Enricher runs the provider waterfall. *enrich.Orchestrator satisfies it.
type Enricher interface {
	Enrich(ctx context.Context, domain string) *model.EnrichmentResult
}

// Dispatcher routes a classified submission downstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub *model.Submission) error
}

// WorkerConfig tunes the async processing loop.
type WorkerConfig struct {
	Concurrency int
	// MaxAttempts bounds deliveries per work item; the attempt that would
	// exceed it dead-letters instead of retrying.
	MaxAttempts  int
	PollInterval time.Duration
	Retry        resilience.RetryConfig
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Worker consumes work items and drives submissions from queued to a
// terminal state. Processing tolerates at-least-once delivery: every
// state transition is conditional and redelivered items for terminal
// submissions are acked without effect.
type Worker struct {
	store      store.Store
	queue      queue.Queue
	forms      FormResolver
	enricher   Enricher
	classifier *classify.Engine
	dispatcher Dispatcher
	cfg        WorkerConfig
	now        func() time.Time
}

// NewWorker assembles the async path.
func NewWorker(st store.Store, q queue.Queue, forms FormResolver, enr Enricher, cls *classify.Engine, disp Dispatcher, cfg WorkerConfig) *Worker {
	return &Worker{
		store:      st,
		queue:      q,
		forms:      forms,
		enricher:   enr,
		classifier: cls,
		dispatcher: disp,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// Run polls the queue with the configured concurrency until the context
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(w.cfg.PollInterval):
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.L().Error("worker: dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		if err := w.Process(ctx, item); err != nil {
			zap.L().Error("worker: processing failed",
				zap.String("work_item_id", item.ID),
				zap.String("submission_id", item.SubmissionID),
				zap.Error(err),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Process handles one delivery of a work item. Exported for tests and for
// single-shot draining.
func (w *Worker) Process(ctx context.Context, item *model.WorkItem) error {
	sub, err := w.store.GetSubmission(ctx, item.SubmissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Orphaned item; nothing to do.
			zap.L().Warn("worker: work item without submission",
				zap.String("work_item_id", item.ID))
			return w.queue.Ack(ctx, item.ID)
		}
		return w.retryOrDeadLetter(ctx, item, sub, eris.Wrap(err, "worker: load submission"))
	}

	// Redelivery after completion: the conditional transitions already ran.
	if sub.State.Terminal() {
		return w.queue.Ack(ctx, item.ID)
	}

	if sub.State == model.StateQueued || sub.State == model.StateEnriching {
		if err := w.enrichAndClassify(ctx, item, sub); err != nil {
			return w.retryOrDeadLetter(ctx, item, sub, err)
		}
		if sub.State == model.StateBlocked {
			return w.queue.Ack(ctx, item.ID)
		}
	}

	if sub.State != model.StateClassified {
		// States earlier than queued never reach the queue.
		return w.retryOrDeadLetter(ctx, item, sub, resilience.NewPermanent(
			eris.Errorf("worker: submission %s in unexpected state %s", sub.ID, sub.State), 0))
	}

	if err := w.dispatcher.Dispatch(ctx, sub); err != nil {
		return w.retryOrDeadLetter(ctx, item, sub, err)
	}

	if err := w.store.UpdateState(ctx, sub.ID, model.StateClassified, model.StateDispatched); err != nil &&
		!errors.Is(err, store.ErrStateConflict) {
		return w.retryOrDeadLetter(ctx, item, sub, eris.Wrap(err, "worker: mark dispatched"))
	}

	zap.L().Info("worker: submission dispatched",
		zap.String("submission_id", sub.ID),
		zap.String("flag", string(sub.Flag)),
		zap.Int("attempts", item.Attempts),
	)
	return w.queue.Ack(ctx, item.ID)
}

// enrichAndClassify runs the waterfall and final classification, leaving
// the submission classified or blocked. Enrichment is idempotent, so a
// redelivered item in enriching state simply redoes the lookup.
func (w *Worker) enrichAndClassify(ctx context.Context, item *model.WorkItem, sub *model.Submission) error {
	def, err := w.forms.Get(sub.FormID)
	if err != nil {
		return resilience.NewPermanent(eris.Wrap(err, "worker: resolve form"), 0)
	}

	if sub.State == model.StateQueued {
		if err := w.store.UpdateState(ctx, sub.ID, model.StateQueued, model.StateEnriching); err != nil &&
			!errors.Is(err, store.ErrStateConflict) {
			return eris.Wrap(err, "worker: mark enriching")
		}
		sub.State = model.StateEnriching
	}

	result := w.enricher.Enrich(ctx, sub.EmailDomain())
	result.SpamScore = enrich.SpamScore(sub.Context, result)
	sub.Enrichment = result
	enrich.RecordSignals(sub.Context, result)

	cls := w.classifier.Evaluate(def.Rules, sub.Context, sub.Flag)
	sub.Flag = cls.Flag

	if cls.Flag == model.FlagRed {
		sub.State = model.StateBlocked
		sub.BlockedReason = "classified:" + cls.MatchedRule
		zap.L().Info("worker: submission blocked after enrichment",
			zap.String("submission_id", sub.ID),
			zap.String("rule", cls.MatchedRule),
		)
	} else {
		sub.State = model.StateClassified
	}

	if err := w.store.UpdateSubmission(ctx, sub); err != nil {
		return eris.Wrap(err, "worker: persist classification")
	}
	return nil
}

// retryOrDeadLetter decides a failed delivery's fate: permanent errors
// and exhausted attempts dead-letter; transient errors nack with backoff.
func (w *Worker) retryOrDeadLetter(ctx context.Context, item *model.WorkItem, sub *model.Submission, cause error) error {
	if resilience.IsPermanent(cause) || item.Attempts >= w.cfg.MaxAttempts {
		return w.deadLetter(ctx, item, sub, cause)
	}

	delay := resilience.Backoff(item.Attempts-1, w.cfg.Retry)
	zap.L().Warn("worker: transient failure, retrying",
		zap.String("submission_id", item.SubmissionID),
		zap.Int("attempt", item.Attempts),
		zap.Int("max_attempts", w.cfg.MaxAttempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	if err := w.queue.Nack(ctx, item.ID, delay); err != nil {
		return eris.Wrap(err, "worker: nack")
	}
	return cause
}

func (w *Worker) deadLetter(ctx context.Context, item *model.WorkItem, sub *model.Submission, cause error) error {
	now := w.now().UTC()
	dl := &model.DeadLetter{
		ID:           uuid.New().String(),
		SubmissionID: item.SubmissionID,
		DedupKey:     item.DedupKey,
		Error:        cause.Error(),
		ErrorType:    resilience.Classify(cause),
		Attempts:     item.Attempts,
		FirstFailed:  item.EnqueuedAt.UTC(),
		LastFailed:   now,
	}
	if err := w.store.PutDeadLetter(ctx, dl); err != nil {
		// Keep the item; redelivery will try to dead-letter again.
		return eris.Wrap(err, "worker: persist dead letter")
	}

	if sub != nil && !sub.State.Terminal() {
		sub.State = model.StateDeadLettered
		if err := w.store.UpdateSubmission(ctx, sub); err != nil {
			zap.L().Error("worker: mark dead-lettered failed",
				zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}

	zap.L().Error("worker: submission dead-lettered",
		zap.String("submission_id", item.SubmissionID),
		zap.String("error_type", dl.ErrorType),
		zap.Int("attempts", item.Attempts),
		zap.Error(cause),
	)
	if err := w.queue.Ack(ctx, item.ID); err != nil {
		return eris.Wrap(err, "worker: ack dead-lettered item")
	}
	return cause
}
