package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-pipeline/internal/classify"
	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/queue"
	"github.com/sells-group/intake-pipeline/internal/ratelimit"
	"github.com/sells-group/intake-pipeline/internal/resilience"
	"github.com/sells-group/intake-pipeline/internal/security"
	"github.com/sells-group/intake-pipeline/internal/store"
	"github.com/sells-group/intake-pipeline/internal/validation"
	"github.com/sells-group/intake-pipeline/pkg/ipapi"
)

type fakeEnricher struct {
	result func() *model.EnrichmentResult
	calls  int32
}

func (f *fakeEnricher) Enrich(context.Context, string) *model.EnrichmentResult {
	atomic.AddInt32(&f.calls, 1)
	return f.result()
}

func matchedEnrichment() *model.EnrichmentResult {
	return &model.EnrichmentResult{
		Provider:  "clearbit",
		Available: true,
		Matched:   true,
		Company:   &model.CompanyAttributes{Name: "Acme", EmployeeCount: 120},
		LookedUp:  time.Now().UTC(),
	}
}

type fakeDispatcher struct {
	calls int32
	errs  []error
	last  *model.Submission
}

func (f *fakeDispatcher) Dispatch(_ context.Context, sub *model.Submission) error {
	n := atomic.AddInt32(&f.calls, 1)
	f.last = sub
	if int(n) <= len(f.errs) {
		return f.errs[n-1]
	}
	return nil
}

type staticGeo struct{ country string }

func (g *staticGeo) Lookup(_ context.Context, ip string) (*ipapi.Location, error) {
	return &ipapi.Location{IP: ip, CountryCode: g.country}, nil
}

func intakeForm() *formdef.FormDefinition {
	return &formdef.FormDefinition{
		ID:   "contact-us",
		Name: "Contact Us",
		Fields: []formdef.FieldSpec{
			{ID: "email", Type: formdef.FieldEmail, Required: true},
			{ID: "name", Type: formdef.FieldText, Required: true},
		},
		Security: formdef.SecurityPolicy{
			RateLimit: formdef.RateLimitPolicy{
				CheckPolicy: formdef.CheckPolicy{Enabled: true},
				Limit:       50,
			},
			Geo: formdef.GeoPolicy{
				CheckPolicy:      formdef.CheckPolicy{Enabled: true},
				AllowedCountries: []string{"US"},
			},
			EmailDomain: formdef.EmailDomainPolicy{
				CheckPolicy:     formdef.CheckPolicy{Enabled: true},
				BlockDisposable: true,
			},
		},
		Rules: classify.RuleSets{
			Red: []classify.Rule{{
				Name: "high-spam-score",
				When: []classify.Condition{{Signal: "enrichment.spam_score", Op: classify.OpGte, Value: 0.8}},
			}},
			Yellow: []classify.Rule{{
				Name: "free-email",
				When: []classify.Condition{{Signal: "security.emaildomain.free_domain", Op: classify.OpEq, Value: true}},
			}},
			Green: []classify.Rule{{
				Name: "company-match",
				When: []classify.Condition{{Signal: "enrichment.matched", Op: classify.OpEq, Value: true}},
			}},
		},
	}
}

type harness struct {
	coordinator *Coordinator
	worker      *Worker
	store       *store.MemoryStore
	queue       *queue.MemoryQueue
	enricher    *fakeEnricher
	dispatcher  *fakeDispatcher
	registry    *formdef.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	registry := formdef.NewRegistry(t.TempDir())
	require.NoError(t, registry.Put(intakeForm()))

	st := store.NewMemory()
	q := queue.NewMemory(30 * time.Second)

	sec := security.NewStage(
		security.NewTurnstileCheck(nil), // disabled by policy, never invoked
		security.NewRateLimitCheck(ratelimit.NewMemoryStore(), security.RateLimitDefaults{Limit: 50, Window: time.Minute}),
		security.NewGeoCheck(&staticGeo{country: "US"}),
		security.NewEmailDomainCheck(),
		security.NewPhoneCheck(),
	)

	enricher := &fakeEnricher{result: matchedEnrichment}
	dispatcher := &fakeDispatcher{}

	coordinator := NewCoordinator(registry, sec, validation.NewStage(), classify.NewEngine(), st, q)
	worker := NewWorker(st, q, registry, enricher, classify.NewEngine(), dispatcher, WorkerConfig{
		Concurrency:  1,
		MaxAttempts:  3,
		PollInterval: time.Millisecond,
		Retry: resilience.RetryConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			JitterFraction: 0,
		},
	})

	return &harness{
		coordinator: coordinator,
		worker:      worker,
		store:       st,
		queue:       q,
		enricher:    enricher,
		dispatcher:  dispatcher,
		registry:    registry,
	}
}

func corporateRequest() IntakeRequest {
	return IntakeRequest{
		FormID:   "contact-us",
		Values:   map[string]string{"email": "jo@acme.com", "name": "Jo Smith"},
		RemoteIP: "203.0.113.9",
	}
}

// drain processes queued items until the queue is empty, honoring nack
// delays by advancing the caller-controlled work loop.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		item, err := h.queue.Dequeue(ctx)
		if err != nil {
			depth, derr := h.queue.Depth(ctx)
			require.NoError(t, derr)
			if depth == 0 {
				return
			}
			// Items exist but are delayed; short real-time wait.
			time.Sleep(2 * time.Millisecond)
			continue
		}
		_ = h.worker.Process(ctx, item)
	}
	t.Fatal("queue did not drain")
}

func TestGreenPathEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.False(t, res.Duplicate)
	assert.Equal(t, model.StateQueued, res.Submission.State)

	h.drain(t)

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDispatched, final.State)
	assert.Equal(t, model.FlagGreen, final.Flag)
	require.NotNil(t, final.Enrichment)
	assert.True(t, final.Enrichment.Matched)
	assert.Equal(t, int32(1), h.dispatcher.calls)
	assert.Equal(t, model.FlagGreen, h.dispatcher.last.Flag)
}

func TestYellowPathFreeEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coordinator.Intake(ctx, IntakeRequest{
		FormID:   "contact-us",
		Values:   map[string]string{"email": "jo@gmail.com", "name": "Jo"},
		RemoteIP: "203.0.113.9",
	})
	require.NoError(t, err)
	require.False(t, res.Blocked)
	// Pre-enrichment rule match pins the provisional flag.
	assert.Equal(t, model.FlagYellow, res.Submission.Flag)

	h.drain(t)

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDispatched, final.State)
	// Enrichment matched, but an explicit Yellow verdict is never relaxed.
	assert.Equal(t, model.FlagYellow, final.Flag)
}

func TestGeoBlockedSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := corporateRequest()

	// Swap in a geo resolver outside the allow-list.
	sec := security.NewStage(
		security.NewTurnstileCheck(nil),
		security.NewRateLimitCheck(ratelimit.NewMemoryStore(), security.RateLimitDefaults{Limit: 50, Window: time.Minute}),
		security.NewGeoCheck(&staticGeo{country: "FR"}),
		security.NewEmailDomainCheck(),
		security.NewPhoneCheck(),
	)
	h.coordinator = NewCoordinator(h.registry, sec, validation.NewStage(), classify.NewEngine(), h.store, h.queue)

	res, err := h.coordinator.Intake(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, model.StateBlocked, res.Submission.State)
	assert.Equal(t, model.FlagRed, res.Submission.Flag)
	assert.Contains(t, res.Submission.BlockedReason, "geo")

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "blocked submissions never reach the queue")
	assert.Equal(t, int32(0), h.dispatcher.calls)
}

func TestValidationBlockedSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coordinator.Intake(ctx, IntakeRequest{
		FormID:   "contact-us",
		Values:   map[string]string{"email": "not-an-email", "name": "Jo"},
		RemoteIP: "203.0.113.9",
	})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, model.StateBlocked, res.Submission.State)
	assert.Contains(t, res.Submission.BlockedReason, "validation:email")

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestDuplicateSubmissionShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Submission.ID, second.Submission.ID)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "duplicate must not enqueue a second item")

	h.drain(t)
	assert.Equal(t, int32(1), h.dispatcher.calls, "no double dispatch")
}

// racingStore forces the first dedup lookup to miss, reproducing the
// window where two identical submissions pass the store check before
// either reaches the queue.
type racingStore struct {
	store.Store
	misses int32
}

func (s *racingStore) GetSubmissionByDedupKey(ctx context.Context, key string) (*model.Submission, error) {
	if atomic.AddInt32(&s.misses, -1) >= 0 {
		return nil, store.ErrNotFound
	}
	return s.Store.GetSubmissionByDedupKey(ctx, key)
}

func TestConcurrentDuplicateReturnsOriginal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	winner, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)
	require.False(t, winner.Duplicate)

	// Second intake of the same payload, with the store lookup blinded so
	// it proceeds all the way to the queue like a true concurrent arrival.
	rs := &racingStore{Store: h.store, misses: 1}
	racer := NewCoordinator(h.registry,
		security.NewStage(
			security.NewTurnstileCheck(nil),
			security.NewRateLimitCheck(ratelimit.NewMemoryStore(), security.RateLimitDefaults{Limit: 50, Window: time.Minute}),
			security.NewGeoCheck(&staticGeo{country: "US"}),
			security.NewEmailDomainCheck(),
			security.NewPhoneCheck(),
		),
		validation.NewStage(), classify.NewEngine(), rs, h.queue)

	res, err := racer.Intake(ctx, corporateRequest())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, winner.Submission.ID, res.Submission.ID, "loser reports the submission being processed")

	// The losing record must not linger in a non-terminal state.
	counts, err := h.store.CountByState(ctx)
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total, "racing duplicate is discarded")

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	h.drain(t)
	assert.Equal(t, int32(1), h.dispatcher.calls, "single dispatch despite the race")

	final, err := h.store.GetSubmission(ctx, winner.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDispatched, final.State)
}

func TestIdempotencyKeyDedup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reqA := corporateRequest()
	reqA.IdempotencyKey = "client-token-1"
	reqB := IntakeRequest{
		FormID:         "contact-us",
		Values:         map[string]string{"email": "other@acme.com", "name": "Other"},
		RemoteIP:       "203.0.113.9",
		IdempotencyKey: "client-token-1",
	}

	first, err := h.coordinator.Intake(ctx, reqA)
	require.NoError(t, err)
	second, err := h.coordinator.Intake(ctx, reqB)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Submission.ID, second.Submission.ID)
}

func TestRedelivedItemAfterDispatchIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)

	item, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, h.worker.Process(ctx, item))
	assert.Equal(t, int32(1), h.dispatcher.calls)

	// Simulate redelivery of the same item (e.g. ack lost in a crash).
	redelivered := *item
	redelivered.Attempts++
	require.NoError(t, h.worker.Process(ctx, &redelivered))

	assert.Equal(t, int32(1), h.dispatcher.calls, "terminal submission must not re-dispatch")

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDispatched, final.State)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.errs = []error{
		resilience.NewTransient(assert.AnError, 503),
	}

	res, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)

	h.drain(t)

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDispatched, final.State)
	assert.Equal(t, int32(2), h.dispatcher.calls)

	n, err := h.store.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTransientFailuresExhaustRetryBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.errs = []error{
		resilience.NewTransient(assert.AnError, 503),
		resilience.NewTransient(assert.AnError, 503),
		resilience.NewTransient(assert.AnError, 503),
		resilience.NewTransient(assert.AnError, 503),
	}

	res, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)

	h.drain(t)

	// MaxAttempts=3: exactly three deliveries, then dead-letter.
	assert.Equal(t, int32(3), h.dispatcher.calls)

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDeadLettered, final.State)

	letters, err := h.store.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, res.Submission.ID, letters[0].SubmissionID)
	assert.Equal(t, "transient", letters[0].ErrorType)
	assert.Equal(t, 3, letters[0].Attempts)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.errs = []error{
		resilience.NewPermanent(assert.AnError, 400),
	}

	res, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)

	h.drain(t)

	assert.Equal(t, int32(1), h.dispatcher.calls, "permanent errors are never retried")

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDeadLettered, final.State)

	letters, err := h.store.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "permanent", letters[0].ErrorType)
}

func TestRedAfterEnrichmentBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coordinator.Intake(ctx, IntakeRequest{
		FormID:   "contact-us",
		Values:   map[string]string{"email": "jo@gmail.com", "name": "Jo"},
		RemoteIP: "203.0.113.9",
	})
	require.NoError(t, err)
	require.False(t, res.Blocked)

	h.enricher.result = func() *model.EnrichmentResult {
		return &model.EnrichmentResult{Available: true, Matched: false, LookedUp: time.Now().UTC()}
	}
	// free_domain (0.3) + no-match (0.4) = 0.7; add near-limit usage to
	// cross 0.8 by exhausting most of the identity's budget.
	sub, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	sub.Context.SetSignal("security.ratelimit.limit", 10)
	sub.Context.SetSignal("security.ratelimit.remaining", 1)
	require.NoError(t, h.store.UpdateSubmission(ctx, sub))

	h.drain(t)

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateBlocked, final.State)
	assert.Equal(t, model.FlagRed, final.Flag)
	assert.Contains(t, final.BlockedReason, "high-spam-score")
	assert.Equal(t, int32(0), h.dispatcher.calls, "red submissions are never dispatched")
}

func TestEnrichmentUnavailableDefaultsYellow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enricher.result = func() *model.EnrichmentResult {
		r := model.Unavailable()
		r.LookedUp = time.Now().UTC()
		return r
	}

	res, err := h.coordinator.Intake(ctx, corporateRequest())
	require.NoError(t, err)

	h.drain(t)

	final, err := h.store.GetSubmission(ctx, res.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDispatched, final.State)
	// No Green rule can match without enrichment data; ambiguity routes to
	// manual review.
	assert.Equal(t, model.FlagYellow, final.Flag)
	require.NotNil(t, final.Enrichment)
	assert.False(t, final.Enrichment.Available)
}

func TestUnknownFormRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.coordinator.Intake(context.Background(), IntakeRequest{
		FormID: "no-such-form",
		Values: map[string]string{"email": "jo@acme.com"},
	})
	assert.ErrorIs(t, err, formdef.ErrUnknownForm)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
