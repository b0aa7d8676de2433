package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-pipeline/internal/config"
	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/queue"
	"github.com/sells-group/intake-pipeline/internal/store"
)

func seedSubmission(t *testing.T, st store.Store, state model.SubmissionState) *model.Submission {
	t.Helper()
	sub := &model.Submission{
		ID:         uuid.NewString(),
		FormID:     "contact-us",
		Values:     map[string]string{"email": "a@example.com"},
		DedupKey:   uuid.NewString(),
		State:      state,
		Context:    model.NewProcessingContext(),
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, st.PutSubmission(context.Background(), sub))
	return sub
}

func TestCollectorSnapshot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory(30 * time.Second)

	seedSubmission(t, st, model.StateDispatched)
	seedSubmission(t, st, model.StateDispatched)
	seedSubmission(t, st, model.StateDispatched)
	seedSubmission(t, st, model.StateBlocked)
	queued := seedSubmission(t, st, model.StateQueued)

	require.NoError(t, q.Enqueue(ctx, &model.WorkItem{
		ID:           uuid.NewString(),
		SubmissionID: queued.ID,
		DedupKey:     queued.DedupKey,
		EnqueuedAt:   time.Now().UTC(),
	}))

	require.NoError(t, st.PutDeadLetter(ctx, &model.DeadLetter{
		ID:           uuid.NewString(),
		SubmissionID: uuid.NewString(),
		Error:        "boom",
		ErrorType:    "transient",
		Attempts:     5,
		FirstFailed:  time.Now().UTC(),
		LastFailed:   time.Now().UTC(),
	}))

	snap, err := NewCollector(st, q).Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.Dispatched)
	assert.Equal(t, 1, snap.Blocked)
	assert.Equal(t, 1, snap.Queued)
	assert.Equal(t, 5, snap.Total)
	assert.InDelta(t, 0.25, snap.BlockRate, 1e-9)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, 1, snap.DLQDepth)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollectorWithoutQueue(t *testing.T) {
	st := store.NewMemory()
	seedSubmission(t, st, model.StateDispatched)

	snap, err := NewCollector(st, nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, 1, snap.Dispatched)
}

func TestAlerterEvaluate(t *testing.T) {
	cfg := config.MonitoringConfig{
		DLQDepthThreshold:  10,
		BlockRateThreshold: 0.5,
	}
	a := NewAlerter(cfg)

	tests := []struct {
		name string
		snap MetricsSnapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: MetricsSnapshot{Dispatched: 50, Blocked: 2, BlockRate: 2.0 / 52, DLQDepth: 3},
			want: nil,
		},
		{
			name: "dlq over threshold",
			snap: MetricsSnapshot{Dispatched: 50, DLQDepth: 10},
			want: []AlertType{AlertDLQDepth},
		},
		{
			name: "block rate over threshold",
			snap: MetricsSnapshot{Dispatched: 4, Blocked: 8, BlockRate: 8.0 / 12, DLQDepth: 0},
			want: []AlertType{AlertBlockRate},
		},
		{
			name: "block rate ignored on small sample",
			snap: MetricsSnapshot{Dispatched: 1, Blocked: 3, BlockRate: 0.75},
			want: nil,
		},
		{
			name: "both fire",
			snap: MetricsSnapshot{Dispatched: 2, Blocked: 10, BlockRate: 10.0 / 12, DLQDepth: 25},
			want: []AlertType{AlertDLQDepth, AlertBlockRate},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := a.Evaluate(&tt.snap)
			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerterEvaluateDisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	snap := &MetricsSnapshot{Dispatched: 1, Blocked: 99, BlockRate: 0.99, DLQDepth: 1000}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerterSendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, AlertDLQDepth, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	alerts := []Alert{{
		Type:      AlertDLQDepth,
		Severity:  "high",
		Message:   "Dead-letter queue holds 25 items, threshold is 10",
		Timestamp: time.Now().UTC(),
	}}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestAlerterSendAlertsRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	a.retry.InitialBackoff = time.Millisecond
	a.retry.MaxBackoff = time.Millisecond

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertBlockRate}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestAlerterSendAlertsWebhookFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	a.retry.InitialBackoff = time.Millisecond
	a.retry.MaxBackoff = time.Millisecond

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertBlockRate}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestAlerterSendAlertsPermanentRejectionNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	a.retry.InitialBackoff = time.Millisecond

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestAlerterSendAlertsNoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}}))
}

func TestCheckerRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	collector := NewCollector(st, nil)
	alerter := NewAlerter(config.MonitoringConfig{})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{CheckIntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Run returned.
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}
