package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-pipeline/internal/model"
)

type fakeProvider struct {
	name    string
	attrs   *model.CompanyAttributes
	err     error
	noMatch bool
	calls   int
	delay   time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(ctx context.Context, _ string) (*model.CompanyAttributes, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.noMatch {
		return nil, nil
	}
	return f.attrs, nil
}

func acme() *model.CompanyAttributes {
	return &model.CompanyAttributes{Name: "Acme", Domain: "acme.com", EmployeeCount: 120, Country: "US"}
}

func TestEnrichFirstMatchWins(t *testing.T) {
	first := &fakeProvider{name: "clearbit", attrs: acme()}
	second := &fakeProvider{name: "apollo", attrs: acme()}
	o := NewOrchestrator(time.Second, first, second)

	result := o.Enrich(context.Background(), "acme.com")

	require.True(t, result.Matched)
	assert.Equal(t, "clearbit", result.Provider)
	assert.Equal(t, "Acme", result.Company.Name)
	assert.Equal(t, 0, second.calls, "waterfall must stop at the first match")
}

func TestEnrichFallsThroughOnError(t *testing.T) {
	first := &fakeProvider{name: "clearbit", err: eris.New("503 from upstream")}
	second := &fakeProvider{name: "apollo", attrs: acme()}
	o := NewOrchestrator(time.Second, first, second)

	result := o.Enrich(context.Background(), "acme.com")

	require.True(t, result.Matched)
	assert.Equal(t, "apollo", result.Provider)
	assert.Equal(t, 1, first.calls)
}

func TestEnrichTimeoutSkipsProvider(t *testing.T) {
	slow := &fakeProvider{name: "clearbit", attrs: acme(), delay: 200 * time.Millisecond}
	fast := &fakeProvider{name: "apollo", attrs: acme()}
	o := NewOrchestrator(20*time.Millisecond, slow, fast)

	result := o.Enrich(context.Background(), "acme.com")

	require.True(t, result.Matched)
	assert.Equal(t, "apollo", result.Provider)
}

func TestEnrichDefinitiveNoMatch(t *testing.T) {
	first := &fakeProvider{name: "clearbit", noMatch: true}
	second := &fakeProvider{name: "apollo", noMatch: true}
	o := NewOrchestrator(time.Second, first, second)

	result := o.Enrich(context.Background(), "unknown-co.example")

	assert.True(t, result.Available, "a definitive no-match is an answer")
	assert.False(t, result.Matched)
	assert.Nil(t, result.Company)
	assert.Equal(t, 1, second.calls, "later providers still get a chance to match")
}

func TestEnrichAllProvidersFailed(t *testing.T) {
	first := &fakeProvider{name: "clearbit", err: eris.New("timeout")}
	second := &fakeProvider{name: "apollo", err: eris.New("timeout")}
	o := NewOrchestrator(time.Second, first, second)

	result := o.Enrich(context.Background(), "acme.com")

	assert.False(t, result.Available)
	assert.False(t, result.Matched)
	assert.False(t, result.LookedUp.IsZero())
}

func TestEnrichEmptyDomain(t *testing.T) {
	first := &fakeProvider{name: "clearbit", attrs: acme()}
	o := NewOrchestrator(time.Second, first)

	result := o.Enrich(context.Background(), "")

	assert.False(t, result.Available)
	assert.Equal(t, 0, first.calls)
}

func TestRecordSignals(t *testing.T) {
	pctx := model.NewProcessingContext()
	result := &model.EnrichmentResult{
		Provider:  "clearbit",
		Available: true,
		Matched:   true,
		Company:   acme(),
		SpamScore: 0.3,
	}

	RecordSignals(pctx, result)

	assert.Equal(t, true, pctx.Signals["enrichment.available"])
	assert.Equal(t, true, pctx.Signals["enrichment.matched"])
	assert.Equal(t, 0.3, pctx.Signals["enrichment.spam_score"])
	assert.Equal(t, "clearbit", pctx.Signals["enrichment.provider"])
	assert.Equal(t, 120, pctx.Signals["enrichment.company.employee_count"])
}

func TestSpamScore(t *testing.T) {
	matched := &model.EnrichmentResult{Available: true, Matched: true}
	noMatch := &model.EnrichmentResult{Available: true, Matched: false}
	unavailable := model.Unavailable()

	withSignals := func(sig map[string]any) *model.ProcessingContext {
		pctx := model.NewProcessingContext()
		for k, v := range sig {
			pctx.SetSignal(k, v)
		}
		return pctx
	}

	tests := []struct {
		name   string
		pctx   *model.ProcessingContext
		result *model.EnrichmentResult
		want   float64
	}{
		{"clean corporate lead", withSignals(nil), matched, 0},
		{"free domain only", withSignals(map[string]any{"security.emaildomain.free_domain": true}), matched, 0.30},
		{"unmatched company", withSignals(nil), noMatch, 0.40},
		{"enrichment unavailable", withSignals(nil), unavailable, 0.20},
		{"near rate limit", withSignals(map[string]any{
			"security.ratelimit.limit":     10,
			"security.ratelimit.remaining": 2,
		}), matched, 0.20},
		{"signals accumulate", withSignals(map[string]any{
			"security.emaildomain.free_domain": true,
			"security.ratelimit.limit":         10,
			"security.ratelimit.remaining":     0,
		}), noMatch, 0.90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SpamScore(tt.pctx, tt.result)
			assert.InDelta(t, tt.want, got, 1e-9)
			// Deterministic: same inputs, same score.
			assert.Equal(t, got, SpamScore(tt.pctx, tt.result))
		})
	}
}
