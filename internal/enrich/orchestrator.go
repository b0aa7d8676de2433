package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/model"
)

// Orchestrator runs providers in configured order until one matches.
// Provider failures never fail the submission: a provider that errors or
// times out is skipped, and only when every provider fails is the result
// marked unavailable.
type Orchestrator struct {
	providers []Provider
	timeout   time.Duration
	now       func() time.Time
}

// NewOrchestrator creates the waterfall with a per-provider timeout.
func NewOrchestrator(timeout time.Duration, providers ...Provider) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		timeout:   timeout,
		now:       time.Now,
	}
}

// WithNow overrides the clock for tests.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Enrich looks up the domain across the waterfall. An empty domain (no
// company email on the submission) yields an unavailable result without
// touching any provider.
func (o *Orchestrator) Enrich(ctx context.Context, domain string) *model.EnrichmentResult {
	if domain == "" {
		result := model.Unavailable()
		result.LookedUp = o.now()
		return result
	}

	noMatchFrom := ""
	for _, p := range o.providers {
		attrs, err := o.lookup(ctx, p, domain)
		if err != nil {
			zap.L().Warn("enrich: provider failed",
				zap.String("provider", p.Name()),
				zap.String("domain", domain),
				zap.Error(err),
			)
			continue
		}
		if attrs == nil {
			// Definitive no-match: the domain was checked and is absent.
			// Later providers may still match it.
			noMatchFrom = p.Name()
			continue
		}
		return &model.EnrichmentResult{
			Provider:  p.Name(),
			Available: true,
			Matched:   true,
			Company:   attrs,
			LookedUp:  o.now(),
		}
	}

	if noMatchFrom != "" {
		return &model.EnrichmentResult{
			Provider:  noMatchFrom,
			Available: true,
			Matched:   false,
			LookedUp:  o.now(),
		}
	}

	result := model.Unavailable()
	result.LookedUp = o.now()
	return result
}

func (o *Orchestrator) lookup(ctx context.Context, p Provider, domain string) (*model.CompanyAttributes, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return p.Lookup(ctx, domain)
}

// RecordSignals mirrors an enrichment result into the processing context
// so classification rules can reference it.
func RecordSignals(pctx *model.ProcessingContext, result *model.EnrichmentResult) {
	pctx.SetSignal("enrichment.available", result.Available)
	pctx.SetSignal("enrichment.matched", result.Matched)
	pctx.SetSignal("enrichment.spam_score", result.SpamScore)
	if result.Provider != "" {
		pctx.SetSignal("enrichment.provider", result.Provider)
	}
	if result.Company != nil {
		pctx.SetSignal("enrichment.company.name", result.Company.Name)
		pctx.SetSignal("enrichment.company.industry", result.Company.Industry)
		pctx.SetSignal("enrichment.company.employee_count", result.Company.EmployeeCount)
		pctx.SetSignal("enrichment.company.country", result.Company.Country)
		pctx.SetSignal("enrichment.company.founded_year", result.Company.FoundedYear)
	}
}
