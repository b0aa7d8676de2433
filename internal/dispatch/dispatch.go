// Package dispatch routes classified submissions to downstream systems
// according to their flag.
package dispatch

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/resilience"
	"github.com/sells-group/intake-pipeline/pkg/builder"
	"github.com/sells-group/intake-pipeline/pkg/eloqua"
)

// Dispatcher delivers submissions to the CRM and, for Green submissions,
// the provisioning service. Each target runs behind its own circuit
// breaker; downstream API errors are classified transient or permanent by
// their HTTP status.
type Dispatcher struct {
	crm      eloqua.Client
	prov     builder.Client
	breakers *resilience.ServiceBreakers
}

// New creates a dispatcher.
func New(crm eloqua.Client, prov builder.Client, breakers *resilience.ServiceBreakers) *Dispatcher {
	return &Dispatcher{crm: crm, prov: prov, breakers: breakers}
}

// Dispatch routes the submission by its flag. Red submissions are never
// dispatched; callers block them before reaching here.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *model.Submission) error {
	switch sub.Flag {
	case model.FlagGreen:
		return d.dispatchGreen(ctx, sub)
	case model.FlagYellow:
		return d.dispatchYellow(ctx, sub)
	default:
		return resilience.NewPermanent(
			eris.Errorf("dispatch: flag %q is not routable", sub.Flag), 0)
	}
}

// dispatchGreen delivers to the CRM and the provisioning service
// concurrently. Both must succeed; a failure of either fails the dispatch
// so the work item retries (the CRM create is idempotent on submission
// ID downstream).
func (d *Dispatcher) dispatchGreen(ctx context.Context, sub *model.Submission) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.createLead(ctx, sub)
	})
	g.Go(func() error {
		return d.provision(ctx, sub)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	zap.L().Info("dispatch: green submission delivered",
		zap.String("submission_id", sub.ID),
		zap.String("form_id", sub.FormID),
	)
	return nil
}

func (d *Dispatcher) dispatchYellow(ctx context.Context, sub *model.Submission) error {
	if err := d.createLead(ctx, sub); err != nil {
		return err
	}
	zap.L().Info("dispatch: yellow submission delivered for review",
		zap.String("submission_id", sub.ID),
		zap.String("form_id", sub.FormID),
	)
	return nil
}

func (d *Dispatcher) createLead(ctx context.Context, sub *model.Submission) error {
	lead := &eloqua.Lead{
		FormID:     sub.FormID,
		Submission: sub.ID,
		Email:      sub.Email(),
		Fields:     sub.Values,
		Flag:       string(sub.Flag),
	}
	if sub.Enrichment != nil {
		lead.SpamScore = sub.Enrichment.SpamScore
	}

	// Classify inside the breaker so only transient failures trip it.
	return d.breakers.Get("eloqua").Execute(ctx, func(ctx context.Context) error {
		return classifyAPIError(d.crm.CreateLead(ctx, lead), "eloqua")
	})
}

func (d *Dispatcher) provision(ctx context.Context, sub *model.Submission) error {
	req := &builder.ProvisionRequest{
		SubmissionID: sub.ID,
		FormID:       sub.FormID,
		Email:        sub.Email(),
		Fields:       sub.Values,
	}
	if sub.Enrichment != nil && sub.Enrichment.Company != nil {
		req.Company = sub.Enrichment.Company.Name
	}

	return d.breakers.Get("builder").Execute(ctx, func(ctx context.Context) error {
		return classifyAPIError(d.prov.Provision(ctx, req), "builder")
	})
}

// classifyAPIError tags downstream errors for the retry policy: HTTP
// statuses map by IsTransientHTTPStatus, transport errors stay transient,
// and anything already classified passes through.
func classifyAPIError(err error, service string) error {
	if err == nil {
		return nil
	}

	var transient *resilience.TransientError
	var permanent *resilience.PermanentError
	if errors.As(err, &transient) || errors.As(err, &permanent) {
		return err
	}

	status := 0
	var eloquaErr *eloqua.APIError
	var builderErr *builder.APIError
	switch {
	case errors.As(err, &eloquaErr):
		status = eloquaErr.StatusCode
	case errors.As(err, &builderErr):
		status = builderErr.StatusCode
	default:
		// Transport-level failure: worth retrying.
		return resilience.NewTransient(eris.Wrapf(err, "dispatch: %s", service), 0)
	}

	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransient(eris.Wrapf(err, "dispatch: %s", service), status)
	}
	return resilience.NewPermanent(eris.Wrapf(err, "dispatch: %s", service), status)
}
