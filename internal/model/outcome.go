package model

// OutcomeStatus is the tagged result of a single security check or
// validation rule.
type OutcomeStatus string

const (
	OutcomePassed  OutcomeStatus = "passed"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeErrored OutcomeStatus = "errored"
	// OutcomeSkipped records a check that was disabled by policy.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// CheckOutcome is the uniform result type for security checks and
// validation rules.
type CheckOutcome struct {
	Status OutcomeStatus  `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Passed returns a passing outcome.
func Passed() CheckOutcome {
	return CheckOutcome{Status: OutcomePassed}
}

// Failed returns a failing outcome with a reason code.
func Failed(reason string) CheckOutcome {
	return CheckOutcome{Status: OutcomeFailed, Reason: reason}
}

// Errored returns an outcome for an infrastructure error.
func Errored(reason string) CheckOutcome {
	return CheckOutcome{Status: OutcomeErrored, Reason: reason}
}

// Skipped returns an outcome for a check disabled by policy.
func Skipped() CheckOutcome {
	return CheckOutcome{Status: OutcomeSkipped, Reason: "not_applicable"}
}

// WithDetail attaches a structured detail entry to the outcome. Detail
// entries also surface as dotted signals in the processing context.
func (o CheckOutcome) WithDetail(key string, val any) CheckOutcome {
	if o.Detail == nil {
		o.Detail = make(map[string]any)
	}
	o.Detail[key] = val
	return o
}

// ProcessingContext accumulates named signals across a submission's
// lifecycle. It is append-only and never shared between submissions.
type ProcessingContext struct {
	// Outcomes holds one CheckOutcome per executed check or validated
	// field, keyed by signal name (e.g. "security.turnstile",
	// "validation.email").
	Outcomes map[string]CheckOutcome `json:"outcomes"`
	// Signals is the flat, typed view the classification engine reads.
	// Outcome statuses are mirrored here as strings; outcome details as
	// dotted keys (e.g. "security.geo.country").
	Signals map[string]any `json:"signals"`
}

// NewProcessingContext returns an empty context.
func NewProcessingContext() *ProcessingContext {
	return &ProcessingContext{
		Outcomes: make(map[string]CheckOutcome),
		Signals:  make(map[string]any),
	}
}

// RecordOutcome stores a check outcome under the given signal name and
// mirrors its status and details into the signal map.
func (p *ProcessingContext) RecordOutcome(name string, outcome CheckOutcome) {
	p.Outcomes[name] = outcome
	p.Signals[name] = string(outcome.Status)
	for k, v := range outcome.Detail {
		p.Signals[name+"."+k] = v
	}
}

// SetSignal records a bare signal value (used by the enrichment stage).
func (p *ProcessingContext) SetSignal(name string, val any) {
	p.Signals[name] = val
}

// Signal returns the signal value and whether it is present.
func (p *ProcessingContext) Signal(name string) (any, bool) {
	v, ok := p.Signals[name]
	return v, ok
}

// FailedOutcomes returns the signal names of all failed outcomes, in no
// particular order.
func (p *ProcessingContext) FailedOutcomes() []string {
	var failed []string
	for name, o := range p.Outcomes {
		if o.Status == OutcomeFailed {
			failed = append(failed, name)
		}
	}
	return failed
}
