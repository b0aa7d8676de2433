// Package security implements the pre-validation security check stage.
// Checks run in a fixed order and the stage short-circuits on the first
// failure; an errored check is mapped to pass or fail by the form's
// fail-open/fail-closed policy.
package security

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
)

// Check is a single security check. Implementations return an errored
// outcome for infrastructure failures and never decide the fail-open /
// fail-closed disposition themselves.
type Check interface {
	// Name is the outcome key suffix; outcomes record under
	// "security.<name>".
	Name() string
	// Policy extracts this check's policy from the form definition.
	Policy(def *formdef.FormDefinition) formdef.CheckPolicy
	// Run executes the check against the submission.
	Run(ctx context.Context, sub *model.Submission, def *formdef.FormDefinition) model.CheckOutcome
}

// StageResult is the outcome of running the security stage.
type StageResult struct {
	// Blocked is true when a check failed, or errored under fail-closed.
	Blocked bool
	// BlockedBy is the name of the blocking check.
	BlockedBy string
	// Reason is the blocking outcome's reason code.
	Reason string
}

// Stage runs security checks in their fixed order. The order is part of
// the contract: turnstile, rate limit, geolocation, email domain, phone.
type Stage struct {
	checks []Check
}

// NewStage assembles the stage with the standard check order.
func NewStage(turnstile Check, rateLimit Check, geo Check, emailDomain Check, phone Check) *Stage {
	return &Stage{checks: []Check{turnstile, rateLimit, geo, emailDomain, phone}}
}

// Run executes the enabled checks in order, recording one outcome per
// executed or skipped check, and stops at the first block. Checks after a
// block are not executed and leave no outcome.
func (s *Stage) Run(ctx context.Context, sub *model.Submission, def *formdef.FormDefinition) StageResult {
	for _, check := range s.checks {
		key := "security." + check.Name()
		policy := check.Policy(def)

		if !policy.Enabled {
			sub.Context.RecordOutcome(key, model.Skipped())
			continue
		}

		outcome := check.Run(ctx, sub, def)

		if outcome.Status == model.OutcomeErrored {
			outcome = outcome.WithDetail("on_error", string(policy.OnError))
			zap.L().Warn("security: check errored",
				zap.String("submission_id", sub.ID),
				zap.String("check", check.Name()),
				zap.String("reason", outcome.Reason),
				zap.String("on_error", string(policy.OnError)),
			)
		}
		sub.Context.RecordOutcome(key, outcome)

		if blocks(outcome, policy.OnError) {
			zap.L().Info("security: submission blocked",
				zap.String("submission_id", sub.ID),
				zap.String("form_id", sub.FormID),
				zap.String("check", check.Name()),
				zap.String("reason", outcome.Reason),
			)
			return StageResult{Blocked: true, BlockedBy: check.Name(), Reason: outcome.Reason}
		}
	}
	return StageResult{}
}

func blocks(outcome model.CheckOutcome, onError formdef.ErrorMode) bool {
	switch outcome.Status {
	case model.OutcomeFailed:
		return true
	case model.OutcomeErrored:
		return onError == formdef.FailClosed
	default:
		return false
	}
}
