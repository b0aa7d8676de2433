// Package validation implements the business validation stage: per-field
// rule evaluation declared by the form definition.
package validation

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
)

// phonePattern accepts E.164-style numbers with optional separators.
var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 .()-]{5,18}[0-9]$`)

// StageResult is the outcome of validating one submission.
type StageResult struct {
	// Blocked is true when any declared field failed validation.
	Blocked bool
	// Failures lists the field IDs that failed, in declaration order.
	Failures []string
}

// Stage validates submissions against their form definition.
type Stage struct{}

// NewStage creates a validation stage.
func NewStage() *Stage {
	return &Stage{}
}

// Run evaluates every declared field against the submitted values. All
// fields are validated — no short-circuit — so the submitter sees every
// error at once. Unknown submitted fields are ignored for validation but
// remain part of the stored submission. One CheckOutcome per field is
// recorded under "validation.<fieldID>".
func (s *Stage) Run(sub *model.Submission, def *formdef.FormDefinition) StageResult {
	result := StageResult{}

	for i := range def.Fields {
		field := &def.Fields[i]
		outcome := validateField(field, sub.Values[field.ID])
		sub.Context.RecordOutcome("validation."+field.ID, outcome)
		if outcome.Status == model.OutcomeFailed {
			result.Blocked = true
			result.Failures = append(result.Failures, field.ID)
		}
	}

	if result.Blocked {
		zap.L().Info("validation: submission blocked",
			zap.String("submission_id", sub.ID),
			zap.String("form_id", sub.FormID),
			zap.Strings("failed_fields", result.Failures),
		)
	}
	return result
}

func validateField(field *formdef.FieldSpec, raw string) model.CheckOutcome {
	value := strings.TrimSpace(raw)

	if value == "" {
		if field.Required {
			return model.Failed("required")
		}
		return model.Passed()
	}

	if field.MinLength > 0 && utf8.RuneCountInString(value) < field.MinLength {
		return model.Failed("too_short").WithDetail("min_length", field.MinLength)
	}
	if field.MaxLength > 0 && utf8.RuneCountInString(value) > field.MaxLength {
		return model.Failed("too_long").WithDetail("max_length", field.MaxLength)
	}

	if re := field.PatternRegexp(); re != nil && !re.MatchString(value) {
		return model.Failed("pattern_mismatch")
	}

	switch field.Type {
	case formdef.FieldEmail:
		if !validEmail(value) {
			return model.Failed("invalid_email")
		}
	case formdef.FieldPhone:
		if !phonePattern.MatchString(value) {
			return model.Failed("invalid_phone")
		}
	case formdef.FieldURL:
		if !validURL(value) {
			return model.Failed("invalid_url")
		}
	case formdef.FieldSelect:
		if len(field.Options) > 0 && !containsOption(field.Options, value) {
			return model.Failed("invalid_option")
		}
	}

	return model.Passed()
}

func validEmail(value string) bool {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return false
	}
	// mail.ParseAddress accepts display names and local-only addresses;
	// submissions must be a bare address with a domain.
	if addr.Address != value {
		return false
	}
	at := strings.LastIndex(value, "@")
	return at > 0 && strings.Contains(value[at+1:], ".")
}

func validURL(value string) bool {
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func containsOption(options []string, value string) bool {
	for _, opt := range options {
		if opt == value {
			return true
		}
	}
	return false
}
