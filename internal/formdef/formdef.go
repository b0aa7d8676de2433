// Package formdef models per-form-type configuration: fields, validation
// rules, security policy, and classification rule sets. Definitions are
// immutable once loaded and owned by a process-wide registry.
package formdef

import (
	"regexp"
	"time"

	"github.com/sells-group/intake-pipeline/internal/classify"
)

// FieldType identifies the type-specific format check applied to a field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldEmail  FieldType = "email"
	FieldPhone  FieldType = "phone"
	FieldURL    FieldType = "url"
	FieldSelect FieldType = "select"
)

// FieldSpec declares one form field and its validation rules.
type FieldSpec struct {
	ID        string    `yaml:"id"`
	Label     string    `yaml:"label,omitempty"`
	Type      FieldType `yaml:"type"`
	Required  bool      `yaml:"required"`
	MinLength int       `yaml:"min_length,omitempty"`
	MaxLength int       `yaml:"max_length,omitempty"`
	Pattern   string    `yaml:"pattern,omitempty"`
	// Options restricts select fields to a fixed value set.
	Options []string `yaml:"options,omitempty"`

	compiled *regexp.Regexp
}

// PatternRegexp returns the compiled custom pattern, or nil when none is
// declared. Compilation happens once during structural validation.
func (f *FieldSpec) PatternRegexp() *regexp.Regexp {
	return f.compiled
}

// ErrorMode decides how an infrastructure error during a check is treated.
type ErrorMode string

const (
	// FailClosed treats an errored check as failed.
	FailClosed ErrorMode = "fail_closed"
	// FailOpen treats an errored check as passed.
	FailOpen ErrorMode = "fail_open"
)

// CheckPolicy is the common per-check security policy.
type CheckPolicy struct {
	Enabled bool      `yaml:"enabled"`
	OnError ErrorMode `yaml:"on_error,omitempty"`
}

// RateLimitPolicy configures the per-identity rate limit check.
type RateLimitPolicy struct {
	CheckPolicy `yaml:",inline"`
	Limit       int `yaml:"limit,omitempty"`
	WindowSecs  int `yaml:"window_secs,omitempty"`
}

// Window returns the configured window, or 0 when the global default
// applies.
func (p RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSecs) * time.Second
}

// GeoPolicy configures the geolocation allow-list check.
type GeoPolicy struct {
	CheckPolicy      `yaml:",inline"`
	AllowedCountries []string `yaml:"allowed_countries,omitempty"`
}

// EmailDomainPolicy configures the email domain check.
type EmailDomainPolicy struct {
	CheckPolicy    `yaml:",inline"`
	BlockedDomains []string `yaml:"blocked_domains,omitempty"`
	// BlockDisposable rejects known disposable-email domains.
	BlockDisposable bool `yaml:"block_disposable"`
}

// PhonePolicy configures the phone format/geo-match check.
type PhonePolicy struct {
	CheckPolicy `yaml:",inline"`
	// MatchGeoCountry requires the phone country prefix to match the
	// resolved geolocation country, when both are known.
	MatchGeoCountry bool `yaml:"match_geo_country"`
}

// SecurityPolicy declares which checks run for a form. Execution order is
// fixed: turnstile, rate limit, geolocation, email domain, phone.
type SecurityPolicy struct {
	Turnstile   CheckPolicy       `yaml:"turnstile"`
	RateLimit   RateLimitPolicy   `yaml:"rate_limit"`
	Geo         GeoPolicy         `yaml:"geo"`
	EmailDomain EmailDomainPolicy `yaml:"email_domain"`
	Phone       PhonePolicy       `yaml:"phone"`
}

// FormDefinition is the resolved, immutable configuration for one form type.
type FormDefinition struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name,omitempty"`
	Fields   []FieldSpec       `yaml:"fields"`
	Security SecurityPolicy    `yaml:"security"`
	Rules    classify.RuleSets `yaml:"classification"`
}

// Field returns the spec for a field ID, or nil when the form does not
// declare it.
func (d *FormDefinition) Field(id string) *FieldSpec {
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			return &d.Fields[i]
		}
	}
	return nil
}
