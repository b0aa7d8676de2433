package security

import (
	"context"
	"regexp"
	"strings"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
)

// plausiblePhone is a looser screen than field validation: it only rejects
// values that cannot be a phone number at all.
var plausiblePhone = regexp.MustCompile(`^\+?[0-9 .()-]{7,20}$`)

// dialingPrefixes maps ISO country codes to their international dialing
// prefixes, for the optional geo cross-check. Countries sharing +1 with
// the US are collapsed into "1".
var dialingPrefixes = map[string][]string{
	"US": {"1"},
	"CA": {"1"},
	"GB": {"44"},
	"DE": {"49"},
	"FR": {"33"},
	"ES": {"34"},
	"IT": {"39"},
	"NL": {"31"},
	"AU": {"61"},
	"NZ": {"64"},
	"IE": {"353"},
	"MX": {"52"},
	"BR": {"55"},
	"IN": {"91"},
	"JP": {"81"},
	"SG": {"65"},
}

// PhoneCheck screens the submitted phone number for plausibility and,
// when the form asks for it, cross-checks the dialing prefix against the
// country resolved by the geolocation check.
type PhoneCheck struct{}

// NewPhoneCheck creates the phone check.
func NewPhoneCheck() *PhoneCheck {
	return &PhoneCheck{}
}

func (c *PhoneCheck) Name() string { return "phone" }

func (c *PhoneCheck) Policy(def *formdef.FormDefinition) formdef.CheckPolicy {
	return def.Security.Phone.CheckPolicy
}

func (c *PhoneCheck) Run(_ context.Context, sub *model.Submission, def *formdef.FormDefinition) model.CheckOutcome {
	phone := strings.TrimSpace(sub.Values["phone"])
	if phone == "" {
		// No phone submitted; field-level required rules handle absence.
		return model.Passed()
	}

	if !plausiblePhone.MatchString(phone) {
		return model.Failed("implausible_phone")
	}

	if def.Security.Phone.MatchGeoCountry {
		country, _ := sub.Context.Signal("security.geo.country")
		code, _ := country.(string)
		if code != "" && strings.HasPrefix(phone, "+") {
			prefixes, known := dialingPrefixes[code]
			if known && !prefixMatches(phone, prefixes) {
				return model.Failed("country_mismatch").WithDetail("country", code)
			}
		}
	}

	return model.Passed()
}

func prefixMatches(phone string, prefixes []string) bool {
	digits := strings.TrimPrefix(phone, "+")
	for _, p := range prefixes {
		if strings.HasPrefix(digits, p) {
			return true
		}
	}
	return false
}
