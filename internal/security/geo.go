package security

import (
	"context"
	"strings"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/pkg/ipapi"
)

// GeoCheck resolves the submitter's IP and enforces the country
// allow-list. The resolved country is recorded as a signal even when the
// check passes, so later stages can use it.
type GeoCheck struct {
	client ipapi.Client
}

// NewGeoCheck creates the geolocation check.
func NewGeoCheck(client ipapi.Client) *GeoCheck {
	return &GeoCheck{client: client}
}

func (c *GeoCheck) Name() string { return "geo" }

func (c *GeoCheck) Policy(def *formdef.FormDefinition) formdef.CheckPolicy {
	return def.Security.Geo.CheckPolicy
}

func (c *GeoCheck) Run(ctx context.Context, sub *model.Submission, def *formdef.FormDefinition) model.CheckOutcome {
	if sub.RemoteIP == "" {
		return model.Errored("no_remote_ip")
	}

	loc, err := c.client.Lookup(ctx, sub.RemoteIP)
	if err != nil {
		return model.Errored("lookup_unreachable")
	}
	if loc.CountryCode == "" {
		return model.Errored("unresolvable_ip")
	}

	country := strings.ToUpper(loc.CountryCode)
	allowed := def.Security.Geo.AllowedCountries
	if len(allowed) > 0 && !containsCountry(allowed, country) {
		return model.Failed("country_not_allowed").WithDetail("country", country)
	}
	return model.Passed().WithDetail("country", country)
}

func containsCountry(allowed []string, country string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, country) {
			return true
		}
	}
	return false
}
