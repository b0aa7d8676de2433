package security

import (
	"context"
	"time"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/ratelimit"
)

// RateLimitDefaults are the global limit and window applied when a form
// does not override them.
type RateLimitDefaults struct {
	Limit  int
	Window time.Duration
}

// RateLimitCheck enforces the per-identity submission rate limit. The
// identity is the submitted email when present, otherwise the remote IP.
type RateLimitCheck struct {
	store    ratelimit.CounterStore
	defaults RateLimitDefaults
}

// NewRateLimitCheck creates the rate limit check.
func NewRateLimitCheck(store ratelimit.CounterStore, defaults RateLimitDefaults) *RateLimitCheck {
	return &RateLimitCheck{store: store, defaults: defaults}
}

func (c *RateLimitCheck) Name() string { return "ratelimit" }

func (c *RateLimitCheck) Policy(def *formdef.FormDefinition) formdef.CheckPolicy {
	return def.Security.RateLimit.CheckPolicy
}

func (c *RateLimitCheck) Run(ctx context.Context, sub *model.Submission, def *formdef.FormDefinition) model.CheckOutcome {
	limit := def.Security.RateLimit.Limit
	if limit <= 0 {
		limit = c.defaults.Limit
	}
	window := def.Security.RateLimit.Window()
	if window <= 0 {
		window = c.defaults.Window
	}

	identity := sub.Email()
	if identity == "" {
		identity = sub.RemoteIP
	}
	if identity == "" {
		// Nothing to key the counter on.
		return model.Passed()
	}

	res, err := c.store.Allow(ctx, sub.FormID+":"+identity, limit, window)
	if err != nil {
		return model.Errored("counter_unavailable")
	}

	if !res.Allowed {
		return model.Failed("rate_limited").
			WithDetail("limit", res.Limit).
			WithDetail("remaining", 0)
	}
	return model.Passed().
		WithDetail("limit", res.Limit).
		WithDetail("remaining", res.Remaining)
}
