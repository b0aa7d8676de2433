package enrich

import "github.com/sells-group/intake-pipeline/internal/model"

// Spam score weights. The score is a deterministic function of recorded
// signals; re-running it for the same submission always yields the same
// value.
const (
	weightFreeDomain  = 0.30
	weightUnavailable = 0.20
	weightNoMatch     = 0.40
	weightNearLimit   = 0.20
)

// SpamScore computes a heuristic spam likelihood in [0, 1] from the
// processing context and the enrichment result.
func SpamScore(pctx *model.ProcessingContext, result *model.EnrichmentResult) float64 {
	score := 0.0

	if free, _ := pctx.Signal("security.emaildomain.free_domain"); free == true {
		score += weightFreeDomain
	}

	if !result.Available {
		score += weightUnavailable
	} else if !result.Matched {
		score += weightNoMatch
	}

	if nearRateLimit(pctx) {
		score += weightNearLimit
	}

	if score > 1 {
		score = 1
	}
	return score
}

// nearRateLimit reports whether the identity used 80% or more of its
// submission budget in the current window.
func nearRateLimit(pctx *model.ProcessingContext) bool {
	limitSig, ok := pctx.Signal("security.ratelimit.limit")
	if !ok {
		return false
	}
	remainingSig, ok := pctx.Signal("security.ratelimit.remaining")
	if !ok {
		return false
	}
	limit, ok1 := toInt(limitSig)
	remaining, ok2 := toInt(remainingSig)
	if !ok1 || !ok2 || limit <= 0 {
		return false
	}
	used := limit - remaining
	return float64(used) >= 0.8*float64(limit)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
