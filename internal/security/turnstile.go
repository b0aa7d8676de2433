package security

import (
	"context"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/pkg/turnstile"
)

// TokenField is the submitted field carrying the Turnstile client token.
const TokenField = "cf-turnstile-response"

// TurnstileCheck verifies the anti-bot challenge token.
type TurnstileCheck struct {
	client turnstile.Client
}

// NewTurnstileCheck creates the turnstile check.
func NewTurnstileCheck(client turnstile.Client) *TurnstileCheck {
	return &TurnstileCheck{client: client}
}

func (c *TurnstileCheck) Name() string { return "turnstile" }

func (c *TurnstileCheck) Policy(def *formdef.FormDefinition) formdef.CheckPolicy {
	return def.Security.Turnstile
}

func (c *TurnstileCheck) Run(ctx context.Context, sub *model.Submission, _ *formdef.FormDefinition) model.CheckOutcome {
	token := sub.Values[TokenField]
	if token == "" {
		return model.Failed("missing_token")
	}

	res, err := c.client.Verify(ctx, token, sub.RemoteIP)
	if err != nil {
		return model.Errored("verify_unreachable")
	}
	if !res.Success {
		out := model.Failed("token_rejected")
		if len(res.ErrorCodes) > 0 {
			out = out.WithDetail("codes", res.ErrorCodes)
		}
		return out
	}
	return model.Passed()
}
