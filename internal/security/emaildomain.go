package security

import (
	"context"
	"strings"

	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/model"
)

// EmailDomainCheck screens the submitted email's domain against the
// form's block list and the built-in disposable-domain list. Free-mail
// domains (gmail.com and friends) are never blocked here; they only set
// the free_domain signal for classification and spam scoring.
type EmailDomainCheck struct{}

// NewEmailDomainCheck creates the email domain check.
func NewEmailDomainCheck() *EmailDomainCheck {
	return &EmailDomainCheck{}
}

func (c *EmailDomainCheck) Name() string { return "emaildomain" }

func (c *EmailDomainCheck) Policy(def *formdef.FormDefinition) formdef.CheckPolicy {
	return def.Security.EmailDomain.CheckPolicy
}

func (c *EmailDomainCheck) Run(_ context.Context, sub *model.Submission, def *formdef.FormDefinition) model.CheckOutcome {
	domain := sub.EmailDomain()
	if domain == "" {
		// Forms without an email field have nothing to screen.
		return model.Passed()
	}

	for _, blocked := range def.Security.EmailDomain.BlockedDomains {
		if strings.EqualFold(blocked, domain) {
			return model.Failed("domain_blocked").WithDetail("domain", domain)
		}
	}

	if def.Security.EmailDomain.BlockDisposable && disposableDomains[domain] {
		return model.Failed("disposable_domain").WithDetail("domain", domain)
	}

	return model.Passed().
		WithDetail("domain", domain).
		WithDetail("free_domain", freeDomains[domain])
}
