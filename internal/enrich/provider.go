// Package enrich runs the company enrichment waterfall: providers are
// tried sequentially until one matches, with per-provider timeouts.
package enrich

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/pkg/apollo"
	"github.com/sells-group/intake-pipeline/pkg/clearbit"
)

// Provider is one enrichment data source.
//
// Lookup returns (attrs, nil) on a match, (nil, nil) when the provider
// definitively knows there is no record for the domain, and (nil, err)
// for infrastructure failures. The distinction drives the Available flag
// on the final result.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, domain string) (*model.CompanyAttributes, error)
}

// ClearbitProvider adapts the Clearbit company API.
type ClearbitProvider struct {
	client clearbit.Client
}

// NewClearbitProvider wraps a Clearbit client as a waterfall provider.
func NewClearbitProvider(client clearbit.Client) *ClearbitProvider {
	return &ClearbitProvider{client: client}
}

func (p *ClearbitProvider) Name() string { return "clearbit" }

func (p *ClearbitProvider) Lookup(ctx context.Context, domain string) (*model.CompanyAttributes, error) {
	company, err := p.client.Find(ctx, domain)
	if err != nil {
		if errors.Is(err, clearbit.ErrNotFound) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "enrich: clearbit lookup")
	}
	return &model.CompanyAttributes{
		Name:          company.Name,
		Domain:        domain,
		Industry:      company.Category.Industry,
		EmployeeCount: company.Metrics.Employees,
		Country:       company.Geo.CountryCode,
		FoundedYear:   company.FoundedYear,
	}, nil
}

// ApolloProvider adapts the Apollo organization enrichment API.
type ApolloProvider struct {
	client apollo.Client
}

// NewApolloProvider wraps an Apollo client as a waterfall provider.
func NewApolloProvider(client apollo.Client) *ApolloProvider {
	return &ApolloProvider{client: client}
}

func (p *ApolloProvider) Name() string { return "apollo" }

func (p *ApolloProvider) Lookup(ctx context.Context, domain string) (*model.CompanyAttributes, error) {
	org, err := p.client.Enrich(ctx, domain)
	if err != nil {
		if errors.Is(err, apollo.ErrNotFound) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "enrich: apollo lookup")
	}
	return &model.CompanyAttributes{
		Name:          org.Name,
		Domain:        org.PrimaryDomain,
		Industry:      org.Industry,
		EmployeeCount: org.EstimatedNumEmployees,
		Country:       org.Country,
		FoundedYear:   org.FoundedYear,
	}, nil
}
