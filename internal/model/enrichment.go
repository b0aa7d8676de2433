package model

import "time"

// CompanyAttributes holds the company data returned by an enrichment
// provider.
type CompanyAttributes struct {
	Name          string `json:"name,omitempty"`
	Domain        string `json:"domain,omitempty"`
	Industry      string `json:"industry,omitempty"`
	EmployeeCount int    `json:"employee_count,omitempty"`
	Country       string `json:"country,omitempty"`
	FoundedYear   int    `json:"founded_year,omitempty"`
}

// EnrichmentResult is the outcome of the provider waterfall for one
// submission.
//
// Available distinguishes "we don't know" (every provider errored or timed
// out) from "we checked and there is no match" (Available true, Matched
// false).
type EnrichmentResult struct {
	// Provider is the name of the provider that produced the result, or ""
	// when no provider answered.
	Provider  string             `json:"provider,omitempty"`
	Available bool               `json:"available"`
	Matched   bool               `json:"matched"`
	Company   *CompanyAttributes `json:"company,omitempty"`
	SpamScore float64            `json:"spam_score"`
	LookedUp  time.Time          `json:"looked_up"`
}

// Unavailable returns the explicit marker recorded when every provider
// failed.
func Unavailable() *EnrichmentResult {
	return &EnrichmentResult{Available: false}
}
