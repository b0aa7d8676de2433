package model

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SubmissionState represents the current state of a submission in the
// intake workflow.
type SubmissionState string

const (
	StateReceived     SubmissionState = "received"
	StateValidated    SubmissionState = "validated"
	StateQueued       SubmissionState = "queued"
	StateEnriching    SubmissionState = "enriching"
	StateClassified   SubmissionState = "classified"
	StateDispatched   SubmissionState = "dispatched"
	StateBlocked      SubmissionState = "blocked"
	StateDeadLettered SubmissionState = "dead_lettered"
)

// Terminal reports whether the state admits no further transitions.
func (s SubmissionState) Terminal() bool {
	switch s {
	case StateDispatched, StateBlocked, StateDeadLettered:
		return true
	default:
		return false
	}
}

// Submission is one user-provided form payload plus its accumulated
// processing signals.
type Submission struct {
	ID         string            `json:"id"`
	FormID     string            `json:"form_id"`
	Values     map[string]string `json:"values"`
	RemoteIP   string            `json:"remote_ip,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	DedupKey   string            `json:"dedup_key"`

	State         SubmissionState    `json:"state"`
	Flag          ClassificationFlag `json:"flag,omitempty"`
	BlockedReason string             `json:"blocked_reason,omitempty"`

	Context    *ProcessingContext `json:"context"`
	Enrichment *EnrichmentResult  `json:"enrichment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Email returns the submitted email value, lowercased, or "".
func (s *Submission) Email() string {
	return strings.ToLower(strings.TrimSpace(s.Values["email"]))
}

// EmailDomain returns the domain part of the submitted email, or "".
func (s *Submission) EmailDomain() string {
	email := s.Email()
	if idx := strings.LastIndex(email, "@"); idx > 0 && idx < len(email)-1 {
		return email[idx+1:]
	}
	return ""
}

// DeriveDedupKey computes a stable deduplication key from submission content.
// A client-supplied idempotency token wins; otherwise the key is SHA-256 over
// the form ID and the sorted field values.
func DeriveDedupKey(formID string, values map[string]string, idempotencyToken string) string {
	if tok := strings.TrimSpace(idempotencyToken); tok != "" {
		return tok
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(formID)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strings.ToLower(strings.TrimSpace(values[k])))
	}
	h := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", h)
}
