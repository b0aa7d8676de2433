package model

import "time"

// WorkItem is the queued unit of async work for one submission. Delivery is
// at-least-once; consumers must tolerate redelivery of the same item.
type WorkItem struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	DedupKey     string    `json:"dedup_key"`
	Attempts     int       `json:"attempts"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	// VisibleAt is the earliest time the item may be delivered (again).
	VisibleAt time.Time `json:"visible_at"`
}

// DeadLetter is the terminal record for a work item that exhausted its retry
// budget or hit a permanent downstream error. Requires manual intervention.
type DeadLetter struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	DedupKey     string    `json:"dedup_key"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	Attempts     int       `json:"attempts"`
	FirstFailed  time.Time `json:"first_failed"`
	LastFailed   time.Time `json:"last_failed"`
}
