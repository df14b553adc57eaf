package domain

import "time"

// ListDeadLetterParams contains parameters for listing dead letter jobs
// with filtering and pagination.
type ListDeadLetterParams struct {
	Kind          *JobKind
	DiscardedOnly bool

	Limit  int
	Offset int
}

// PagedResult contains dead letter jobs matching ListDeadLetterParams.
type PagedResult struct {
	Items      []*DeadLetterJob
	TotalCount int
	HasMore    bool
}

// JobError is the nullable last-error payload attached to a job.
type JobError struct {
	Code      string
	Message   string
	Retryable bool
}

// ProgressSnapshot is the bounded map of last progress step/message/timestamp
// recorded against a job.
type ProgressSnapshot struct {
	Percent   int
	Step      string
	Message   string
	UpdatedAt time.Time
}
