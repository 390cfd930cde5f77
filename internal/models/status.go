package models

import "time"

// JobStatusKind identifies an intermediate progress event of a forecast job.
type JobStatusKind string

const (
	StatusJobStarted     JobStatusKind = "job_started"
	StatusStageStarted   JobStatusKind = "stage_started"
	StatusStageCompleted JobStatusKind = "stage_completed"
	StatusModelCompleted JobStatusKind = "model_completed"
	StatusJobCompleted   JobStatusKind = "job_completed"
)

// JobStatus is an observability-only progress notification. Consumers must not
// depend on it for correctness.
type JobStatus struct {
	JobID   string        `json:"job_id"`
	Kind    JobStatusKind `json:"kind"`
	StageID string        `json:"stage_id,omitempty"`
	ModelID string        `json:"model_id,omitempty"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Time    time.Time     `json:"time"`
}
