package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	PendingJobStatus    JobStatus = "pending"
	InProgressJobStatus JobStatus = "in_progress"
	DoneJobStatus       JobStatus = "done"
	FailedJobStatus     JobStatus = "failed"
)

// Job kinds understood by the worker pool.
const (
	RunJobKind    = "run"    // drive a tick on a running execution
	ResumeJobKind = "resume" // wake a waiting execution whose resume time elapsed
)

// DefaultMaxAttempts bounds delivery retries for a job. Attempts cover
// infrastructure failures only; workflow-level failures terminate the
// execution and complete the job.
const DefaultMaxAttempts = 3

// Job is one durable unit of pending work. Rows are retained after
// completion for inspection.
type Job struct {
	ID           string          `json:"id" db:"id"` // UUID
	Kind         string          `json:"kind" db:"kind"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Status       JobStatus       `json:"status" db:"status"`
	ScheduledFor time.Time       `json:"scheduled_for" db:"scheduled_for"`
	Attempts     int             `json:"attempts" db:"attempts"`
	MaxAttempts  int             `json:"max_attempts" db:"max_attempts"`
	LastError    string          `json:"last_error,omitempty" db:"last_error"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"` // Set while in_progress
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// ExecutionJobPayload is the payload of run and resume jobs.
type ExecutionJobPayload struct {
	ExecutionID string `json:"execution_id"`
}

// DecodePayload unmarshals the job payload into v.
func (j Job) DecodePayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}
