package models

import (
	"encoding/json"
	"time"
)

type ExecutionStatus string

const (
	RunningExecutionStatus   ExecutionStatus = "running"
	WaitingExecutionStatus   ExecutionStatus = "waiting"
	CompletedExecutionStatus ExecutionStatus = "completed"
	FailedExecutionStatus    ExecutionStatus = "failed"
	CancelledExecutionStatus ExecutionStatus = "cancelled"
)

// Terminal reports whether s is a final status. Terminal executions are
// immutable: no status change, no context mutation, no new log entries.
func (s ExecutionStatus) Terminal() bool {
	return s == CompletedExecutionStatus || s == FailedExecutionStatus || s == CancelledExecutionStatus
}

// SubjectRef identifies the domain entity a workflow execution concerns.
type SubjectRef struct {
	Kind string `json:"kind" db:"subject_kind"` // e.g. "client", "vendor", "booking"
	ID   string `json:"id" db:"subject_id"`
}

// ExecutionContext is the open key/value bag accumulated while a workflow
// runs. The triggering payload is copied in at creation.
type ExecutionContext map[string]any

// WorkflowExecution is a single run of a workflow against one subject.
// Mutated exclusively by the interpreter under the claim on its driving job.
// StepsSnapshot is a frozen copy of the workflow's steps taken at creation,
// so definition edits never affect in-flight executions.
type WorkflowExecution struct {
	ID              string          `json:"id" db:"id"` // UUID
	WorkflowID      int64           `json:"workflow_id" db:"workflow_id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	TriggerKind     TriggerKind     `json:"trigger_kind" db:"trigger_kind"`
	TriggerPayload  json.RawMessage `json:"trigger_payload" db:"trigger_payload"` // Immutable snapshot
	SubjectKind     string          `json:"subject_kind" db:"subject_kind"`
	SubjectID       string          `json:"subject_id" db:"subject_id"`
	Status          ExecutionStatus `json:"status" db:"status"`
	CurrentStepID   *int64          `json:"current_step_id,omitempty" db:"current_step_id"`
	CurrentPosition int             `json:"current_position" db:"current_position"`
	ResumeAt        *time.Time      `json:"resume_at,omitempty" db:"resume_at"` // Meaningful only while waiting
	Context         json.RawMessage `json:"context" db:"context"`
	StepsSnapshot   json.RawMessage `json:"-" db:"steps_snapshot"`
	ErrorMsg        string          `json:"error,omitempty" db:"error_msg"`
	DedupKey        *string         `json:"-" db:"dedup_key"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Subject returns the execution's subject reference.
func (e WorkflowExecution) Subject() SubjectRef {
	return SubjectRef{Kind: e.SubjectKind, ID: e.SubjectID}
}

// DecodeContext unmarshals the context bag, returning an empty bag for an
// execution that has none yet.
func (e WorkflowExecution) DecodeContext() (ExecutionContext, error) {
	bag := ExecutionContext{}
	if len(e.Context) == 0 {
		return bag, nil
	}
	if err := json.Unmarshal(e.Context, &bag); err != nil {
		return nil, err
	}
	return bag, nil
}

// DecodeSteps unmarshals the frozen step list.
func (e WorkflowExecution) DecodeSteps() ([]WorkflowStep, error) {
	var steps []WorkflowStep
	if len(e.StepsSnapshot) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(e.StepsSnapshot, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}
