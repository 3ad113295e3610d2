package models

import (
	"encoding/json"
	"time"
)

type StepOutcome string

const (
	CompletedStepOutcome StepOutcome = "completed"
	FailedStepOutcome    StepOutcome = "failed"
	WaitingStepOutcome   StepOutcome = "waiting"
	SkippedStepOutcome   StepOutcome = "skipped"
)

// ExecutionLogEntry records one step attempt. The log is append-only.
type ExecutionLogEntry struct {
	ID          string          `json:"id" db:"id"` // UUID
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	StepID      int64           `json:"step_id" db:"step_id"`
	StepKind    StepKind        `json:"step_kind" db:"step_kind"`
	StepName    string          `json:"step_name" db:"step_name"`
	Outcome     StepOutcome     `json:"outcome" db:"outcome"`
	Message     string          `json:"message,omitempty" db:"message"`
	Input       json.RawMessage `json:"input,omitempty" db:"input"`
	Output      json.RawMessage `json:"output,omitempty" db:"output"`
	ErrorMsg    string          `json:"error,omitempty" db:"error_msg"`
	LoggedAt    time.Time       `json:"logged_at" db:"logged_at"`
}
