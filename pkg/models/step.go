package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepKind identifies one unit of work inside a workflow.
type StepKind string

const (
	SendMessageStep        StepKind = "send_message"
	WaitStep               StepKind = "wait"
	BranchStep             StepKind = "branch_on_condition"
	CreateTaskStep         StepKind = "create_task"
	MutateRecordStep       StepKind = "mutate_record"
	CreateNotificationStep StepKind = "create_notification"
	CallWebhookStep        StepKind = "call_webhook"
)

// ValidStepKind reports whether k belongs to the closed step set.
func ValidStepKind(k StepKind) bool {
	switch k {
	case SendMessageStep, WaitStep, BranchStep, CreateTaskStep,
		MutateRecordStep, CreateNotificationStep, CallWebhookStep:
		return true
	}
	return false
}

// WorkflowStep is one step of a workflow definition. Position is unique per
// workflow and defines the default "next" ordering; branch steps override it
// with explicit true/false targets (nil target terminates that path).
type WorkflowStep struct {
	ID          int64           `json:"id" db:"id"`
	WorkflowID  int64           `json:"workflow_id" db:"workflow_id"` // Foreign key to WorkflowDefinition
	Name        string          `json:"name" db:"name"`
	Kind        StepKind        `json:"kind" db:"kind"`
	Position    int             `json:"position" db:"position"`
	Config      json.RawMessage `json:"config" db:"config"`                         // Kind-specific, decoded on demand
	TrueStepID  *int64          `json:"true_step_id,omitempty" db:"true_step_id"`   // Branch target when condition holds
	FalseStepID *int64          `json:"false_step_id,omitempty" db:"false_step_id"` // Branch target otherwise

	// Branch targets by position, used when submitting a definition before
	// step ids exist. Resolved to real ids at save time.
	TruePosition  *int `json:"true_position,omitempty" db:"-"`
	FalsePosition *int `json:"false_position,omitempty" db:"-"`
}

// Per-kind step configurations. The interpreter decodes Config into exactly
// one of these based on Kind.

type SendMessageConfig struct {
	Channel  string `json:"channel"`  // e.g. "email", "sms"
	Template string `json:"template"` // message template name or body
	Subject  string `json:"subject,omitempty"`
}

type WaitConfig struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"` // minutes, hours, days, weeks
}

type BranchConfig struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // equals, not_equals, contains, gt, lt, exists
	Value    string `json:"value"`
}

type CreateTaskConfig struct {
	Title    string `json:"title"`
	Assignee string `json:"assignee,omitempty"`
	DueIn    string `json:"due_in,omitempty"`
}

type MutateRecordConfig struct {
	Patch map[string]any `json:"patch"`
}

type CreateNotificationConfig struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type CallWebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// DecodeConfig unmarshals the step's raw config into v.
func (s WorkflowStep) DecodeConfig(v any) error {
	if len(s.Config) == 0 {
		return fmt.Errorf("step %d (%s) has no config", s.ID, s.Kind)
	}
	if err := json.Unmarshal(s.Config, v); err != nil {
		return fmt.Errorf("decode %s config for step %d: %w", s.Kind, s.ID, err)
	}
	return nil
}

// WaitDuration converts a decoded WaitConfig into a concrete duration.
func (c WaitConfig) WaitDuration() (time.Duration, bool) {
	if c.Duration <= 0 {
		return 0, false
	}
	switch c.Unit {
	case "minutes":
		return time.Duration(c.Duration) * time.Minute, true
	case "hours":
		return time.Duration(c.Duration) * time.Hour, true
	case "days":
		return time.Duration(c.Duration) * 24 * time.Hour, true
	case "weeks":
		return time.Duration(c.Duration) * 7 * 24 * time.Hour, true
	}
	return 0, false
}
