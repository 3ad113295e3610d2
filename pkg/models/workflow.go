package models

import (
	"encoding/json"
	"time"
)

// TriggerKind identifies the class of domain event that can start a workflow.
type TriggerKind string

const (
	StageChangeTrigger      TriggerKind = "stage_change"
	RecordCreatedTrigger    TriggerKind = "record_created"
	DateApproachingTrigger  TriggerKind = "date_approaching"
	PaymentOverdueTrigger   TriggerKind = "payment_overdue"
	ExternalResponseTrigger TriggerKind = "external_response"
	ScheduledTrigger        TriggerKind = "scheduled"
	ManualTrigger           TriggerKind = "manual"
)

// ValidTriggerKind reports whether k belongs to the closed trigger set.
func ValidTriggerKind(k TriggerKind) bool {
	switch k {
	case StageChangeTrigger, RecordCreatedTrigger, DateApproachingTrigger,
		PaymentOverdueTrigger, ExternalResponseTrigger, ScheduledTrigger, ManualTrigger:
		return true
	}
	return false
}

// WorkflowDefinition is a reusable automation recipe: a trigger plus an
// ordered list of steps. Definitions are soft-disabled via Active, never
// hard-deleted while executions reference them.
type WorkflowDefinition struct {
	ID            int64           `json:"id" db:"id"`                         // PostgreSQL auto-increment
	TenantID      string          `json:"tenant_id" db:"tenant_id"`           // Owning tenant
	Name          string          `json:"name" db:"name"`                     // Descriptive name (e.g., "LeadFollowUp")
	TriggerKind   TriggerKind     `json:"trigger_kind" db:"trigger_kind"`     // Event class that starts it
	TriggerConfig json.RawMessage `json:"trigger_config" db:"trigger_config"` // Kind-specific matching config
	Active        bool            `json:"active" db:"active"`                 // Soft-disable flag
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	Steps         []WorkflowStep  `json:"steps,omitempty"` // Populated at load time
}

// TriggerPredicate is the decoded form of WorkflowDefinition.TriggerConfig.
// An empty field matches every event of the trigger kind.
type TriggerPredicate struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
}
