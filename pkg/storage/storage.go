package storage

import (
	"time"

	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when an update targets an execution that already
// reached a terminal status.
var ErrTerminal = errors.New("execution is terminal")

// Store defines the persistence operations for the automation engine.
// Begin returns a transactional view; all writes inside one interpreter
// transition go through a single transaction.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow definition operations
	SaveWorkflow(w models.WorkflowDefinition) (int64, error)
	GetWorkflow(id int64) (models.WorkflowDefinition, error)
	ListWorkflows(tenantID string) ([]models.WorkflowDefinition, error)
	ListActiveWorkflows(tenantID string, kind models.TriggerKind) ([]models.WorkflowDefinition, error)
	SetWorkflowActive(id int64, active bool) error

	// Execution operations
	SaveExecution(e models.WorkflowExecution) error
	GetExecution(id string) (models.WorkflowExecution, error)
	GetExecutionByDedupKey(key string) (models.WorkflowExecution, error)
	UpdateExecution(e models.WorkflowExecution) error
	ListExecutions(workflowID int64) ([]models.WorkflowExecution, error)

	// Execution log operations (append-only)
	AppendExecutionLog(entry models.ExecutionLogEntry) error
	GetExecutionLogs(executionID string) ([]models.ExecutionLogEntry, error)

	// Job operations
	EnqueueJob(j models.Job) error
	GetJob(id string) (models.Job, error)
	ListJobs(kind string) ([]models.Job, error)
	ClaimDueJobs(kind string, limit int) ([]models.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	ReapStaleJobs(olderThan time.Duration) (int, error)
}
