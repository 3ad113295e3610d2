package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/storage"
)

// Logger defines the logging interface for the automation services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// AutomationService is the engine's front door: definition management with
// save-time validation, trigger dispatch, and the administrative control
// surface over executions. Job delivery runs through the owned WorkerPool.
type AutomationService struct {
	store   storage.Store
	logger  Logger
	collabs Collaborators
	wp      *WorkerPool
}

func NewAutomationService(ctx context.Context, store storage.Store, collabs Collaborators, logger Logger) *AutomationService {
	s := &AutomationService{
		store:   store,
		logger:  logger,
		collabs: collabs,
	}
	wp := NewWorkerPool(ctx, store, logger)
	wp.Register(models.RunJobKind, s.handleRunJob)
	wp.Register(models.ResumeJobKind, s.handleResumeJob)
	s.wp = wp
	return s
}

// StartWorkers launches the polling worker pool. workers <= 0 picks a
// default based on CPU count.
func (s *AutomationService) StartWorkers(workers int) {
	s.wp.Start(workers)
}

// StopWorkers drains in-flight ticks and stops the pool.
func (s *AutomationService) StopWorkers() {
	s.wp.Stop()
}

// WorkerPool exposes the pool for tuning (poll interval) before start.
func (s *AutomationService) WorkerPool() *WorkerPool {
	return s.wp
}

// CreateWorkflow validates and persists a definition with its steps.
// Configuration errors are rejected here so they can never surface as
// runtime execution failures.
func (s *AutomationService) CreateWorkflow(wf models.WorkflowDefinition) (id int64, err error) {
	if err := ValidateDefinition(wf); err != nil {
		return 0, err
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	now := time.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	id, err = txStore.SaveWorkflow(wf)
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Created workflow '%s' (trigger %s, %d steps) with ID %d", wf.Name, wf.TriggerKind, len(wf.Steps), id)
	return id, nil
}

func (s *AutomationService) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	return s.store.GetWorkflow(id)
}

func (s *AutomationService) ListWorkflows(tenantID string) ([]models.WorkflowDefinition, error) {
	return s.store.ListWorkflows(tenantID)
}

// SetWorkflowActive soft-enables or soft-disables a definition. Definitions
// are never hard-deleted while executions reference them.
func (s *AutomationService) SetWorkflowActive(id int64, active bool) error {
	if err := s.store.SetWorkflowActive(id, active); err != nil {
		return err
	}
	s.logger.Infof("Workflow %d active=%v", id, active)
	return nil
}

// GetExecution returns the execution row for status inspection.
func (s *AutomationService) GetExecution(id string) (models.WorkflowExecution, error) {
	return s.store.GetExecution(id)
}

func (s *AutomationService) ListExecutions(workflowID int64) ([]models.WorkflowExecution, error) {
	return s.store.ListExecutions(workflowID)
}

func (s *AutomationService) GetExecutionLog(executionID string) ([]models.ExecutionLogEntry, error) {
	if _, err := s.store.GetExecution(executionID); err != nil {
		return nil, err
	}
	return s.store.GetExecutionLogs(executionID)
}

// CancelExecution flips a running or waiting execution to cancelled. The
// interpreter observes cancellation at the next step boundary; an already
// dispatched side effect is not retracted. Terminal executions are refused.
func (s *AutomationService) CancelExecution(id string) error {
	exec, err := s.store.GetExecution(id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return errors.Errorf("execution %s is already %s", id, exec.Status)
	}
	exec.Status = models.CancelledExecutionStatus
	exec.ResumeAt = nil
	if err := s.store.UpdateExecution(exec); err != nil {
		return err
	}
	s.logger.Infof("Cancelled execution %s", id)
	return nil
}

// ValidateDefinition checks a definition against the closed trigger and step
// sets, decodes every per-kind config, and verifies the branch graph:
// contiguous unique positions and branch targets inside the same workflow.
func ValidateDefinition(wf models.WorkflowDefinition) error {
	if strings.TrimSpace(wf.Name) == "" {
		return errors.New("workflow name cannot be empty")
	}
	if len(wf.Name) > 100 {
		return errors.New("workflow name too long (max 100 characters)")
	}
	if wf.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if !models.ValidTriggerKind(wf.TriggerKind) {
		return errors.Errorf("unknown trigger kind %q", wf.TriggerKind)
	}
	if len(wf.TriggerConfig) > 0 {
		var pred models.TriggerPredicate
		if err := json.Unmarshal(wf.TriggerConfig, &pred); err != nil {
			return errors.Wrap(err, "malformed trigger config")
		}
		if pred.Field != "" && !ValidOperator(pred.Operator) {
			return errors.Errorf("trigger config: unknown operator %q", pred.Operator)
		}
	}
	if len(wf.Steps) == 0 {
		return errors.New("workflow needs at least one step")
	}

	seen := make(map[int]bool, len(wf.Steps))
	for _, st := range wf.Steps {
		if st.Position < 0 || st.Position >= len(wf.Steps) {
			return errors.Errorf("step %q: position %d out of range", st.Name, st.Position)
		}
		if seen[st.Position] {
			return errors.Errorf("duplicate step position %d", st.Position)
		}
		seen[st.Position] = true
		if err := validateStep(st, len(wf.Steps)); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(st models.WorkflowStep, stepCount int) error {
	if strings.TrimSpace(st.Name) == "" {
		return errors.Errorf("step at position %d has no name", st.Position)
	}
	if !models.ValidStepKind(st.Kind) {
		return errors.Errorf("step %q: unknown kind %q", st.Name, st.Kind)
	}
	if st.Kind != models.BranchStep && (st.TruePosition != nil || st.FalsePosition != nil || st.TrueStepID != nil || st.FalseStepID != nil) {
		return errors.Errorf("step %q: branch targets only allowed on %s steps", st.Name, models.BranchStep)
	}

	switch st.Kind {
	case models.SendMessageStep:
		var cfg models.SendMessageConfig
		if err := st.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.Template == "" {
			return errors.Errorf("step %q: send_message needs a template", st.Name)
		}
	case models.WaitStep:
		var cfg models.WaitConfig
		if err := st.DecodeConfig(&cfg); err != nil {
			return err
		}
		if _, ok := cfg.WaitDuration(); !ok {
			return errors.Errorf("step %q: wait needs a positive duration and a unit of minutes, hours, days or weeks", st.Name)
		}
	case models.BranchStep:
		var cfg models.BranchConfig
		if err := st.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.Field == "" {
			return errors.Errorf("step %q: branch needs a field", st.Name)
		}
		if !ValidOperator(cfg.Operator) {
			return errors.Errorf("step %q: unknown operator %q", st.Name, cfg.Operator)
		}
		for _, target := range []*int{st.TruePosition, st.FalsePosition} {
			if target != nil && (*target < 0 || *target >= stepCount) {
				return errors.Errorf("step %q: branch target position %d outside workflow", st.Name, *target)
			}
		}
	case models.CreateTaskStep:
		var cfg models.CreateTaskConfig
		if err := st.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.Title == "" {
			return errors.Errorf("step %q: create_task needs a title", st.Name)
		}
	case models.MutateRecordStep:
		var cfg models.MutateRecordConfig
		if err := st.DecodeConfig(&cfg); err != nil {
			return err
		}
		if len(cfg.Patch) == 0 {
			return errors.Errorf("step %q: mutate_record needs a non-empty patch", st.Name)
		}
	case models.CreateNotificationStep:
		var cfg models.CreateNotificationConfig
		if err := st.DecodeConfig(&cfg); err != nil {
			return err
		}
		if cfg.Title == "" {
			return errors.Errorf("step %q: create_notification needs a title", st.Name)
		}
	case models.CallWebhookStep:
		var cfg models.CallWebhookConfig
		if err := st.DecodeConfig(&cfg); err != nil {
			return err
		}
		if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
			return errors.Errorf("step %q: call_webhook needs an http(s) url", st.Name)
		}
	default:
		return fmt.Errorf("step %q: unhandled kind %q", st.Name, st.Kind)
	}
	return nil
}
