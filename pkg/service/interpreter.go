package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/storage"
)

// Tick drives an execution through its steps until a wait step suspends it,
// the step list is exhausted, a side effect fails, or the execution is
// cancelled. Every transition is persisted in one transaction together with
// its log entry, so a crash between steps leaves the execution resumable at
// the exact next step.
//
// The returned error is infrastructural only (row unreadable, transaction
// failure): the driving job should be retried. Workflow-level failures are
// persisted on the execution and return nil.
func (s *AutomationService) Tick(ctx context.Context, executionID string) error {
	for {
		// Fresh read each iteration so cancellation is observed at the next
		// step boundary.
		exec, err := s.store.GetExecution(executionID)
		if err != nil {
			return errors.Wrapf(err, "load execution %s", executionID)
		}
		if exec.Status != models.RunningExecutionStatus {
			s.logger.Infof("Execution %s is %s, nothing to tick", executionID, exec.Status)
			return nil
		}

		steps, err := exec.DecodeSteps()
		if err != nil {
			return s.failExecution(exec, nil, errors.Wrap(err, "corrupt steps snapshot"))
		}
		bag, err := exec.DecodeContext()
		if err != nil {
			return s.failExecution(exec, nil, errors.Wrap(err, "corrupt execution context"))
		}

		step, ok := stepAtPosition(steps, exec.CurrentPosition)
		if !ok {
			return s.completeExecution(exec)
		}
		exec.CurrentStepID = &step.ID

		var done bool
		switch step.Kind {
		case models.WaitStep:
			done, err = s.suspendAtWait(exec, step)
		case models.BranchStep:
			done, err = s.followBranch(ctx, exec, step, steps, bag)
		case models.SendMessageStep, models.CreateTaskStep, models.MutateRecordStep,
			models.CreateNotificationStep, models.CallWebhookStep:
			done, err = s.runSideEffect(ctx, exec, step, bag)
		default:
			// Unreachable for definitions that passed validation.
			return s.failExecution(exec, &step, errors.Errorf("unknown step kind %q", step.Kind))
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// suspendAtWait is the engine's sole suspension point: persist the resume
// time, advance past the wait step, enqueue a delayed resume job and stop
// the tick. Never a blocked goroutine; waits range from minutes to weeks.
func (s *AutomationService) suspendAtWait(exec models.WorkflowExecution, step models.WorkflowStep) (bool, error) {
	var cfg models.WaitConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return true, s.failExecution(exec, &step, err)
	}
	d, ok := cfg.WaitDuration()
	if !ok {
		return true, s.failExecution(exec, &step, errors.Errorf("invalid wait config: %d %s", cfg.Duration, cfg.Unit))
	}
	resumeAt := time.Now().Add(d)

	exec.Status = models.WaitingExecutionStatus
	exec.ResumeAt = &resumeAt
	// Position already advanced: resumption continues at the step after the
	// wait without re-interpreting it.
	exec.CurrentPosition = step.Position + 1

	entry := newLogEntry(exec.ID, step, models.WaitingStepOutcome)
	entry.Message = fmt.Sprintf("waiting %d %s until %s", cfg.Duration, cfg.Unit, resumeAt.Format(time.RFC3339))

	err := s.persistTransition(exec, entry, &jobSpec{kind: models.ResumeJobKind, scheduledFor: resumeAt})
	if err != nil {
		return true, err
	}
	s.logger.Infof("Execution %s suspended at step '%s' until %s", exec.ID, step.Name, resumeAt.Format(time.RFC3339))
	return true, nil
}

// followBranch evaluates the condition and redirects the position pointer to
// the matching target. An unset target terminates the path as completed.
func (s *AutomationService) followBranch(ctx context.Context, exec models.WorkflowExecution, step models.WorkflowStep, steps []models.WorkflowStep, bag models.ExecutionContext) (bool, error) {
	var cfg models.BranchConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return true, s.failExecution(exec, &step, err)
	}

	value, err := s.resolveField(ctx, cfg.Field, bag, exec.Subject())
	if err != nil {
		return true, s.failExecution(exec, &step, errors.Wrapf(err, "resolve field %q", cfg.Field))
	}
	result, err := evalOperator(cfg.Operator, value, cfg.Value)
	if err != nil {
		return true, s.failExecution(exec, &step, err)
	}

	target := step.FalseStepID
	if result {
		target = step.TrueStepID
	}

	entry := newLogEntry(exec.ID, step, models.CompletedStepOutcome)
	entry.Output, _ = json.Marshal(map[string]any{"field": cfg.Field, "value": value, "result": result})

	if target == nil {
		entry.Message = fmt.Sprintf("branch %v with no target, path ends", result)
		exec.Status = models.CompletedExecutionStatus
		exec.ResumeAt = nil
		if err := s.persistTransition(exec, entry, nil); err != nil {
			return true, err
		}
		s.logger.Infof("Execution %s completed at branch '%s' (%v path unset)", exec.ID, step.Name, result)
		return true, nil
	}

	targetStep, ok := stepByID(steps, *target)
	if !ok {
		// Save-time validation makes this unreachable for healthy rows.
		return true, s.failExecution(exec, &step, errors.Errorf("branch target step %d not in snapshot", *target))
	}
	entry.Message = fmt.Sprintf("branch %v, continuing at '%s'", result, targetStep.Name)
	exec.CurrentPosition = targetStep.Position
	if err := s.persistTransition(exec, entry, nil); err != nil {
		return true, err
	}
	return false, nil
}

// runSideEffect delegates one side-effect step to its collaborator. A
// collaborator failure fails the execution: side effects are not retried,
// because redelivery would re-run them.
func (s *AutomationService) runSideEffect(ctx context.Context, exec models.WorkflowExecution, step models.WorkflowStep, bag models.ExecutionContext) (bool, error) {
	if err := s.performSideEffect(ctx, step, bag, exec.Subject()); err != nil {
		return true, s.failExecution(exec, &step, err)
	}

	entry := newLogEntry(exec.ID, step, models.CompletedStepOutcome)
	exec.CurrentPosition = step.Position + 1
	if err := s.persistTransition(exec, entry, nil); err != nil {
		return true, err
	}
	return false, nil
}

func (s *AutomationService) performSideEffect(ctx context.Context, step models.WorkflowStep, bag models.ExecutionContext, subject models.SubjectRef) error {
	switch step.Kind {
	case models.SendMessageStep:
		var cfg models.SendMessageConfig
		if err := step.DecodeConfig(&cfg); err != nil {
			return err
		}
		if s.collabs.Messages == nil {
			return errors.New("no message sender configured")
		}
		cfg.Template = renderTemplate(cfg.Template, bag)
		cfg.Subject = renderTemplate(cfg.Subject, bag)
		return s.collabs.Messages.Send(ctx, cfg, bag, subject)
	case models.CreateTaskStep:
		var cfg models.CreateTaskConfig
		if err := step.DecodeConfig(&cfg); err != nil {
			return err
		}
		if s.collabs.Tasks == nil {
			return errors.New("no task creator configured")
		}
		cfg.Title = renderTemplate(cfg.Title, bag)
		return s.collabs.Tasks.Create(ctx, cfg, subject)
	case models.MutateRecordStep:
		var cfg models.MutateRecordConfig
		if err := step.DecodeConfig(&cfg); err != nil {
			return err
		}
		if s.collabs.Records == nil {
			return errors.New("no record mutator configured")
		}
		return s.collabs.Records.Update(ctx, subject.Kind, subject.ID, cfg.Patch)
	case models.CreateNotificationStep:
		var cfg models.CreateNotificationConfig
		if err := step.DecodeConfig(&cfg); err != nil {
			return err
		}
		if s.collabs.Notifications == nil {
			return errors.New("no notification creator configured")
		}
		cfg.Title = renderTemplate(cfg.Title, bag)
		cfg.Body = renderTemplate(cfg.Body, bag)
		return s.collabs.Notifications.Create(ctx, cfg, subject)
	case models.CallWebhookStep:
		var cfg models.CallWebhookConfig
		if err := step.DecodeConfig(&cfg); err != nil {
			return err
		}
		if s.collabs.Webhooks == nil {
			return errors.New("no webhook caller configured")
		}
		return s.collabs.Webhooks.Post(ctx, cfg.URL, cfg.Headers, map[string]any{
			"subject_kind": subject.Kind,
			"subject_id":   subject.ID,
			"context":      bag,
		})
	}
	return errors.Errorf("step kind %q is not a side effect", step.Kind)
}

// resolveField looks the field up in the context bag first, then asks the
// condition evaluator for a live value.
func (s *AutomationService) resolveField(ctx context.Context, field string, bag models.ExecutionContext, subject models.SubjectRef) (any, error) {
	if v, ok := bag[field]; ok {
		return v, nil
	}
	if s.collabs.Conditions == nil {
		return nil, nil
	}
	return s.collabs.Conditions.Resolve(ctx, field, bag, subject)
}

// completeExecution marks an execution whose step list is exhausted.
func (s *AutomationService) completeExecution(exec models.WorkflowExecution) error {
	exec.Status = models.CompletedExecutionStatus
	exec.ResumeAt = nil
	if err := s.store.UpdateExecution(exec); err != nil {
		if err == storage.ErrTerminal {
			return nil
		}
		return errors.Wrapf(err, "complete execution %s", exec.ID)
	}
	s.logger.Infof("Execution %s completed", exec.ID)
	return nil
}

// failExecution records a workflow-level failure: log entry with the error,
// status failed, error message populated. Returns nil so the driving job is
// completed rather than redelivered.
func (s *AutomationService) failExecution(exec models.WorkflowExecution, step *models.WorkflowStep, cause error) error {
	exec.Status = models.FailedExecutionStatus
	exec.ErrorMsg = cause.Error()
	exec.ResumeAt = nil

	var entry models.ExecutionLogEntry
	if step != nil {
		entry = newLogEntry(exec.ID, *step, models.FailedStepOutcome)
	} else {
		entry = models.ExecutionLogEntry{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			Outcome:     models.FailedStepOutcome,
			LoggedAt:    time.Now(),
		}
	}
	entry.ErrorMsg = cause.Error()

	if err := s.persistTransition(exec, entry, nil); err != nil {
		if errors.Cause(err) == storage.ErrTerminal {
			// Lost a race against cancellation; terminal rows stay untouched.
			return nil
		}
		return err
	}
	s.logger.Errorf("Execution %s failed: %v", exec.ID, cause)
	return nil
}

// jobSpec describes a job persisted alongside a transition.
type jobSpec struct {
	kind         string
	scheduledFor time.Time
}

// persistTransition writes the execution update, its log entry and an
// optional follow-up job in a single transaction.
func (s *AutomationService) persistTransition(exec models.WorkflowExecution, entry models.ExecutionLogEntry, job *jobSpec) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
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

	if err = txStore.UpdateExecution(exec); err != nil {
		return err
	}
	if err = txStore.AppendExecutionLog(entry); err != nil {
		return err
	}
	if job != nil {
		if err = enqueueExecutionJob(txStore, job.kind, exec.ID, job.scheduledFor); err != nil {
			return err
		}
	}
	return nil
}

func newLogEntry(executionID string, step models.WorkflowStep, outcome models.StepOutcome) models.ExecutionLogEntry {
	return models.ExecutionLogEntry{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      step.ID,
		StepKind:    step.Kind,
		StepName:    step.Name,
		Outcome:     outcome,
		Input:       step.Config,
		LoggedAt:    time.Now(),
	}
}

func stepAtPosition(steps []models.WorkflowStep, position int) (models.WorkflowStep, bool) {
	for _, st := range steps {
		if st.Position == position {
			return st, true
		}
	}
	return models.WorkflowStep{}, false
}

func stepByID(steps []models.WorkflowStep, id int64) (models.WorkflowStep, bool) {
	for _, st := range steps {
		if st.ID == id {
			return st, true
		}
	}
	return models.WorkflowStep{}, false
}

// renderTemplate substitutes {{field}} placeholders from the context bag.
// Unknown placeholders are left as-is.
func renderTemplate(tpl string, bag models.ExecutionContext) string {
	if tpl == "" || !strings.Contains(tpl, "{{") {
		return tpl
	}
	out := tpl
	for k, v := range bag {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out
}
