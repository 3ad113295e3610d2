package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/storage"
)

// handleRunJob drives a tick on the execution named in the job payload.
// A vanished execution is an infrastructure error: the job retries up to
// max_attempts and then fails loudly instead of disappearing silently.
func (s *AutomationService) handleRunJob(ctx context.Context, job models.Job) error {
	var payload models.ExecutionJobPayload
	if err := job.DecodePayload(&payload); err != nil {
		return errors.Wrapf(err, "job %s: malformed payload", job.ID)
	}
	return s.Tick(ctx, payload.ExecutionID)
}

// handleResumeJob turns elapsed wait time into a running execution.
func (s *AutomationService) handleResumeJob(ctx context.Context, job models.Job) error {
	var payload models.ExecutionJobPayload
	if err := job.DecodePayload(&payload); err != nil {
		return errors.Wrapf(err, "job %s: malformed payload", job.ID)
	}
	return s.Resume(ctx, payload.ExecutionID)
}

// Resume wakes a waiting execution and ticks it. An execution that is no
// longer waiting (cancelled or failed meanwhile) is a no-op, so a stale
// resume job completes instead of erroring forever.
func (s *AutomationService) Resume(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		if err == storage.ErrNotFound {
			// Execution vanished between scheduling and resumption.
			s.logger.Errorf("Resume: execution %s no longer exists", executionID)
		}
		return errors.Wrapf(err, "resume execution %s", executionID)
	}
	if exec.Status != models.WaitingExecutionStatus {
		s.logger.Infof("Execution %s is %s, nothing to resume", exec.ID, exec.Status)
		return nil
	}

	exec.Status = models.RunningExecutionStatus
	exec.ResumeAt = nil
	if err := s.store.UpdateExecution(exec); err != nil {
		if err == storage.ErrTerminal {
			// Cancelled between the status check and the update.
			return nil
		}
		return errors.Wrapf(err, "mark execution %s running", exec.ID)
	}
	s.logger.Infof("Resumed execution %s at position %d", exec.ID, exec.CurrentPosition)
	return s.Tick(ctx, exec.ID)
}
