package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/storage"
)

// OnEvent is the trigger dispatcher: every domain module that can originate
// a trigger calls it. It matches the event against the tenant's active
// definitions of the same trigger kind, creates one execution per match and
// enqueues an immediate run job for each. Returned ids include executions
// found via the dedup key when the event was already delivered.
func (s *AutomationService) OnEvent(tenantID string, kind models.TriggerKind, payload map[string]any, subject models.SubjectRef) ([]string, error) {
	if !models.ValidTriggerKind(kind) {
		return nil, errors.Errorf("unknown trigger kind %q", kind)
	}
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}

	definitions, err := s.store.ListActiveWorkflows(tenantID, kind)
	if err != nil {
		return nil, errors.Wrap(err, "list active workflows")
	}

	var executionIDs []string
	for _, wf := range definitions {
		match, err := matchTrigger(wf, payload)
		if err != nil {
			s.logger.Errorf("Workflow %d: trigger predicate error: %v", wf.ID, err)
			continue
		}
		if !match {
			continue
		}

		execID, err := s.startExecution(wf, kind, payload, subject)
		if err != nil {
			return executionIDs, err
		}
		executionIDs = append(executionIDs, execID)
	}
	return executionIDs, nil
}

// matchTrigger evaluates the definition's config predicate against the event
// payload. A definition without a predicate matches every event of its kind.
func matchTrigger(wf models.WorkflowDefinition, payload map[string]any) (bool, error) {
	if len(wf.TriggerConfig) == 0 {
		return true, nil
	}
	var pred models.TriggerPredicate
	if err := json.Unmarshal(wf.TriggerConfig, &pred); err != nil {
		return false, errors.Wrap(err, "malformed trigger config")
	}
	if pred.Field == "" {
		return true, nil
	}
	return evalOperator(pred.Operator, payload[pred.Field], pred.Value)
}

// startExecution creates the execution row (position 0, running, payload
// copied into the context, step list frozen into the snapshot) and its run
// job in one transaction. Duplicate deliveries detected through the dedup
// key return the existing execution untouched.
func (s *AutomationService) startExecution(wf models.WorkflowDefinition, kind models.TriggerKind, payload map[string]any, subject models.SubjectRef) (_ string, err error) {
	dedupKey := dedupKeyFor(wf.ID, subject, payload)
	if dedupKey != nil {
		if existing, getErr := s.store.GetExecutionByDedupKey(*dedupKey); getErr == nil {
			s.logger.Infof("Duplicate delivery for workflow %d (%s), reusing execution %s", wf.ID, *dedupKey, existing.ID)
			return existing.ID, nil
		} else if getErr != storage.ErrNotFound {
			return "", getErr
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal trigger payload")
	}
	snapshot, err := json.Marshal(wf.Steps)
	if err != nil {
		return "", errors.Wrap(err, "snapshot workflow steps")
	}

	now := time.Now()
	exec := models.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		TenantID:        wf.TenantID,
		TriggerKind:     kind,
		TriggerPayload:  payloadJSON,
		SubjectKind:     subject.Kind,
		SubjectID:       subject.ID,
		Status:          models.RunningExecutionStatus,
		CurrentPosition: 0,
		Context:         payloadJSON,
		StepsSnapshot:   snapshot,
		DedupKey:        dedupKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return "", err
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

	if err = txStore.SaveExecution(exec); err != nil {
		return "", err
	}
	if err = enqueueExecutionJob(txStore, models.RunJobKind, exec.ID, now); err != nil {
		return "", err
	}
	s.logger.Infof("Started execution %s of workflow %d for %s/%s", exec.ID, wf.ID, subject.Kind, subject.ID)
	return exec.ID, nil
}

// dedupKeyFor builds workflowID:subject:eventID when the payload carries an
// event_id; without one duplicate delivery is indistinguishable from a new
// event and no key is set.
func dedupKeyFor(workflowID int64, subject models.SubjectRef, payload map[string]any) *string {
	eventID, ok := payload["event_id"]
	if !ok || eventID == nil || fmt.Sprint(eventID) == "" {
		return nil
	}
	key := fmt.Sprintf("%d:%s/%s:%v", workflowID, subject.Kind, subject.ID, eventID)
	return &key
}

func enqueueExecutionJob(store storage.Store, kind, executionID string, scheduledFor time.Time) error {
	payload, err := json.Marshal(models.ExecutionJobPayload{ExecutionID: executionID})
	if err != nil {
		return errors.Wrap(err, "marshal job payload")
	}
	now := time.Now()
	return store.EnqueueJob(models.Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		Payload:      payload,
		Status:       models.PendingJobStatus,
		ScheduledFor: scheduledFor,
		MaxAttempts:  models.DefaultMaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}
