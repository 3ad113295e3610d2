package storage_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	internal_storage "github.com/weddingflo/automation/internal/storage"
	"github.com/weddingflo/automation/internal/testutil"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	sampleDefinition := func(name string) models.WorkflowDefinition {
		truePos := 2
		return models.WorkflowDefinition{
			TenantID:    "t1",
			Name:        name,
			TriggerKind: models.StageChangeTrigger,
			Active:      true,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
			Steps: []models.WorkflowStep{
				{Name: "send", Kind: models.SendMessageStep, Position: 0,
					Config: json.RawMessage(`{"channel":"email","template":"hi"}`)},
				{Name: "branch", Kind: models.BranchStep, Position: 1,
					Config:       json.RawMessage(`{"field":"stage","operator":"equals","value":"won"}`),
					TruePosition: &truePos},
				{Name: "task", Kind: models.CreateTaskStep, Position: 2,
					Config: json.RawMessage(`{"title":"call"}`)},
			},
		}
	}

	saveExecution := func(t *testing.T, store *internal_storage.PostgresStore, wfID int64, status models.ExecutionStatus) models.WorkflowExecution {
		exec := models.WorkflowExecution{
			ID:             uuid.NewString(),
			WorkflowID:     wfID,
			TenantID:       "t1",
			TriggerKind:    models.StageChangeTrigger,
			TriggerPayload: json.RawMessage(`{"stage":"won"}`),
			SubjectKind:    "client",
			SubjectID:      "c1",
			Status:         status,
			Context:        json.RawMessage(`{"stage":"won"}`),
			StepsSnapshot:  json.RawMessage(`[]`),
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		require.NoError(t, store.SaveExecution(exec))
		return exec
	}

	t.Run("SaveWorkflowResolvesBranchTargets", func(t *testing.T) {
		store := newTxStore(t)
		wfID, err := store.SaveWorkflow(sampleDefinition("FollowUp"))
		assert.NoError(t, err)
		assert.Greater(t, wfID, int64(0))

		saved, err := store.GetWorkflow(wfID)
		assert.NoError(t, err)
		assert.Equal(t, "FollowUp", saved.Name)
		assert.Equal(t, models.StageChangeTrigger, saved.TriggerKind)
		require.Len(t, saved.Steps, 3)
		// Steps come back ordered by position with the branch target linked.
		assert.Equal(t, 0, saved.Steps[0].Position)
		require.NotNil(t, saved.Steps[1].TrueStepID)
		assert.Equal(t, saved.Steps[2].ID, *saved.Steps[1].TrueStepID)
		assert.Nil(t, saved.Steps[1].FalseStepID)
	})

	t.Run("GetWorkflowNotFound", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetWorkflow(424242)
		assert.Equal(t, storage.ErrNotFound, err)
	})

	t.Run("ListActiveWorkflowsFiltersKindAndActive", func(t *testing.T) {
		store := newTxStore(t)
		activeID, err := store.SaveWorkflow(sampleDefinition("Active"))
		assert.NoError(t, err)
		inactiveID, err := store.SaveWorkflow(sampleDefinition("Inactive"))
		assert.NoError(t, err)
		assert.NoError(t, store.SetWorkflowActive(inactiveID, false))

		otherKind := sampleDefinition("OtherKind")
		otherKind.TriggerKind = models.PaymentOverdueTrigger
		_, err = store.SaveWorkflow(otherKind)
		assert.NoError(t, err)

		workflows, err := store.ListActiveWorkflows("t1", models.StageChangeTrigger)
		assert.NoError(t, err)
		require.Len(t, workflows, 1)
		assert.Equal(t, activeID, workflows[0].ID)
		assert.Len(t, workflows[0].Steps, 3)
	})

	t.Run("SetWorkflowActiveNotFound", func(t *testing.T) {
		store := newTxStore(t)
		assert.Equal(t, storage.ErrNotFound, store.SetWorkflowActive(424242, false))
	})

	t.Run("ExecutionRoundTrip", func(t *testing.T) {
		store := newTxStore(t)
		wfID, err := store.SaveWorkflow(sampleDefinition("Exec"))
		assert.NoError(t, err)
		exec := saveExecution(t, store, wfID, models.RunningExecutionStatus)

		saved, err := store.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.RunningExecutionStatus, saved.Status)
		assert.Equal(t, "client", saved.SubjectKind)

		resumeAt := time.Now().Add(time.Hour)
		saved.Status = models.WaitingExecutionStatus
		saved.ResumeAt = &resumeAt
		saved.CurrentPosition = 2
		assert.NoError(t, store.UpdateExecution(saved))

		saved, err = store.GetExecution(exec.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.WaitingExecutionStatus, saved.Status)
		assert.Equal(t, 2, saved.CurrentPosition)
		require.NotNil(t, saved.ResumeAt)
		assert.WithinDuration(t, resumeAt, *saved.ResumeAt, time.Second)
	})

	t.Run("UpdateExecutionRefusesTerminalRows", func(t *testing.T) {
		store := newTxStore(t)
		wfID, err := store.SaveWorkflow(sampleDefinition("Terminal"))
		assert.NoError(t, err)
		exec := saveExecution(t, store, wfID, models.RunningExecutionStatus)

		exec.Status = models.CompletedExecutionStatus
		assert.NoError(t, store.UpdateExecution(exec))

		exec.Status = models.RunningExecutionStatus
		assert.Equal(t, storage.ErrTerminal, store.UpdateExecution(exec))

		missing := exec
		missing.ID = uuid.NewString()
		assert.Equal(t, storage.ErrNotFound, store.UpdateExecution(missing))
	})

	t.Run("DedupKeyLookup", func(t *testing.T) {
		store := newTxStore(t)
		wfID, err := store.SaveWorkflow(sampleDefinition("Dedup"))
		assert.NoError(t, err)

		key := "1:client/c1:evt-42"
		exec := saveExecution(t, store, wfID, models.RunningExecutionStatus)
		_, err = store.GetExecutionByDedupKey(key)
		assert.Equal(t, storage.ErrNotFound, err)

		withKey := exec
		withKey.ID = uuid.NewString()
		withKey.DedupKey = &key
		assert.NoError(t, store.SaveExecution(withKey))

		found, err := store.GetExecutionByDedupKey(key)
		assert.NoError(t, err)
		assert.Equal(t, withKey.ID, found.ID)

		// The unique index rejects a second execution with the same key.
		dup := exec
		dup.ID = uuid.NewString()
		dup.DedupKey = &key
		assert.Error(t, store.SaveExecution(dup))
	})

	t.Run("ExecutionLogAppendAndRead", func(t *testing.T) {
		store := newTxStore(t)
		wfID, err := store.SaveWorkflow(sampleDefinition("Logs"))
		assert.NoError(t, err)
		exec := saveExecution(t, store, wfID, models.RunningExecutionStatus)

		for i, outcome := range []models.StepOutcome{models.CompletedStepOutcome, models.FailedStepOutcome} {
			assert.NoError(t, store.AppendExecutionLog(models.ExecutionLogEntry{
				ID:          uuid.NewString(),
				ExecutionID: exec.ID,
				StepID:      int64(i + 1),
				StepKind:    models.SendMessageStep,
				StepName:    "send",
				Outcome:     outcome,
				LoggedAt:    time.Now().Add(time.Duration(i) * time.Millisecond),
			}))
		}

		logs, err := store.GetExecutionLogs(exec.ID)
		assert.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, models.CompletedStepOutcome, logs[0].Outcome)
		assert.Equal(t, models.FailedStepOutcome, logs[1].Outcome)
	})

	t.Run("ClaimDueJobs", func(t *testing.T) {
		store := newTxStore(t)
		due := models.Job{
			ID:           uuid.NewString(),
			Kind:         models.RunJobKind,
			Payload:      json.RawMessage(`{"execution_id":"x"}`),
			Status:       models.PendingJobStatus,
			ScheduledFor: time.Now().Add(-time.Minute),
			MaxAttempts:  models.DefaultMaxAttempts,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		assert.NoError(t, store.EnqueueJob(due))

		future := due
		future.ID = uuid.NewString()
		future.ScheduledFor = time.Now().Add(time.Hour)
		assert.NoError(t, store.EnqueueJob(future))

		claimed, err := store.ClaimDueJobs("", 10)
		assert.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, due.ID, claimed[0].ID)
		assert.Equal(t, models.InProgressJobStatus, claimed[0].Status)
		assert.NotNil(t, claimed[0].ClaimedAt)

		// Nothing left to claim until the future job is due.
		claimed, err = store.ClaimDueJobs("", 10)
		assert.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("ClaimDueJobsFiltersByKind", func(t *testing.T) {
		store := newTxStore(t)
		run := models.Job{
			ID:           uuid.NewString(),
			Kind:         models.RunJobKind,
			Status:       models.PendingJobStatus,
			ScheduledFor: time.Now().Add(-time.Minute),
			MaxAttempts:  models.DefaultMaxAttempts,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		assert.NoError(t, store.EnqueueJob(run))
		resume := run
		resume.ID = uuid.NewString()
		resume.Kind = models.ResumeJobKind
		assert.NoError(t, store.EnqueueJob(resume))

		claimed, err := store.ClaimDueJobs(models.ResumeJobKind, 10)
		assert.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, resume.ID, claimed[0].ID)
	})

	t.Run("CompleteJob", func(t *testing.T) {
		store := newTxStore(t)
		job := models.Job{
			ID:           uuid.NewString(),
			Kind:         models.RunJobKind,
			Status:       models.PendingJobStatus,
			ScheduledFor: time.Now().Add(-time.Minute),
			MaxAttempts:  models.DefaultMaxAttempts,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		assert.NoError(t, store.EnqueueJob(job))
		// Completing an unclaimed job is refused.
		assert.Equal(t, storage.ErrNotFound, store.CompleteJob(job.ID))

		_, err := store.ClaimDueJobs("", 10)
		assert.NoError(t, err)
		assert.NoError(t, store.CompleteJob(job.ID))

		saved, err := store.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.DoneJobStatus, saved.Status)
		assert.Nil(t, saved.ClaimedAt)
	})

	// The remaining subtests run outside a transaction: they age rows with
	// raw SQL over a second connection, which a rollback-only tx store could
	// never observe.
	t.Run("FailJobBackoffThenPermanentFailure", func(t *testing.T) {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		defer store.Close()

		kind := "fail-test"
		job := models.Job{
			ID:           uuid.NewString(),
			Kind:         kind,
			Status:       models.PendingJobStatus,
			ScheduledFor: time.Now().Add(-time.Minute),
			MaxAttempts:  2,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		assert.NoError(t, store.EnqueueJob(job))

		_, err = store.ClaimDueJobs(kind, 10)
		assert.NoError(t, err)
		assert.NoError(t, store.FailJob(job.ID, "db timeout"))

		saved, err := store.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingJobStatus, saved.Status)
		assert.Equal(t, 1, saved.Attempts)
		assert.Equal(t, "db timeout", saved.LastError)
		assert.True(t, saved.ScheduledFor.After(time.Now()), "rescheduled with backoff")

		// Pull the retry forward and fail it again: max_attempts reached.
		_, err = testDB.DB.Exec("UPDATE jobs SET scheduled_for = CURRENT_TIMESTAMP - INTERVAL '1 second' WHERE id = $1", job.ID)
		assert.NoError(t, err)
		_, err = store.ClaimDueJobs(kind, 10)
		assert.NoError(t, err)
		assert.NoError(t, store.FailJob(job.ID, "db timeout again"))

		saved, err = store.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedJobStatus, saved.Status)
		assert.Equal(t, 2, saved.Attempts)
	})

	t.Run("ReapStaleJobs", func(t *testing.T) {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		defer store.Close()

		kind := "reap-test"
		job := models.Job{
			ID:           uuid.NewString(),
			Kind:         kind,
			Status:       models.PendingJobStatus,
			ScheduledFor: time.Now().Add(-time.Minute),
			MaxAttempts:  models.DefaultMaxAttempts,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		assert.NoError(t, store.EnqueueJob(job))
		_, err = store.ClaimDueJobs(kind, 10)
		assert.NoError(t, err)

		// Fresh claim stays put.
		n, err := store.ReapStaleJobs(5 * time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)

		// Age the claim past the threshold.
		_, err = testDB.DB.Exec("UPDATE jobs SET claimed_at = CURRENT_TIMESTAMP - INTERVAL '10 minutes' WHERE id = $1", job.ID)
		assert.NoError(t, err)
		n, err = store.ReapStaleJobs(5 * time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)

		saved, err := store.GetJob(job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingJobStatus, saved.Status)
		assert.Nil(t, saved.ClaimedAt)
	})

	t.Run("ConcurrentClaimersPartitionDueJobs", func(t *testing.T) {
		// Runs outside a transaction so every claimer sees the same rows.
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		defer store.Close()

		const jobCount = 40
		kind := "partition-test"
		for i := 0; i < jobCount; i++ {
			require.NoError(t, store.EnqueueJob(models.Job{
				ID:           uuid.NewString(),
				Kind:         kind,
				Status:       models.PendingJobStatus,
				ScheduledFor: time.Now().Add(-time.Minute),
				MaxAttempts:  models.DefaultMaxAttempts,
				CreatedAt:    time.Now(),
				UpdatedAt:    time.Now(),
			}))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claimed, err := store.ClaimDueJobs(kind, 5)
					assert.NoError(t, err)
					if len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, j := range claimed {
						seen[j.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobCount)
		for id, count := range seen {
			assert.Equalf(t, 1, count, "job %s claimed more than once", id)
		}
	})
}
