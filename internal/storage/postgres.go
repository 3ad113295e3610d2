package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow inserts a definition with its steps and returns the new ID.
// Branch targets given by position are resolved to the generated step ids.
func (s *PostgresStore) SaveWorkflow(w models.WorkflowDefinition) (int64, error) {
	var wfID int64
	err := s.db.QueryRowx(`INSERT INTO workflow_definitions (tenant_id, name, trigger_kind, trigger_config, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		w.TenantID, w.Name, w.TriggerKind, w.TriggerConfig, w.Active, w.CreatedAt, w.UpdatedAt).Scan(&wfID)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}

	idByPos := make(map[int]int64, len(w.Steps))
	for _, st := range w.Steps {
		var stepID int64
		err := s.db.QueryRowx(`INSERT INTO workflow_steps (workflow_id, name, kind, position, config)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			wfID, st.Name, st.Kind, st.Position, st.Config).Scan(&stepID)
		if err != nil {
			return 0, fmt.Errorf("save step %q: %w", st.Name, err)
		}
		idByPos[st.Position] = stepID
	}
	for _, st := range w.Steps {
		if st.TruePosition == nil && st.FalsePosition == nil {
			continue
		}
		var trueID, falseID *int64
		if st.TruePosition != nil {
			id, ok := idByPos[*st.TruePosition]
			if !ok {
				return 0, fmt.Errorf("step %q: no step at true position %d", st.Name, *st.TruePosition)
			}
			trueID = &id
		}
		if st.FalsePosition != nil {
			id, ok := idByPos[*st.FalsePosition]
			if !ok {
				return 0, fmt.Errorf("step %q: no step at false position %d", st.Name, *st.FalsePosition)
			}
			falseID = &id
		}
		_, err := s.db.Exec(`UPDATE workflow_steps SET true_step_id = $1, false_step_id = $2 WHERE id = $3`,
			trueID, falseID, idByPos[st.Position])
		if err != nil {
			return 0, fmt.Errorf("link branch targets for step %q: %w", st.Name, err)
		}
	}
	return wfID, nil
}

// GetWorkflow retrieves a definition by ID including its steps in order.
func (s *PostgresStore) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	var wf models.WorkflowDefinition
	err := s.db.Get(&wf, "SELECT * FROM workflow_definitions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	err = s.db.Select(&wf.Steps, "SELECT * FROM workflow_steps WHERE workflow_id = $1 ORDER BY position", id)
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("get workflow %d steps: %w", id, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(tenantID string) ([]models.WorkflowDefinition, error) {
	workflows := []models.WorkflowDefinition{}
	err := s.db.Select(&workflows,
		"SELECT * FROM workflow_definitions WHERE tenant_id = $1 ORDER BY created_at DESC", tenantID)
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

// ListActiveWorkflows returns the active definitions for one tenant and
// trigger kind, steps included, ready for dispatch.
func (s *PostgresStore) ListActiveWorkflows(tenantID string, kind models.TriggerKind) ([]models.WorkflowDefinition, error) {
	workflows := []models.WorkflowDefinition{}
	err := s.db.Select(&workflows,
		"SELECT * FROM workflow_definitions WHERE tenant_id = $1 AND trigger_kind = $2 AND active ORDER BY id", tenantID, kind)
	if err != nil {
		return nil, err
	}
	for i := range workflows {
		err = s.db.Select(&workflows[i].Steps,
			"SELECT * FROM workflow_steps WHERE workflow_id = $1 ORDER BY position", workflows[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load steps for workflow %d: %w", workflows[i].ID, err)
		}
	}
	return workflows, nil
}

func (s *PostgresStore) SetWorkflowActive(id int64, active bool) error {
	res, err := s.db.Exec("UPDATE workflow_definitions SET active = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", active, id)
	if err != nil {
		return err
	}
	return oneRowOr(res, storage.ErrNotFound)
}

func (s *PostgresStore) SaveExecution(e models.WorkflowExecution) error {
	_, err := s.db.Exec(`INSERT INTO workflow_executions
		(id, workflow_id, tenant_id, trigger_kind, trigger_payload, subject_kind, subject_id,
		 status, current_step_id, current_position, resume_at, context, steps_snapshot, error_msg, dedup_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.WorkflowID, e.TenantID, e.TriggerKind, e.TriggerPayload, e.SubjectKind, e.SubjectID,
		e.Status, e.CurrentStepID, e.CurrentPosition, e.ResumeAt, e.Context, e.StepsSnapshot, e.ErrorMsg, e.DedupKey, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(id string) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.db.Get(&e, "SELECT * FROM workflow_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) GetExecutionByDedupKey(key string) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.db.Get(&e, "SELECT * FROM workflow_executions WHERE dedup_key = $1", key)
	if err == sql.ErrNoRows {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	return e, err
}

// UpdateExecution persists the mutable fields of an execution. Rows that
// already reached a terminal status are refused.
func (s *PostgresStore) UpdateExecution(e models.WorkflowExecution) error {
	res, err := s.db.Exec(`UPDATE workflow_executions
		SET status = $1, current_step_id = $2, current_position = $3, resume_at = $4,
		    context = $5, error_msg = $6, updated_at = CURRENT_TIMESTAMP
		WHERE id = $7 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		e.Status, e.CurrentStepID, e.CurrentPosition, e.ResumeAt, e.Context, e.ErrorMsg, e.ID)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetExecution(e.ID); getErr != nil {
			return getErr
		}
		return storage.ErrTerminal
	}
	return nil
}

func (s *PostgresStore) ListExecutions(workflowID int64) ([]models.WorkflowExecution, error) {
	executions := []models.WorkflowExecution{}
	err := s.db.Select(&executions,
		"SELECT * FROM workflow_executions WHERE workflow_id = $1 ORDER BY created_at DESC", workflowID)
	if err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *PostgresStore) AppendExecutionLog(entry models.ExecutionLogEntry) error {
	_, err := s.db.Exec(`INSERT INTO execution_logs
		(id, execution_id, step_id, step_kind, step_name, outcome, message, input, output, error_msg, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.ExecutionID, entry.StepID, entry.StepKind, entry.StepName,
		entry.Outcome, entry.Message, entry.Input, entry.Output, entry.ErrorMsg, entry.LoggedAt)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecutionLogs(executionID string) ([]models.ExecutionLogEntry, error) {
	entries := []models.ExecutionLogEntry{}
	err := s.db.Select(&entries,
		"SELECT * FROM execution_logs WHERE execution_id = $1 ORDER BY logged_at, id", executionID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) EnqueueJob(j models.Job) error {
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, kind, payload, status, scheduled_for, attempts, max_attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.Kind, j.Payload, j.Status, j.ScheduledFor, j.Attempts, j.MaxAttempts, j.LastError, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (models.Job, error) {
	var j models.Job
	err := s.db.Get(&j, "SELECT * FROM jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Job{}, storage.ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs of the given kind, newest first. An empty kind
// matches any job kind.
func (s *PostgresStore) ListJobs(kind string) ([]models.Job, error) {
	jobs := []models.Job{}
	err := s.db.Select(&jobs,
		"SELECT * FROM jobs WHERE ($1 = '' OR kind = $1) ORDER BY created_at DESC", kind)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimDueJobs atomically transitions up to limit due pending jobs to
// in_progress and returns them. SKIP LOCKED lets concurrent claimers
// partition due rows without blocking or double-claiming. An empty kind
// matches any job kind.
func (s *PostgresStore) ClaimDueJobs(kind string, limit int) ([]models.Job, error) {
	jobs := []models.Job{}
	query := `UPDATE jobs SET status = 'in_progress', claimed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_for <= CURRENT_TIMESTAMP AND ($1 = '' OR kind = $1)
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`
	err := s.db.Select(&jobs, query, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'done', claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'in_progress'`, id)
	if err != nil {
		return err
	}
	return oneRowOr(res, storage.ErrNotFound)
}

// FailJob increments the attempt counter and either reschedules the job with
// a linear backoff or, once attempts reach max_attempts, fails it for good.
func (s *PostgresStore) FailJob(id string, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET
			attempts = attempts + 1,
			last_error = $1,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			scheduled_for = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_for
				ELSE CURRENT_TIMESTAMP + (attempts + 1) * INTERVAL '30 seconds' END,
			claimed_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status = 'in_progress'`, errMsg, id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return oneRowOr(res, storage.ErrNotFound)
}

// ReapStaleJobs returns in_progress jobs whose claim is older than the given
// age back to pending, so work lost to a worker crash is redelivered.
func (s *PostgresStore) ReapStaleJobs(olderThan time.Duration) (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE status = 'in_progress' AND claimed_at < CURRENT_TIMESTAMP - $1 * INTERVAL '1 second'`,
		int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func oneRowOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
