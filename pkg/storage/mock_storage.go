package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
)

// mockStore implements Store with in-memory slices. A single mutex guards
// every operation so claim semantics hold under concurrent workers, the
// same guarantee row locking gives the Postgres store.
type mockStore struct {
	mu         *sync.Mutex
	workflows  []models.WorkflowDefinition
	executions []models.WorkflowExecution
	logs       []models.ExecutionLogEntry
	jobs       []models.Job
	nextWfID   int64
	nextStepID int64
}

func NewMockStore() Store {
	return &mockStore{mu: &sync.Mutex{}}
}

// Begin returns the store itself: the mock has no transaction isolation,
// operations apply immediately.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(w models.WorkflowDefinition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWfID++
	w.ID = m.nextWfID

	idByPos := make(map[int]int64, len(w.Steps))
	for i := range w.Steps {
		m.nextStepID++
		w.Steps[i].ID = m.nextStepID
		w.Steps[i].WorkflowID = w.ID
		idByPos[w.Steps[i].Position] = m.nextStepID
	}
	for i := range w.Steps {
		st := &w.Steps[i]
		if st.TruePosition != nil {
			id, ok := idByPos[*st.TruePosition]
			if !ok {
				return 0, errors.Errorf("no step at true position %d", *st.TruePosition)
			}
			st.TrueStepID = &id
		}
		if st.FalsePosition != nil {
			id, ok := idByPos[*st.FalsePosition]
			if !ok {
				return 0, errors.Errorf("no step at false position %d", *st.FalsePosition)
			}
			st.FalseStepID = &id
		}
	}
	m.workflows = append(m.workflows, w)
	return w.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ID == id {
			return wf, nil
		}
	}
	return models.WorkflowDefinition{}, ErrNotFound
}

func (m *mockStore) ListWorkflows(tenantID string) ([]models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowDefinition
	for _, wf := range m.workflows {
		if wf.TenantID == tenantID {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (m *mockStore) ListActiveWorkflows(tenantID string, kind models.TriggerKind) ([]models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowDefinition
	for _, wf := range m.workflows {
		if wf.TenantID == tenantID && wf.TriggerKind == kind && wf.Active {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (m *mockStore) SetWorkflowActive(id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wf := range m.workflows {
		if wf.ID == id {
			m.workflows[i].Active = active
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveExecution(e models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.ID == e.ID {
			return errors.New("execution already exists")
		}
		if e.DedupKey != nil && existing.DedupKey != nil && *existing.DedupKey == *e.DedupKey {
			return errors.New("duplicate dedup key")
		}
	}
	m.executions = append(m.executions, e)
	return nil
}

func (m *mockStore) GetExecution(id string) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return models.WorkflowExecution{}, ErrNotFound
}

func (m *mockStore) GetExecutionByDedupKey(key string) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.DedupKey != nil && *e.DedupKey == key {
			return e, nil
		}
	}
	return models.WorkflowExecution{}, ErrNotFound
}

func (m *mockStore) UpdateExecution(e models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.executions {
		if existing.ID != e.ID {
			continue
		}
		if existing.Status.Terminal() {
			return ErrTerminal
		}
		e.UpdatedAt = time.Now()
		// Immutable fields keep their original values.
		e.WorkflowID = existing.WorkflowID
		e.TriggerPayload = existing.TriggerPayload
		e.StepsSnapshot = existing.StepsSnapshot
		m.executions[i] = e
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) ListExecutions(workflowID int64) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowExecution
	for _, e := range m.executions {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) AppendExecutionLog(entry models.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ID == entry.ExecutionID && e.Status.Terminal() {
			return ErrTerminal
		}
	}
	m.logs = append(m.logs, entry)
	return nil
}

func (m *mockStore) GetExecutionLogs(executionID string) ([]models.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionLogEntry
	for _, l := range m.logs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStore) EnqueueJob(j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.ID == j.ID {
			return errors.New("job already exists")
		}
	}
	m.jobs = append(m.jobs, j)
	return nil
}

func (m *mockStore) GetJob(id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, ErrNotFound
}

func (m *mockStore) ListJobs(kind string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if kind == "" || j.Kind == kind {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *mockStore) ClaimDueJobs(kind string, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var claimed []models.Job
	for i := range m.jobs {
		if len(claimed) >= limit {
			break
		}
		j := &m.jobs[i]
		if j.Status != models.PendingJobStatus || j.ScheduledFor.After(now) {
			continue
		}
		if kind != "" && j.Kind != kind {
			continue
		}
		j.Status = models.InProgressJobStatus
		claimedAt := now
		j.ClaimedAt = &claimedAt
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (m *mockStore) CompleteJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.ID == id {
			if j.Status != models.InProgressJobStatus {
				return ErrNotFound
			}
			m.jobs[i].Status = models.DoneJobStatus
			m.jobs[i].ClaimedAt = nil
			m.jobs[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) FailJob(id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.ID != id {
			continue
		}
		if j.Status != models.InProgressJobStatus {
			return ErrNotFound
		}
		j.Attempts++
		j.LastError = errMsg
		j.ClaimedAt = nil
		j.UpdatedAt = time.Now()
		if j.Attempts >= j.MaxAttempts {
			j.Status = models.FailedJobStatus
		} else {
			j.Status = models.PendingJobStatus
			j.ScheduledFor = time.Now().Add(time.Duration(j.Attempts) * 30 * time.Second)
		}
		m.jobs[i] = j
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) ReapStaleJobs(olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for i, j := range m.jobs {
		if j.Status == models.InProgressJobStatus && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			m.jobs[i].Status = models.PendingJobStatus
			m.jobs[i].ClaimedAt = nil
			m.jobs[i].UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

