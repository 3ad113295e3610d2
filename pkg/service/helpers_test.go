package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/service"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// recorder captures every collaborator call so tests can assert exact
// side-effect counts. failWith makes every side effect fail.
type recorder struct {
	mu       sync.Mutex
	sends    []models.SendMessageConfig
	tasks    []models.CreateTaskConfig
	notes    []models.CreateNotificationConfig
	patches  []map[string]any
	posts    []string
	failWith error
	resolved map[string]any
}

func (r *recorder) collaborators() service.Collaborators {
	return service.Collaborators{
		Messages:      recSender{r},
		Records:       recMutator{r},
		Tasks:         recTaskCreator{r},
		Notifications: recNotifier{r},
		Webhooks:      recWebhook{r},
		Conditions:    recEvaluator{r},
	}
}

func (r *recorder) sendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func (r *recorder) taskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *recorder) noteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type recSender struct{ r *recorder }

func (s recSender) Send(ctx context.Context, cfg models.SendMessageConfig, execCtx models.ExecutionContext, subject models.SubjectRef) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.failWith != nil {
		return s.r.failWith
	}
	s.r.sends = append(s.r.sends, cfg)
	return nil
}

type recMutator struct{ r *recorder }

func (m recMutator) Update(ctx context.Context, entityKind, entityID string, patch map[string]any) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	if m.r.failWith != nil {
		return m.r.failWith
	}
	m.r.patches = append(m.r.patches, patch)
	return nil
}

type recTaskCreator struct{ r *recorder }

func (c recTaskCreator) Create(ctx context.Context, cfg models.CreateTaskConfig, subject models.SubjectRef) error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.r.failWith != nil {
		return c.r.failWith
	}
	c.r.tasks = append(c.r.tasks, cfg)
	return nil
}

type recNotifier struct{ r *recorder }

func (n recNotifier) Create(ctx context.Context, cfg models.CreateNotificationConfig, subject models.SubjectRef) error {
	n.r.mu.Lock()
	defer n.r.mu.Unlock()
	if n.r.failWith != nil {
		return n.r.failWith
	}
	n.r.notes = append(n.r.notes, cfg)
	return nil
}

type recWebhook struct{ r *recorder }

func (w recWebhook) Post(ctx context.Context, url string, headers map[string]string, payload map[string]any) error {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	if w.r.failWith != nil {
		return w.r.failWith
	}
	w.r.posts = append(w.r.posts, url)
	return nil
}

type recEvaluator struct{ r *recorder }

func (e recEvaluator) Resolve(ctx context.Context, field string, execCtx models.ExecutionContext, subject models.SubjectRef) (any, error) {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	if e.r.resolved == nil {
		return nil, nil
	}
	return e.r.resolved[field], nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return data
}

func intPtr(i int) *int { return &i }

// Common step builders used across the interpreter tests.

func sendStep(t *testing.T, pos int, template string) models.WorkflowStep {
	return models.WorkflowStep{
		Name:     "send",
		Kind:     models.SendMessageStep,
		Position: pos,
		Config:   mustJSON(t, models.SendMessageConfig{Channel: "email", Template: template}),
	}
}

func waitStep(t *testing.T, pos, duration int, unit string) models.WorkflowStep {
	return models.WorkflowStep{
		Name:     "wait",
		Kind:     models.WaitStep,
		Position: pos,
		Config:   mustJSON(t, models.WaitConfig{Duration: duration, Unit: unit}),
	}
}

func branchStep(t *testing.T, pos int, field, op, value string, truePos, falsePos *int) models.WorkflowStep {
	return models.WorkflowStep{
		Name:          "branch",
		Kind:          models.BranchStep,
		Position:      pos,
		Config:        mustJSON(t, models.BranchConfig{Field: field, Operator: op, Value: value}),
		TruePosition:  truePos,
		FalsePosition: falsePos,
	}
}

func taskStep(t *testing.T, pos int, title string) models.WorkflowStep {
	return models.WorkflowStep{
		Name:     "task",
		Kind:     models.CreateTaskStep,
		Position: pos,
		Config:   mustJSON(t, models.CreateTaskConfig{Title: title}),
	}
}
