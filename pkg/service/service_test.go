package service_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/service"
	"github.com/weddingflo/automation/pkg/storage"
)

func newService(t *testing.T) (*service.AutomationService, storage.Store) {
	t.Helper()
	store := storage.NewMockStore()
	rec := &recorder{}
	return service.NewAutomationService(context.Background(), store, rec.collaborators(), logger{}), store
}

func TestCreateWorkflow_PersistsDefinitionWithSteps(t *testing.T) {
	svc, _ := newService(t)

	truePos := 2
	id, err := svc.CreateWorkflow(definition(
		sendStep(t, 0, "hello"),
		branchStep(t, 1, "stage", service.OpEquals, "won", &truePos, nil),
		taskStep(t, 2, "prepare contract"),
	))
	require.NoError(t, err)

	wf, err := svc.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, "FollowUp", wf.Name)
	require.Len(t, wf.Steps, 3)

	// Branch target resolved from position to the generated step id.
	branch := wf.Steps[1]
	require.NotNil(t, branch.TrueStepID)
	assert.Equal(t, wf.Steps[2].ID, *branch.TrueStepID)
	assert.Nil(t, branch.FalseStepID)
}

func TestValidateDefinition_ConfigurationErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*models.WorkflowDefinition)
		wantErr string
	}{
		{
			name:    "EmptyName",
			mutate:  func(wf *models.WorkflowDefinition) { wf.Name = " " },
			wantErr: "name cannot be empty",
		},
		{
			name:    "LongName",
			mutate:  func(wf *models.WorkflowDefinition) { wf.Name = strings.Repeat("x", 101) },
			wantErr: "too long",
		},
		{
			name:    "MissingTenant",
			mutate:  func(wf *models.WorkflowDefinition) { wf.TenantID = "" },
			wantErr: "tenant id",
		},
		{
			name:    "UnknownTriggerKind",
			mutate:  func(wf *models.WorkflowDefinition) { wf.TriggerKind = "on_full_moon" },
			wantErr: "unknown trigger kind",
		},
		{
			name:    "NoSteps",
			mutate:  func(wf *models.WorkflowDefinition) { wf.Steps = nil },
			wantErr: "at least one step",
		},
		{
			name: "UnknownStepKind",
			mutate: func(wf *models.WorkflowDefinition) {
				wf.Steps[0].Kind = "teleport"
			},
			wantErr: "unknown kind",
		},
		{
			name: "DuplicatePosition",
			mutate: func(wf *models.WorkflowDefinition) {
				wf.Steps[1].Position = 0
			},
			wantErr: "duplicate step position",
		},
		{
			name: "BranchTargetOutsideWorkflow",
			mutate: func(wf *models.WorkflowDefinition) {
				bad := 7
				wf.Steps[1].TruePosition = &bad
			},
			wantErr: "outside workflow",
		},
		{
			name: "BranchTargetOnNonBranchStep",
			mutate: func(wf *models.WorkflowDefinition) {
				target := 1
				wf.Steps[0].TruePosition = &target
			},
			wantErr: "only allowed",
		},
		{
			name: "UnknownBranchOperator",
			mutate: func(wf *models.WorkflowDefinition) {
				wf.Steps[1].Config = mustJSON(t, models.BranchConfig{Field: "stage", Operator: "resembles", Value: "won"})
			},
			wantErr: "unknown operator",
		},
		{
			name: "InvalidWaitUnit",
			mutate: func(wf *models.WorkflowDefinition) {
				wf.Steps[2].Config = mustJSON(t, models.WaitConfig{Duration: 5, Unit: "fortnights"})
			},
			wantErr: "wait needs a positive duration",
		},
		{
			name: "NegativeWaitDuration",
			mutate: func(wf *models.WorkflowDefinition) {
				wf.Steps[2].Config = mustJSON(t, models.WaitConfig{Duration: -1, Unit: "days"})
			},
			wantErr: "wait needs a positive duration",
		},
		{
			name: "WebhookWithoutURL",
			mutate: func(wf *models.WorkflowDefinition) {
				wf.Steps[0] = models.WorkflowStep{
					Name:     "hook",
					Kind:     models.CallWebhookStep,
					Position: 0,
					Config:   mustJSON(t, models.CallWebhookConfig{URL: "ftp://nope"}),
				}
			},
			wantErr: "http(s) url",
		},
		{
			name: "MalformedTriggerConfig",
			mutate: func(wf *models.WorkflowDefinition) {
				wf.TriggerConfig = []byte(`{"field": 12`)
			},
			wantErr: "malformed trigger config",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wf := definition(
				sendStep(t, 0, "hello"),
				branchStep(t, 1, "stage", service.OpEquals, "won", nil, nil),
				waitStep(t, 2, 1, "days"),
			)
			tc.mutate(&wf)
			err := service.ValidateDefinition(wf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSetWorkflowActive_SoftDisable(t *testing.T) {
	svc, _ := newService(t)
	id, err := svc.CreateWorkflow(definition(taskStep(t, 0, "x")))
	require.NoError(t, err)

	require.NoError(t, svc.SetWorkflowActive(id, false))
	wf, err := svc.GetWorkflow(id)
	require.NoError(t, err)
	assert.False(t, wf.Active)

	// The definition row survives soft-disable.
	assert.Equal(t, "FollowUp", wf.Name)

	assert.Equal(t, storage.ErrNotFound, svc.SetWorkflowActive(9999, false))
}

func TestGetExecutionLog_UnknownExecution(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.GetExecutionLog("nope")
	assert.Equal(t, storage.ErrNotFound, err)
}

func TestCancelExecution_UnknownExecution(t *testing.T) {
	svc, _ := newService(t)
	assert.Equal(t, storage.ErrNotFound, svc.CancelExecution("nope"))
}
