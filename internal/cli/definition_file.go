package cli

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/weddingflo/automation/pkg/models"
	"gopkg.in/yaml.v3"
)

// definitionFile is the YAML shape accepted by `apply -f`.
type definitionFile struct {
	TenantID string `yaml:"tenant_id"`
	Name     string `yaml:"name"`
	Trigger  struct {
		Kind     string `yaml:"kind"`
		Field    string `yaml:"field"`
		Operator string `yaml:"operator"`
		Value    string `yaml:"value"`
	} `yaml:"trigger"`
	Steps []struct {
		Name          string         `yaml:"name"`
		Kind          string         `yaml:"kind"`
		Config        map[string]any `yaml:"config"`
		TruePosition  *int           `yaml:"true_position"`
		FalsePosition *int           `yaml:"false_position"`
	} `yaml:"steps"`
}

// LoadDefinitionFile parses a workflow definition from a YAML file. Step
// positions follow file order; branch targets reference positions.
func LoadDefinitionFile(path string) (models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "read %s", path)
	}
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "parse %s", path)
	}

	wf := models.WorkflowDefinition{
		TenantID:    file.TenantID,
		Name:        file.Name,
		TriggerKind: models.TriggerKind(file.Trigger.Kind),
		Active:      true,
	}
	if file.Trigger.Field != "" {
		cfg, err := json.Marshal(models.TriggerPredicate{
			Field:    file.Trigger.Field,
			Operator: file.Trigger.Operator,
			Value:    file.Trigger.Value,
		})
		if err != nil {
			return models.WorkflowDefinition{}, err
		}
		wf.TriggerConfig = cfg
	}

	for i, st := range file.Steps {
		cfg, err := json.Marshal(st.Config)
		if err != nil {
			return models.WorkflowDefinition{}, errors.Wrapf(err, "step %q config", st.Name)
		}
		wf.Steps = append(wf.Steps, models.WorkflowStep{
			Name:          st.Name,
			Kind:          models.StepKind(st.Kind),
			Position:      i,
			Config:        cfg,
			TruePosition:  st.TruePosition,
			FalsePosition: st.FalsePosition,
		})
	}
	return wf, nil
}
