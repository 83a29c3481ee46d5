package jobs

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type WorkflowRef struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

type JobType struct {
	Type            string        `yaml:"type" json:"type"`
	Workflow        WorkflowRef   `yaml:"workflow" json:"workflow"`
	RevertWorkflow  *WorkflowRef  `yaml:"revert_workflow,omitempty" json:"revert_workflow,omitempty"`
	Cancellable     bool          `yaml:"cancellable" json:"cancellable"`
	DefaultPriority int           `yaml:"priority" json:"priority"`
	GPUs            int           `yaml:"gpus" json:"gpus"`
	Cost            []CostRequest `yaml:"cost,omitempty" json:"cost,omitempty"`
	KeyParams       []string      `yaml:"key_params,omitempty" json:"key_params,omitempty"`
	ProjectScoped   bool          `yaml:"project_scoped" json:"project_scoped"`
}

type registryFile struct {
	JobTypes []JobType `yaml:"job_types"`
}

// Registry maps a job type tag to the workflow it runs and its
// scheduling defaults.
type Registry struct {
	types map[string]JobType
}

func NewRegistry(types ...JobType) (*Registry, error) {
	r := &Registry{types: make(map[string]JobType, len(types))}
	for _, jt := range types {
		if jt.Type == "" {
			return nil, fmt.Errorf("job type without a name")
		}
		if jt.Workflow.Name == "" {
			return nil, fmt.Errorf("job type %s: workflow name is required", jt.Type)
		}
		if _, dup := r.types[jt.Type]; dup {
			return nil, fmt.Errorf("job type %s declared twice", jt.Type)
		}
		r.types[jt.Type] = jt
	}
	return r, nil
}

// LoadRegistry reads a YAML registry. An empty path yields DefaultRegistry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading job types: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parsing job types: %w", err)
	}
	if len(file.JobTypes) == 0 {
		return nil, fmt.Errorf("no job types configured in %s", path)
	}
	return NewRegistry(file.JobTypes...)
}

func DefaultRegistry() *Registry {
	r, _ := NewRegistry(
		JobType{
			Type:           "train",
			Workflow:       WorkflowRef{Name: "train_workflow", Version: "v1"},
			RevertWorkflow: &WorkflowRef{Name: "revert_train_workflow", Version: "v1"},
			Cancellable:    true,
			GPUs:           1,
			Cost:           []CostRequest{{Amount: 1, Unit: "training_job"}},
			KeyParams:      []string{"task_id"},
			ProjectScoped:  true,
		},
		JobType{
			Type:          "test",
			Workflow:      WorkflowRef{Name: "test_workflow", Version: "v1"},
			Cancellable:   true,
			GPUs:          1,
			KeyParams:     []string{"model_id", "dataset_id"},
			ProjectScoped: true,
		},
		JobType{
			Type:          "optimize_pot",
			Workflow:      WorkflowRef{Name: "optimize_pot_workflow", Version: "v1"},
			Cancellable:   true,
			KeyParams:     []string{"model_id"},
			ProjectScoped: true,
		},
		JobType{
			Type:        "export_dataset",
			Workflow:    WorkflowRef{Name: "export_dataset_workflow", Version: "v1"},
			Cancellable: true,
			KeyParams:   []string{"dataset_id", "format"},
		},
	)
	return r
}

func (r *Registry) Lookup(jobType string) (JobType, bool) {
	jt, ok := r.types[jobType]
	return jt, ok
}

func (r *Registry) Types() []JobType {
	out := make([]JobType, 0, len(r.types))
	for _, jt := range r.types {
		out = append(out, jt)
	}
	return out
}
