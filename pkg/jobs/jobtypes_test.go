package jobs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRegistryFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job_types.yaml")
	content := `
job_types:
  - type: train
    workflow: {name: train_wf, version: v3}
    revert_workflow: {name: revert_train_wf, version: v1}
    cancellable: true
    priority: 10
    gpus: 2
    cost:
      - {amount: 1, unit: training_job}
    key_params: [task_id]
    project_scoped: true
  - type: export
    workflow: {name: export_wf, version: v1}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	train, ok := reg.Lookup("train")
	if !ok {
		t.Fatal("expected train job type")
	}
	if train.Workflow.Version != "v3" || train.RevertWorkflow == nil || train.RevertWorkflow.Name != "revert_train_wf" {
		t.Fatalf("unexpected workflows %+v", train)
	}
	if train.DefaultPriority != 10 || train.GPUs != 2 || len(train.Cost) != 1 || train.Cost[0].Unit != "training_job" {
		t.Fatalf("unexpected defaults %+v", train)
	}
	export, _ := reg.Lookup("export")
	if export.Cancellable || export.RevertWorkflow != nil {
		t.Fatalf("unexpected export type %+v", export)
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	jt := JobType{Type: "train", Workflow: WorkflowRef{Name: "wf"}}
	if _, err := NewRegistry(jt, jt); err == nil {
		t.Fatal("expected duplicate job type error")
	}
	if _, err := NewRegistry(JobType{Type: "train"}); err == nil {
		t.Fatal("expected missing workflow error")
	}
}

func TestLoadRegistryDefault(t *testing.T) {
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("load default registry: %v", err)
	}
	if _, ok := reg.Lookup("train"); !ok {
		t.Fatal("default registry should define train")
	}
}
