package models

import (
	"time"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // job_submitted, job_cancel_requested, job_state_changed
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Jobs API
type SubmitJobRequest struct {
	Type        string                 `json:"type"`
	ProjectID   string                 `json:"project_id,omitempty"`
	KeyParams   map[string]interface{} `json:"key_params"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
	GPUs        *int                   `json:"gpus,omitempty"`
	Cost        []CostRequest          `json:"cost,omitempty"` // replaces the job type's default cost
	OnDuplicate string                 `json:"on_duplicate,omitempty"` // reject, existing
}

type CostRequest struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

type SubmitJobResponse struct {
	JobID    string `json:"job_id"`
	Existing bool   `json:"existing"`
}

type CancelJobRequest struct {
	DeleteJob bool `json:"delete_job"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}
