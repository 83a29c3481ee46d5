package jobs

import (
	"time"
)

type Job struct {
	ID               string                 `json:"id"`
	WorkspaceID      string                 `json:"workspace_id"`
	ProjectID        string                 `json:"project_id,omitempty"`
	Type             string                 `json:"type"`
	Key              string                 `json:"key"`
	Priority         int                    `json:"priority"`
	State            State                  `json:"state"`
	StateGroup       StateGroup             `json:"state_group"`
	Message          string                 `json:"message,omitempty"`
	StepDetails      []StepDetail           `json:"step_details"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Author           string                 `json:"author"`
	CreationTime     time.Time              `json:"creation_time"`
	StartTime        *time.Time             `json:"start_time,omitempty"`
	EndTime          *time.Time             `json:"end_time,omitempty"`
	CancellationInfo CancellationInfo       `json:"cancellation_info"`
	Executions       Executions             `json:"executions"`
	GPU              *GPURequest            `json:"gpu,omitempty"`
	Cost             *Cost                  `json:"cost,omitempty"`
}

type StepDetail struct {
	Index     int        `json:"index"`
	NodeID    string     `json:"node_id,omitempty"`
	Name      string     `json:"name"`
	State     State      `json:"state"`
	Progress  float64    `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Warning   string     `json:"warning,omitempty"`
	Branch    string     `json:"branch,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

type CancellationInfo struct {
	Cancellable bool       `json:"cancellable"`
	IsCancelled bool       `json:"is_cancelled"`
	UserID      string     `json:"user_id,omitempty"`
	RequestTime *time.Time `json:"request_time,omitempty"`
	CancelTime  *time.Time `json:"cancel_time,omitempty"`
	DeleteJob   bool       `json:"delete_job"`
	// CancelingAt is the cancellation loop's lock marker.
	CancelingAt *time.Time `json:"-"`
}

type ExecutionType string

const (
	ExecutionMain   ExecutionType = "main"
	ExecutionRevert ExecutionType = "revert"
)

type ExecutionInfo struct {
	LaunchPlanID       string     `json:"launch_plan_id,omitempty"`
	ExecutionID        string     `json:"execution_id,omitempty"`
	StartRetryCounter  int        `json:"start_retry_counter"`
	CancelRetryCounter int        `json:"cancel_retry_counter"`
	ProcessStartTime   *time.Time `json:"process_start_time,omitempty"`
}

type Executions struct {
	Main   ExecutionInfo  `json:"main"`
	Revert *ExecutionInfo `json:"revert,omitempty"`
}

type GPUState string

const (
	GPUWaiting  GPUState = "WAITING"
	GPUReserved GPUState = "RESERVED"
	GPUReleased GPUState = "RELEASED"
)

type GPURequest struct {
	NumRequired int      `json:"num_required"`
	State       GPUState `json:"state"`
}

type CostRequest struct {
	Amount int    `json:"amount" yaml:"amount"`
	Unit   string `json:"unit" yaml:"unit"`
}

type ConsumedResource struct {
	Amount     int       `json:"amount"`
	Unit       string    `json:"unit"`
	ConsumedAt time.Time `json:"consumed_at"`
	Service    string    `json:"service"`
}

type Cost struct {
	Requests []CostRequest      `json:"requests"`
	LeaseID  string             `json:"lease_id,omitempty"`
	Consumed []ConsumedResource `json:"consumed,omitempty"`
	Reported bool               `json:"reported"`
}

// HasMainExecution reports whether a remote main execution was recorded.
func (j *Job) HasMainExecution() bool {
	return j.Executions.Main.ExecutionID != ""
}

// StartInFlight reports whether a replica currently holds the start marker.
func (j *Job) StartInFlight() bool {
	return j.Executions.Main.ProcessStartTime != nil && !j.HasMainExecution()
}
