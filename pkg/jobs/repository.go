package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Column names accepted in Fields filters and patches.
const (
	ColID                    = "id"
	ColWorkspaceID           = "workspace_id"
	ColProjectID             = "project_id"
	ColType                  = "type"
	ColKey                   = "job_key"
	ColPriority              = "priority"
	ColState                 = "state"
	ColStateGroup            = "state_group"
	ColMessage               = "message"
	ColAuthor                = "author"
	ColStartTime             = "start_time"
	ColEndTime               = "end_time"
	ColCancellable           = "cancellable"
	ColIsCancelled           = "is_cancelled"
	ColCancelUserID          = "cancel_user_id"
	ColCancelRequestTime     = "cancel_request_time"
	ColCancelTime            = "cancel_time"
	ColDeleteJob             = "delete_job"
	ColCancelingAt           = "canceling_at"
	ColMainLaunchPlanID      = "main_launch_plan_id"
	ColMainExecutionID       = "main_execution_id"
	ColMainStartRetries      = "main_start_retry_counter"
	ColMainCancelRetries     = "main_cancel_retry_counter"
	ColMainProcessStartTime  = "main_process_start_time"
	ColRevertLaunchPlanID    = "revert_launch_plan_id"
	ColRevertExecutionID     = "revert_execution_id"
	ColRevertStartRetries    = "revert_start_retry_counter"
	ColRevertCancelRetries   = "revert_cancel_retry_counter"
	ColRevertProcessStart    = "revert_process_start_time"
	ColGPUNumRequired        = "gpu_num_required"
	ColGPUState              = "gpu_state"
	ColCostRequired          = "cost_required"
	ColCostLeaseID           = "cost_lease_id"
	ColCostConsumed          = "cost_consumed"
	ColCostReported          = "cost_reported"
)

// Fields is an equality filter or a partial update over job columns.
// In filters a slice value matches with IN and an untyped nil with IS NULL.
type Fields map[string]interface{}

// Order selects the creation-order tie-break of FindOne and Find.
type Order int

const (
	AnyOrder Order = iota
	Latest
	Earliest
)

var ErrIllegalTransition = errors.New("illegal job state transition")

// Store is the job persistence surface. There is deliberately no Save:
// every write is an atomic Insert or a conditional Update.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	Update(ctx context.Context, id string, expect, patch Fields) (bool, error)
	UpdateMany(ctx context.Context, filter, patch Fields) (int64, error)
	UpdateStep(ctx context.Context, id string, step StepDetail) (bool, error)
	EnsureSteps(ctx context.Context, id string, steps []StepDetail) error
	FindOne(ctx context.Context, filter Fields, order Order) (*Job, error)
	Find(ctx context.Context, filter Fields, order Order, limit int) ([]*Job, error)
	ListSchedulable(ctx context.Context, limit int) ([]*Job, error)
	Count(ctx context.Context, filter Fields) (int64, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	DeleteFlagged(ctx context.Context, id string) (bool, error)
	ResetStaleStarts(ctx context.Context, olderThan time.Time) (int64, error)
	ResetStaleCancelLocks(ctx context.Context, olderThan time.Time) (int64, error)
	Scoped(f Fields) Store
}

type jobModel struct {
	ID                       string         `gorm:"primaryKey;column:id;type:varchar(36)"`
	WorkspaceID              string         `gorm:"column:workspace_id;index"`
	ProjectID                string         `gorm:"column:project_id;index"`
	Type                     string         `gorm:"column:type;index"`
	Key                      string         `gorm:"column:job_key;not null;index"`
	Priority                 int            `gorm:"column:priority"`
	State                    State          `gorm:"column:state;not null;index"`
	StateGroup               string         `gorm:"column:state_group;index"`
	Message                  string         `gorm:"column:message"`
	Payload                  datatypes.JSON `gorm:"column:payload"`
	Metadata                 datatypes.JSON `gorm:"column:metadata"`
	Author                   string         `gorm:"column:author"`
	CreationTime             time.Time      `gorm:"column:creation_time;index"`
	StartTime                *time.Time     `gorm:"column:start_time"`
	EndTime                  *time.Time     `gorm:"column:end_time"`
	Cancellable              bool           `gorm:"column:cancellable"`
	IsCancelled              bool           `gorm:"column:is_cancelled;index"`
	CancelUserID             string         `gorm:"column:cancel_user_id"`
	CancelRequestTime        *time.Time     `gorm:"column:cancel_request_time"`
	CancelTime               *time.Time     `gorm:"column:cancel_time"`
	DeleteJob                bool           `gorm:"column:delete_job"`
	CancelingAt              *time.Time     `gorm:"column:canceling_at"`
	MainLaunchPlanID         string         `gorm:"column:main_launch_plan_id"`
	MainExecutionID          *string        `gorm:"column:main_execution_id"`
	MainStartRetryCounter    int            `gorm:"column:main_start_retry_counter"`
	MainCancelRetryCounter   int            `gorm:"column:main_cancel_retry_counter"`
	MainProcessStartTime     *time.Time     `gorm:"column:main_process_start_time"`
	RevertLaunchPlanID       string         `gorm:"column:revert_launch_plan_id"`
	RevertExecutionID        *string        `gorm:"column:revert_execution_id"`
	RevertStartRetryCounter  int            `gorm:"column:revert_start_retry_counter"`
	RevertCancelRetryCounter int            `gorm:"column:revert_cancel_retry_counter"`
	RevertProcessStartTime   *time.Time     `gorm:"column:revert_process_start_time"`
	GPUNumRequired           int            `gorm:"column:gpu_num_required"`
	GPUState                 string         `gorm:"column:gpu_state"`
	CostRequired             bool           `gorm:"column:cost_required"`
	CostRequests             datatypes.JSON `gorm:"column:cost_requests"`
	CostLeaseID              string         `gorm:"column:cost_lease_id"`
	CostConsumed             datatypes.JSON `gorm:"column:cost_consumed"`
	CostReported             bool           `gorm:"column:cost_reported"`
	UpdatedAt                time.Time      `gorm:"column:updated_at"`
}

func (jobModel) TableName() string { return "jobs" }

type stepModel struct {
	JobID     string     `gorm:"primaryKey;column:job_id;type:varchar(36)"`
	Index     int        `gorm:"primaryKey;autoIncrement:false;column:step_index"`
	NodeID    string     `gorm:"column:node_id"`
	Name      string     `gorm:"column:name"`
	State     State      `gorm:"column:state"`
	Progress  float64    `gorm:"column:progress"`
	Message   string     `gorm:"column:message"`
	Warning   string     `gorm:"column:warning"`
	Branch    string     `gorm:"column:branch"`
	StartTime *time.Time `gorm:"column:start_time"`
	EndTime   *time.Time `gorm:"column:end_time"`
}

func (stepModel) TableName() string { return "job_steps" }

// The live-key index covers both halves of the duplicate rule: a
// non-cancelled SUBMITTED job and any job in [READY_FOR_SCHEDULING, FINISHED)
// share one uniqueness domain, so a submission collides with either.
var partialIndexes = []string{
	fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_live_key ON jobs (job_key)
		WHERE (state = %d AND is_cancelled = false) OR state IN (%d, %d, %d)`,
		StateSubmitted, StateReadyForScheduling, StateScheduled, StateRunning),
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_main_execution ON jobs (main_execution_id)
		WHERE main_execution_id IS NOT NULL`,
}

type Repository struct {
	db    *gorm.DB
	scope Fields
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(&jobModel{}, &stepModel{}); err != nil {
		return err
	}
	for _, ddl := range partialIndexes {
		if err := r.db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("creating job indexes: %w", err)
		}
	}
	return nil
}

// Scoped returns a view of the repository in which every query is
// additionally filtered by f, e.g. the caller's workspace.
func (r *Repository) Scoped(f Fields) Store {
	merged := make(Fields, len(r.scope)+len(f))
	for k, v := range r.scope {
		merged[k] = v
	}
	for k, v := range f {
		merged[k] = v
	}
	return &Repository{db: r.db, scope: merged}
}

func (r *Repository) query(ctx context.Context) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&jobModel{})
	if len(r.scope) > 0 {
		q = q.Where(map[string]interface{}(r.scope))
	}
	return q
}

func (r *Repository) Insert(ctx context.Context, job *Job) error {
	if job.Key == "" {
		return fmt.Errorf("%w: job key is required", ErrInvalidRequest)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreationTime.IsZero() {
		job.CreationTime = time.Now().UTC()
	}
	job.StateGroup = job.State.Group()

	row, err := fromDomain(job)
	if err != nil {
		return err
	}
	steps := stepsFromDomain(job.ID, job.StepDetails)

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if len(steps) > 0 {
			return tx.Create(&steps).Error
		}
		return nil
	})
	if isUniqueViolation(err) {
		return &DuplicateKeyError{Key: job.Key, ExecutionID: job.Executions.Main.ExecutionID}
	}
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, id string, expect, patch Fields) (bool, error) {
	expect, patch, err := guardTransition(expect, patch)
	if err != nil {
		return false, err
	}
	q := r.query(ctx).Where("id = ?", id)
	if len(expect) > 0 {
		q = q.Where(map[string]interface{}(expect))
	}
	res := q.Updates(map[string]interface{}(patch))
	if isUniqueViolation(res.Error) {
		// Entering the live key window or recording an execution id that
		// another job already holds.
		return false, fmt.Errorf("updating job %s: %w", id, ErrDuplicateKey)
	}
	if res.Error != nil {
		return false, fmt.Errorf("updating job %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) UpdateMany(ctx context.Context, filter, patch Fields) (int64, error) {
	if len(filter) == 0 && len(r.scope) == 0 {
		return 0, fmt.Errorf("%w: bulk update without a filter", ErrInvalidRequest)
	}
	filter, patch, err := guardTransition(filter, patch)
	if err != nil {
		return 0, err
	}
	res := r.query(ctx).Where(map[string]interface{}(filter)).Updates(map[string]interface{}(patch))
	if res.Error != nil {
		return 0, fmt.Errorf("updating jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateStep applies a progress report to one step. A report that would
// lower the progress of a step whose state is unchanged is ignored.
func (r *Repository) UpdateStep(ctx context.Context, id string, step StepDetail) (bool, error) {
	patch := map[string]interface{}{
		"state":    step.State,
		"progress": step.Progress,
		"message":  step.Message,
		"warning":  step.Warning,
	}
	if step.StartTime != nil {
		patch["start_time"] = *step.StartTime
	}
	if step.EndTime != nil {
		patch["end_time"] = *step.EndTime
	}
	q := r.db.WithContext(ctx).Model(&stepModel{}).
		Where("job_id = ? AND step_index = ?", id, step.Index).
		Where("state <> ? OR progress <= ?", step.State, step.Progress)
	if len(r.scope) > 0 {
		q = q.Where("job_id IN (?)", r.query(ctx).Select("id").Where("id = ?", id))
	}
	res := q.Updates(patch)
	if res.Error != nil {
		return false, fmt.Errorf("updating step %d of job %s: %w", step.Index, id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// EnsureSteps inserts the steps not yet recorded for the job. Existing
// steps keep their progress.
func (r *Repository) EnsureSteps(ctx context.Context, id string, steps []StepDetail) error {
	rows := stepsFromDomain(id, steps)
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("recording steps of job %s: %w", id, err)
	}
	return nil
}

func (r *Repository) FindOne(ctx context.Context, filter Fields, order Order) (*Job, error) {
	found, err := r.Find(ctx, filter, order, 1)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrJobNotFound
	}
	return found[0], nil
}

func (r *Repository) Find(ctx context.Context, filter Fields, order Order, limit int) ([]*Job, error) {
	q := r.query(ctx)
	if len(filter) > 0 {
		q = q.Where(map[string]interface{}(filter))
	}
	switch order {
	case Latest:
		q = q.Order("creation_time DESC").Order("id DESC")
	case Earliest:
		q = q.Order("creation_time ASC").Order("id ASC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []jobModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("finding jobs: %w", err)
	}
	return r.withSteps(ctx, rows)
}

// ListSchedulable returns the scheduler's candidates: pending jobs and
// claimed jobs whose start failed and awaits a retry. Higher priority
// first, then older first.
func (r *Repository) ListSchedulable(ctx context.Context, limit int) ([]*Job, error) {
	q := r.query(ctx).
		Where("is_cancelled = ?", false).
		Where(r.db.Where("state IN ?", PendingStates).
			Or("state = ? AND main_execution_id IS NULL AND main_process_start_time IS NULL", StateScheduled)).
		Order("priority DESC").Order("creation_time ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []jobModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing schedulable jobs: %w", err)
	}
	return r.withSteps(ctx, rows)
}

func (r *Repository) Count(ctx context.Context, filter Fields) (int64, error) {
	q := r.query(ctx)
	if len(filter) > 0 {
		q = q.Where(map[string]interface{}(filter))
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Job, error) {
	return r.FindOne(ctx, Fields{ColID: id}, AnyOrder)
}

// DeleteFlagged physically removes a terminal job flagged delete_job.
// It is the only delete path; lifecycle code never removes records.
func (r *Repository) DeleteFlagged(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&jobModel{}).Where("id = ? AND delete_job = ? AND state IN ?", id, true, TerminalStates)
		if len(r.scope) > 0 {
			q = q.Where(map[string]interface{}(r.scope))
		}
		res := q.Delete(&jobModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Where("job_id = ?", id).Delete(&stepModel{}).Error
	})
	if err != nil {
		return false, fmt.Errorf("deleting job %s: %w", id, err)
	}
	return deleted, nil
}

// ResetStaleStarts releases start markers held longer than the timeout
// by a replica that never recorded an execution. The abandoned attempt
// counts against the start retry budget.
func (r *Repository) ResetStaleStarts(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.query(ctx).
		Where("state = ? AND main_execution_id IS NULL AND main_process_start_time < ?", StateScheduled, olderThan).
		Updates(map[string]interface{}{
			ColMainProcessStartTime: nil,
			ColMainStartRetries:     gorm.Expr(ColMainStartRetries + " + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("resetting stale starts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ResetStaleCancelLocks clears cancel locks older than olderThan. The
// holder may have reached the executor, so the attempt is counted.
func (r *Repository) ResetStaleCancelLocks(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.query(ctx).
		Where("canceling_at < ?", olderThan).
		Updates(map[string]interface{}{
			ColCancelingAt:       nil,
			ColMainCancelRetries: gorm.Expr(ColMainCancelRetries + " + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("resetting stale cancel locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repository) withSteps(ctx context.Context, rows []jobModel) ([]*Job, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	var steps []stepModel
	err := r.db.WithContext(ctx).Where("job_id IN ?", ids).Order("job_id").Order("step_index").Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("loading job steps: %w", err)
	}
	byJob := make(map[string][]StepDetail, len(rows))
	for _, s := range steps {
		byJob[s.JobID] = append(byJob[s.JobID], StepDetail{
			Index:     s.Index,
			NodeID:    s.NodeID,
			Name:      s.Name,
			State:     s.State,
			Progress:  s.Progress,
			Message:   s.Message,
			Warning:   s.Warning,
			Branch:    s.Branch,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
		})
	}
	out := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		job.StepDetails = byJob[job.ID]
		out = append(out, job)
	}
	return out, nil
}

// guardTransition keeps state changes on the lifecycle graph. A patch
// that sets the state without an expected state is restricted to the
// legal predecessors of the new state.
func guardTransition(expect, patch Fields) (Fields, Fields, error) {
	if len(patch) == 0 {
		return nil, nil, fmt.Errorf("%w: empty job patch", ErrInvalidRequest)
	}
	v, ok := patch[ColState]
	if !ok {
		return expect, patch, nil
	}
	to, ok := v.(State)
	if !ok {
		return nil, nil, fmt.Errorf("%w: state patch must be a jobs.State, got %T", ErrInvalidRequest, v)
	}

	e := make(Fields, len(expect)+1)
	for k, val := range expect {
		e[k] = val
	}
	p := make(Fields, len(patch)+1)
	for k, val := range patch {
		p[k] = val
	}
	p[ColStateGroup] = string(to.Group())

	switch from := e[ColState].(type) {
	case nil:
		e[ColState] = Predecessors(to)
	case State:
		if !CanTransition(from, to) {
			return nil, nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
	case []State:
		for _, s := range from {
			if !CanTransition(s, to) {
				return nil, nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
			}
		}
	default:
		return nil, nil, fmt.Errorf("%w: expected state must be a jobs.State, got %T", ErrInvalidRequest, from)
	}
	return e, p, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func fromDomain(job *Job) (*jobModel, error) {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	metadata, err := marshalJSON(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	row := &jobModel{
		ID:                     job.ID,
		WorkspaceID:            job.WorkspaceID,
		ProjectID:              job.ProjectID,
		Type:                   job.Type,
		Key:                    job.Key,
		Priority:               job.Priority,
		State:                  job.State,
		StateGroup:             string(job.State.Group()),
		Message:                job.Message,
		Payload:                payload,
		Metadata:               metadata,
		Author:                 job.Author,
		CreationTime:           job.CreationTime,
		StartTime:              job.StartTime,
		EndTime:                job.EndTime,
		Cancellable:            job.CancellationInfo.Cancellable,
		IsCancelled:            job.CancellationInfo.IsCancelled,
		CancelUserID:           job.CancellationInfo.UserID,
		CancelRequestTime:      job.CancellationInfo.RequestTime,
		CancelTime:             job.CancellationInfo.CancelTime,
		DeleteJob:              job.CancellationInfo.DeleteJob,
		CancelingAt:            job.CancellationInfo.CancelingAt,
		MainLaunchPlanID:       job.Executions.Main.LaunchPlanID,
		MainExecutionID:        nullable(job.Executions.Main.ExecutionID),
		MainStartRetryCounter:  job.Executions.Main.StartRetryCounter,
		MainCancelRetryCounter: job.Executions.Main.CancelRetryCounter,
		MainProcessStartTime:   job.Executions.Main.ProcessStartTime,
	}
	if rv := job.Executions.Revert; rv != nil {
		row.RevertLaunchPlanID = rv.LaunchPlanID
		row.RevertExecutionID = nullable(rv.ExecutionID)
		row.RevertStartRetryCounter = rv.StartRetryCounter
		row.RevertCancelRetryCounter = rv.CancelRetryCounter
		row.RevertProcessStartTime = rv.ProcessStartTime
	}
	if job.GPU != nil {
		row.GPUNumRequired = job.GPU.NumRequired
		row.GPUState = string(job.GPU.State)
	}
	if job.Cost != nil {
		row.CostRequired = true
		if row.CostRequests, err = marshalJSON(job.Cost.Requests); err != nil {
			return nil, fmt.Errorf("encoding cost requests: %w", err)
		}
		if row.CostConsumed, err = marshalJSON(job.Cost.Consumed); err != nil {
			return nil, fmt.Errorf("encoding cost consumption: %w", err)
		}
		row.CostLeaseID = job.Cost.LeaseID
		row.CostReported = job.Cost.Reported
	}
	return row, nil
}

func toDomain(row *jobModel) (*Job, error) {
	job := &Job{
		ID:           row.ID,
		WorkspaceID:  row.WorkspaceID,
		ProjectID:    row.ProjectID,
		Type:         row.Type,
		Key:          row.Key,
		Priority:     row.Priority,
		State:        row.State,
		StateGroup:   row.State.Group(),
		Message:      row.Message,
		Author:       row.Author,
		CreationTime: row.CreationTime,
		StartTime:    row.StartTime,
		EndTime:      row.EndTime,
		CancellationInfo: CancellationInfo{
			Cancellable: row.Cancellable,
			IsCancelled: row.IsCancelled,
			UserID:      row.CancelUserID,
			RequestTime: row.CancelRequestTime,
			CancelTime:  row.CancelTime,
			DeleteJob:   row.DeleteJob,
			CancelingAt: row.CancelingAt,
		},
		Executions: Executions{Main: ExecutionInfo{
			LaunchPlanID:       row.MainLaunchPlanID,
			ExecutionID:        deref(row.MainExecutionID),
			StartRetryCounter:  row.MainStartRetryCounter,
			CancelRetryCounter: row.MainCancelRetryCounter,
			ProcessStartTime:   row.MainProcessStartTime,
		}},
	}
	if err := unmarshalJSON(row.Payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of job %s: %w", row.ID, err)
	}
	if err := unmarshalJSON(row.Metadata, &job.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of job %s: %w", row.ID, err)
	}
	if row.RevertLaunchPlanID != "" || row.RevertExecutionID != nil ||
		row.RevertStartRetryCounter > 0 || row.RevertProcessStartTime != nil {
		job.Executions.Revert = &ExecutionInfo{
			LaunchPlanID:       row.RevertLaunchPlanID,
			ExecutionID:        deref(row.RevertExecutionID),
			StartRetryCounter:  row.RevertStartRetryCounter,
			CancelRetryCounter: row.RevertCancelRetryCounter,
			ProcessStartTime:   row.RevertProcessStartTime,
		}
	}
	if row.GPUNumRequired > 0 || row.GPUState != "" {
		job.GPU = &GPURequest{NumRequired: row.GPUNumRequired, State: GPUState(row.GPUState)}
	}
	if row.CostRequired {
		job.Cost = &Cost{LeaseID: row.CostLeaseID, Reported: row.CostReported}
		if err := unmarshalJSON(row.CostRequests, &job.Cost.Requests); err != nil {
			return nil, fmt.Errorf("decoding cost of job %s: %w", row.ID, err)
		}
		if err := unmarshalJSON(row.CostConsumed, &job.Cost.Consumed); err != nil {
			return nil, fmt.Errorf("decoding cost of job %s: %w", row.ID, err)
		}
	}
	return job, nil
}

func stepsFromDomain(jobID string, steps []StepDetail) []stepModel {
	rows := make([]stepModel, 0, len(steps))
	for _, s := range steps {
		rows = append(rows, stepModel{
			JobID:     jobID,
			Index:     s.Index,
			NodeID:    s.NodeID,
			Name:      s.Name,
			State:     s.State,
			Progress:  s.Progress,
			Message:   s.Message,
			Warning:   s.Warning,
			Branch:    s.Branch,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
		})
	}
	return rows
}

// MarshalCost encodes consumption records for a cost_consumed patch.
func MarshalCost(consumed []ConsumedResource) (datatypes.JSON, error) {
	return marshalJSON(consumed)
}

func marshalJSON(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func unmarshalJSON(b datatypes.JSON, v interface{}) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
