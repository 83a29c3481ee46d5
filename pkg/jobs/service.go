package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/observability/metrics"
)

const eventSource = "jobs-service"

// DuplicatePolicy decides what Submit does when a live job holds the key.
type DuplicatePolicy string

const (
	DuplicateReject         DuplicatePolicy = "reject"
	DuplicateReturnExisting DuplicatePolicy = "existing"
)

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case "", DuplicateReject:
		return DuplicateReject, nil
	case DuplicateReturnExisting:
		return DuplicateReturnExisting, nil
	}
	return "", fmt.Errorf("%w: unknown duplicate policy %q", ErrInvalidRequest, s)
}

type SubmitRequest struct {
	Type        string
	WorkspaceID string
	ProjectID   string
	KeyParams   map[string]interface{}
	Payload     map[string]interface{}
	Metadata    map[string]interface{}
	Author      string
	Priority    *int
	GPUs        *int
	Cost        []CostRequest
	Policy      DuplicatePolicy
}

type SubmitResult struct {
	JobID    string
	Existing bool
}

type ListFilter struct {
	States    []State
	Type      string
	ProjectID string
	Limit     int
}

// Service is the submission gateway and the caller-facing read and
// cancel surface. It never talks to the workflow executor.
type Service struct {
	store    Store
	registry *Registry
	events   EventPublisher
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(store Store, registry *Registry, events EventPublisher, m *metrics.Metrics, log logrus.FieldLogger) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	return &Service{
		store:    store,
		registry: registry,
		events:   events,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InWorkspace returns a service whose reads and writes are confined to
// one workspace.
func (s *Service) InWorkspace(workspaceID string) *Service {
	scoped := *s
	scoped.store = s.store.Scoped(Fields{ColWorkspaceID: workspaceID})
	return &scoped
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Submit records a new SUBMITTED job. It does not start anything; the
// scheduler picks the job up on its next pass.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	job, err := s.newJob(req)
	if err != nil {
		s.metrics.Submitted(req.Type, "rejected")
		return SubmitResult{}, err
	}

	// A duplicate whose holder left the live set before we could read it
	// back is a race with that holder finishing; one more insert settles it.
	for attempt := 0; attempt < 2; attempt++ {
		err = s.store.Insert(ctx, job)
		if err == nil {
			s.metrics.Submitted(job.Type, "accepted")
			s.log.WithFields(logrus.Fields{
				"job_id":   job.ID,
				"job_type": job.Type,
				"priority": job.Priority,
			}).Info("job submitted")
			Publish(ctx, s.events, s.log, eventSource, EventJobSubmitted, job, nil)
			return SubmitResult{JobID: job.ID}, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return SubmitResult{}, fmt.Errorf("persisting job: %w", err)
		}
		s.metrics.Submitted(job.Type, "duplicate")
		if req.Policy != DuplicateReturnExisting {
			return SubmitResult{}, err
		}
		existing, ferr := s.findLive(ctx, job.Key)
		if ferr == nil {
			return SubmitResult{JobID: existing.ID, Existing: true}, nil
		}
		if !errors.Is(ferr, ErrJobNotFound) {
			return SubmitResult{}, ferr
		}
	}
	return SubmitResult{}, err
}

func (s *Service) newJob(req SubmitRequest) (*Job, error) {
	jt, ok := s.registry.Lookup(req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, req.Type)
	}
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace_id is required", ErrInvalidRequest)
	}
	if jt.ProjectScoped && req.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id is required for %s jobs", ErrInvalidRequest, jt.Type)
	}
	for _, p := range jt.KeyParams {
		if _, ok := req.KeyParams[p]; !ok {
			return nil, fmt.Errorf("%w: key parameter %s is required for %s jobs", ErrInvalidRequest, p, jt.Type)
		}
	}

	key, err := ComputeKey(jt.Type, req.WorkspaceID, req.ProjectID, req.KeyParams)
	if err != nil {
		return nil, err
	}

	priority := jt.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	gpus := jt.GPUs
	if req.GPUs != nil {
		if *req.GPUs < 0 {
			return nil, fmt.Errorf("%w: gpus must not be negative", ErrInvalidRequest)
		}
		gpus = *req.GPUs
	}
	costs := jt.Cost
	if len(req.Cost) > 0 {
		costs = req.Cost
	}

	payload := make(map[string]interface{}, len(req.Payload)+len(req.KeyParams))
	for k, v := range req.Payload {
		payload[k] = v
	}
	for k, v := range req.KeyParams {
		if _, ok := payload[k]; !ok {
			payload[k] = v
		}
	}

	job := &Job{
		ID:           uuid.NewString(),
		WorkspaceID:  req.WorkspaceID,
		ProjectID:    req.ProjectID,
		Type:         jt.Type,
		Key:          key,
		Priority:     priority,
		State:        StateSubmitted,
		Payload:      payload,
		Metadata:     req.Metadata,
		Author:       req.Author,
		CreationTime: s.now(),
		CancellationInfo: CancellationInfo{
			Cancellable: jt.Cancellable,
		},
	}
	if gpus > 0 {
		job.GPU = &GPURequest{NumRequired: gpus, State: GPUWaiting}
	}
	if len(costs) > 0 {
		job.Cost = &Cost{Requests: append([]CostRequest(nil), costs...)}
	}
	return job, nil
}

// findLive returns the job currently holding key in the duplicate domain.
func (s *Service) findLive(ctx context.Context, key string) (*Job, error) {
	job, err := s.store.FindOne(ctx, Fields{ColKey: key, ColState: InProgressStates}, Latest)
	if err == nil || !errors.Is(err, ErrJobNotFound) {
		return job, err
	}
	return s.store.FindOne(ctx, Fields{
		ColKey:         key,
		ColState:       StateSubmitted,
		ColIsCancelled: false,
	}, Latest)
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	f := Fields{}
	if len(filter.States) > 0 {
		f[ColState] = filter.States
	}
	if filter.Type != "" {
		f[ColType] = filter.Type
	}
	if filter.ProjectID != "" {
		f[ColProjectID] = filter.ProjectID
	}
	return s.store.Find(ctx, f, Latest, filter.Limit)
}

// RequestCancel flags a job for cancellation. The cancellation loop does
// the actual work. A terminal job is left alone, except that deleteJob
// still marks it for removal.
func (s *Service) RequestCancel(ctx context.Context, id, userID string, deleteJob bool) (*Job, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return s.markForDeletion(ctx, job, deleteJob)
	}
	if !job.CancellationInfo.Cancellable {
		return nil, fmt.Errorf("%w: %s jobs are not cancellable", ErrNotCancellable, job.Type)
	}

	now := s.now()
	patch := Fields{
		ColIsCancelled:       true,
		ColCancelUserID:      userID,
		ColCancelRequestTime: now,
	}
	if deleteJob {
		patch[ColDeleteJob] = true
	}
	ok, err := s.store.Update(ctx, id, Fields{
		ColState:       NonTerminalStates(),
		ColCancellable: true,
	}, patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Reached a terminal state in the meantime.
		job, err = s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.markForDeletion(ctx, job, deleteJob)
	}

	job.CancellationInfo.IsCancelled = true
	job.CancellationInfo.UserID = userID
	job.CancellationInfo.RequestTime = &now
	job.CancellationInfo.DeleteJob = job.CancellationInfo.DeleteJob || deleteJob
	s.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"state":  job.State.String(),
		"user":   userID,
		"delete": deleteJob,
	}).Info("job cancellation requested")
	Publish(ctx, s.events, s.log, eventSource, EventJobCancelRequested, job, map[string]interface{}{
		"user_id":    userID,
		"delete_job": deleteJob,
	})
	return job, nil
}

// CancelType flags every active job of one type for cancellation and
// returns how many were flagged. The cancellation loop finds them by
// polling, so no per-job event is published.
func (s *Service) CancelType(ctx context.Context, jobType, userID string) (int64, error) {
	jt, ok := s.registry.Lookup(jobType)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if !jt.Cancellable {
		return 0, fmt.Errorf("%w: %s jobs are not cancellable", ErrNotCancellable, jt.Type)
	}
	n, err := s.store.UpdateMany(ctx, Fields{
		ColType:        jt.Type,
		ColState:       NonTerminalStates(),
		ColCancellable: true,
		ColIsCancelled: false,
	}, Fields{
		ColIsCancelled:       true,
		ColCancelUserID:      userID,
		ColCancelRequestTime: s.now(),
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{
		"job_type": jt.Type,
		"user":     userID,
		"count":    n,
	}).Info("job type cancellation requested")
	return n, nil
}

// Delete cancels the job if it is still running and marks it for removal
// once it has settled.
func (s *Service) Delete(ctx context.Context, id, userID string) (*Job, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.State.Terminal() && !job.CancellationInfo.Cancellable {
		return nil, fmt.Errorf("%w: %s jobs cannot be deleted while active", ErrNotCancellable, job.Type)
	}
	return s.RequestCancel(ctx, id, userID, true)
}

func (s *Service) markForDeletion(ctx context.Context, job *Job, deleteJob bool) (*Job, error) {
	if !deleteJob || job.CancellationInfo.DeleteJob {
		return job, nil
	}
	if _, err := s.store.Update(ctx, job.ID, Fields{ColState: job.State}, Fields{ColDeleteJob: true}); err != nil {
		return nil, err
	}
	job.CancellationInfo.DeleteJob = true
	return job, nil
}
