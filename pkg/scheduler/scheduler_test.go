package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/synaptica-ai/jobs/pkg/common/logger"
	"github.com/synaptica-ai/jobs/pkg/credits"
	"github.com/synaptica-ai/jobs/pkg/execution"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/jobs/jobstest"
	"github.com/synaptica-ai/jobs/pkg/resources"
	"github.com/synaptica-ai/jobs/pkg/scheduler"
	"github.com/synaptica-ai/jobs/pkg/workflow"
	"github.com/synaptica-ai/jobs/pkg/workflow/workflowtest"
)

type fakeCredits struct {
	mu      sync.Mutex
	err     error
	leases  []string
	reports map[string][]jobs.ConsumedResource
}

func (f *fakeCredits) AcquireLease(_ context.Context, job *jobs.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := "lease-" + job.ID
	f.leases = append(f.leases, id)
	return id, nil
}

func (f *fakeCredits) ReportConsumption(_ context.Context, leaseID string, consumed []jobs.ConsumedResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reports == nil {
		f.reports = map[string][]jobs.ConsumedResource{}
	}
	f.reports[leaseID] = consumed
	return nil
}

type harness struct {
	repo     *jobs.Repository
	executor *workflowtest.Executor
	adapter  *execution.Adapter
	credits  *fakeCredits
	pool     resources.Pool
	cfg      scheduler.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := jobstest.NewRepository(t)
	exec := workflowtest.New()
	exec.AddWorkflow("train_workflow", "v1", workflow.Node{ID: "n0", Name: "fit", Kind: workflow.NodeTask})
	return &harness{
		repo:     repo,
		executor: exec,
		adapter:  execution.NewAdapter(repo, exec, jobs.DefaultRegistry(), "org-1", nil, logger.Discard()),
		credits:  &fakeCredits{},
		pool:     resources.NewMemoryPool(0),
		cfg:      scheduler.Config{MaxStartRetries: 3, CallTimeout: 5 * time.Second},
	}
}

func (h *harness) scheduler() *scheduler.Scheduler {
	return scheduler.New(h.repo, h.adapter, h.pool, h.credits, nil, nil, logger.Discard(), h.cfg)
}

func trainJob(state jobs.State, gpus int) *jobs.Job {
	job := jobstest.NewJob("train", state)
	if gpus > 0 {
		job.GPU = &jobs.GPURequest{NumRequired: gpus, State: jobs.GPUWaiting}
	}
	job.Cost = &jobs.Cost{Requests: []jobs.CostRequest{{Amount: 1, Unit: "training_job"}}}
	return job
}

func TestSubmittedJobIsAdmittedAndStarted(t *testing.T) {
	h := newHarness(t)
	job := jobstest.Insert(t, h.repo, trainJob(jobs.StateSubmitted, 1))

	if errs := h.scheduler().RunPass(context.Background()); errs != 0 {
		t.Fatalf("expected a clean pass, got %d errors", errs)
	}

	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateScheduled {
		t.Fatalf("expected SCHEDULED, got %s", got.State)
	}
	name := execution.ExecutionName(job.ID, jobs.ExecutionMain)
	if got.Executions.Main.ExecutionID != name || got.Executions.Main.ProcessStartTime == nil {
		t.Fatalf("unexpected main execution %+v", got.Executions.Main)
	}
	if got.GPU.State != jobs.GPUReserved || got.Cost.LeaseID != "lease-"+job.ID {
		t.Fatalf("gates not recorded: gpu=%+v cost=%+v", got.GPU, got.Cost)
	}
	if h.executor.StartCalls(name) != 1 {
		t.Fatalf("expected one start, got %d", h.executor.StartCalls(name))
	}

	// A second pass does not start it again.
	h.scheduler().RunPass(context.Background())
	if h.executor.TotalStartCalls() != 1 {
		t.Fatalf("expected one start in total, got %d", h.executor.TotalStartCalls())
	}
}

func TestHigherPriorityScheduledFirst(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxConcurrentJobs = 1
	low := trainJob(jobs.StateReadyForScheduling, 0)
	low.Priority = 1
	high := trainJob(jobs.StateReadyForScheduling, 0)
	high.Priority = 5
	jobstest.Insert(t, h.repo, low)
	jobstest.Insert(t, h.repo, high)

	h.scheduler().RunPass(context.Background())
	if jobstest.Get(t, h.repo, high.ID).State != jobs.StateScheduled {
		t.Fatal("expected the high priority job to be scheduled")
	}
	if jobstest.Get(t, h.repo, low.ID).State != jobs.StateReadyForScheduling {
		t.Fatal("the concurrency limit should hold the low priority job back")
	}
}

func TestGPUGate(t *testing.T) {
	h := newHarness(t)
	h.pool = resources.NewMemoryPool(1)
	ctx := context.Background()

	tooBig := jobstest.Insert(t, h.repo, trainJob(jobs.StateSubmitted, 2))
	first := jobstest.Insert(t, h.repo, trainJob(jobs.StateSubmitted, 1))
	second := jobstest.Insert(t, h.repo, trainJob(jobs.StateSubmitted, 1))
	s := h.scheduler()

	s.RunPass(ctx)
	if got := jobstest.Get(t, h.repo, tooBig.ID); got.State != jobs.StateFailed || got.Message == "" {
		t.Fatalf("expected an unsatisfiable request to fail, got %s %q", got.State, got.Message)
	}
	if jobstest.Get(t, h.repo, first.ID).State != jobs.StateScheduled {
		t.Fatal("expected the first job to be scheduled")
	}
	if jobstest.Get(t, h.repo, second.ID).State != jobs.StateSubmitted {
		t.Fatal("expected the second job to wait for a gpu")
	}

	ok, err := h.repo.Update(ctx, first.ID, jobs.Fields{jobs.ColState: jobs.StateScheduled}, jobs.Fields{jobs.ColState: jobs.StateFinished})
	if err != nil || !ok {
		t.Fatalf("finish first job: %v %v", ok, err)
	}
	s.RunPass(ctx)
	if got := jobstest.Get(t, h.repo, first.ID); got.GPU.State != jobs.GPUReleased {
		t.Fatalf("expected gpus of a finished job to be released, got %s", got.GPU.State)
	}
	s.RunPass(ctx)
	if jobstest.Get(t, h.repo, second.ID).State != jobs.StateScheduled {
		t.Fatal("expected the second job to be scheduled once the gpu was free")
	}
}

func TestInsufficientCreditsFailsJob(t *testing.T) {
	h := newHarness(t)
	h.credits.err = credits.ErrInsufficientCredits
	job := jobstest.Insert(t, h.repo, trainJob(jobs.StateSubmitted, 0))

	h.scheduler().RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateFailed || got.EndTime == nil {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if h.executor.TotalStartCalls() != 0 {
		t.Fatal("a rejected job must never start")
	}
}

func TestStartRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	h.executor.StartErr = workflow.ErrUnavailable
	job := jobstest.Insert(t, h.repo, trainJob(jobs.StateReadyForScheduling, 0))
	s := h.scheduler()
	ctx := context.Background()

	s.RunPass(ctx)
	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateScheduled || got.Executions.Main.StartRetryCounter != 1 || got.Executions.Main.ProcessStartTime != nil {
		t.Fatalf("expected a released retryable claim, got %s %+v", got.State, got.Executions.Main)
	}

	s.RunPass(ctx)
	s.RunPass(ctx)
	got = jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateFailed || got.Message == "" {
		t.Fatalf("expected FAILED after the retry budget, got %s %q", got.State, got.Message)
	}
	if n := h.executor.TotalStartCalls(); n != 3 {
		t.Fatalf("expected 3 start attempts, got %d", n)
	}

	s.RunPass(ctx)
	if n := h.executor.TotalStartCalls(); n != 3 {
		t.Fatalf("a failed job must not be retried, got %d attempts", n)
	}
}

func TestRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.executor.StartErr = workflow.ErrUnavailable
	job := jobstest.Insert(t, h.repo, trainJob(jobs.StateReadyForScheduling, 0))
	s := h.scheduler()

	s.RunPass(context.Background())
	h.executor.StartErr = nil
	s.RunPass(context.Background())

	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateScheduled || !got.HasMainExecution() {
		t.Fatalf("expected a recorded execution after the retry, got %s %+v", got.State, got.Executions.Main)
	}
}

func TestUnregisteredWorkflowFailsImmediately(t *testing.T) {
	h := newHarness(t)
	job := jobstest.Insert(t, h.repo, jobstest.NewJob("test", jobs.StateReadyForScheduling))

	h.scheduler().RunPass(context.Background())
	if got := jobstest.Get(t, h.repo, job.ID); got.State != jobs.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
}

func TestCancelledJobsAreNotScheduled(t *testing.T) {
	h := newHarness(t)
	job := trainJob(jobs.StateReadyForScheduling, 0)
	job.CancellationInfo.IsCancelled = true
	jobstest.Insert(t, h.repo, job)

	h.scheduler().RunPass(context.Background())
	if got := jobstest.Get(t, h.repo, job.ID); got.State != jobs.StateReadyForScheduling {
		t.Fatalf("expected the cancelled job to stay put, got %s", got.State)
	}
	if h.executor.TotalStartCalls() != 0 {
		t.Fatal("a cancelled job must never start")
	}
}

func TestConcurrentSchedulersStartOnce(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, jobstest.Insert(t, h.repo, trainJob(jobs.StateSubmitted, 0)).ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		s := h.scheduler()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunPass(context.Background())
		}()
	}
	wg.Wait()

	for _, id := range ids {
		name := execution.ExecutionName(id, jobs.ExecutionMain)
		if n := h.executor.StartCalls(name); n != 1 {
			t.Fatalf("job %s started %d times", id, n)
		}
		if got := jobstest.Get(t, h.repo, id); got.Executions.Main.ExecutionID != name {
			t.Fatalf("job %s has no recorded execution", id)
		}
	}
}

func TestStaleStartIsRetried(t *testing.T) {
	h := newHarness(t)
	job := trainJob(jobs.StateScheduled, 0)
	stale := time.Now().UTC().Add(-time.Hour)
	job.Executions.Main.ProcessStartTime = &stale
	jobstest.Insert(t, h.repo, job)

	h.scheduler().RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if !got.HasMainExecution() || got.Executions.Main.StartRetryCounter != 1 {
		t.Fatalf("expected the abandoned start to be retried, got %+v", got.Executions.Main)
	}
}

func TestFinalizeReportsCost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	finished := trainJob(jobs.StateFinished, 0)
	finished.Cost.LeaseID = "lease-a"
	cancelled := trainJob(jobs.StateCancelled, 0)
	cancelled.Cost.LeaseID = "lease-b"
	jobstest.Insert(t, h.repo, finished)
	jobstest.Insert(t, h.repo, cancelled)

	h.scheduler().RunPass(ctx)

	if got := h.credits.reports["lease-a"]; len(got) != 1 || got[0].Amount != 1 {
		t.Fatalf("expected the finished job to report its requests, got %+v", got)
	}
	if got, ok := h.credits.reports["lease-b"]; !ok || len(got) != 0 {
		t.Fatalf("expected an empty report for the cancelled job, got %+v", got)
	}
	for _, id := range []string{finished.ID, cancelled.ID} {
		if !jobstest.Get(t, h.repo, id).Cost.Reported {
			t.Fatalf("job %s cost not marked reported", id)
		}
	}
	if got := jobstest.Get(t, h.repo, finished.ID).Cost.Consumed; len(got) != 1 {
		t.Fatalf("expected consumption to be stored, got %+v", got)
	}
}

// hangingStarter never answers before its context ends.
type hangingStarter struct {
	mu    sync.Mutex
	calls int
}

func (s *hangingStarter) Start(ctx context.Context, _ *jobs.Job) (*workflow.Execution, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimedOutStartIsCountedAndRetried(t *testing.T) {
	h := newHarness(t)
	h.cfg.CallTimeout = 200 * time.Millisecond
	starter := &hangingStarter{}
	sched := scheduler.New(h.repo, starter, h.pool, h.credits, nil, nil, logger.Discard(), h.cfg)
	job := jobstest.Insert(t, h.repo, trainJob(jobs.StateReadyForScheduling, 0))

	sched.RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateScheduled || got.Executions.Main.ProcessStartTime != nil || got.Executions.Main.StartRetryCounter != 1 {
		t.Fatalf("expected a released marker and one counted attempt, got %s %+v", got.State, got.Executions.Main)
	}

	sched.RunPass(context.Background())
	sched.RunPass(context.Background())
	got = jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateFailed || got.Executions.Main.StartRetryCounter != 3 {
		t.Fatalf("expected FAILED after 3 timed out starts, got %s %+v", got.State, got.Executions.Main)
	}
	if starter.calls != 3 {
		t.Fatalf("expected 3 start attempts, got %d", starter.calls)
	}
}

func TestRestoredReservationsGateNewJobs(t *testing.T) {
	h := newHarness(t)
	pool := resources.NewMemoryPool(1)
	h.pool = pool
	running := trainJob(jobs.StateRunning, 1)
	running.GPU.State = jobs.GPUReserved
	jobstest.Insert(t, h.repo, running)
	jobstest.Insert(t, h.repo, trainJob(jobs.StateFinished, 1))
	waiting := jobstest.Insert(t, h.repo, trainJob(jobs.StateSubmitted, 1))

	s := h.scheduler()
	if n, err := s.RestoreReservations(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one restored reservation, got %d (%v)", n, err)
	}
	if pool.InUse() != 1 {
		t.Fatalf("expected 1 gpu in use, got %d", pool.InUse())
	}

	s.RunPass(context.Background())
	got := jobstest.Get(t, h.repo, waiting.ID)
	if got.State != jobs.StateSubmitted || got.GPU.State != jobs.GPUWaiting {
		t.Fatalf("expected the job to wait for gpus, got %s %s", got.State, got.GPU.State)
	}
}
