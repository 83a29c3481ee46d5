package cancellation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/synaptica-ai/jobs/pkg/cancellation"
	"github.com/synaptica-ai/jobs/pkg/common/logger"
	"github.com/synaptica-ai/jobs/pkg/execution"
	"github.com/synaptica-ai/jobs/pkg/jobs"
	"github.com/synaptica-ai/jobs/pkg/jobs/jobstest"
	"github.com/synaptica-ai/jobs/pkg/workflow"
	"github.com/synaptica-ai/jobs/pkg/workflow/workflowtest"
)

type harness struct {
	repo     *jobs.Repository
	executor *workflowtest.Executor
	cfg      cancellation.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	exec := workflowtest.New()
	exec.AddWorkflow("train_workflow", "v1")
	exec.AddWorkflow("revert_train_workflow", "v1")
	return &harness{
		repo:     jobstest.NewRepository(t),
		executor: exec,
		cfg:      cancellation.Config{MaxCancelRetries: 10, MaxRevertRetries: 2, CallTimeout: 5 * time.Second},
	}
}

func (h *harness) loop() *cancellation.Loop {
	adapter := execution.NewAdapter(h.repo, h.executor, jobs.DefaultRegistry(), "org-1", nil, logger.Discard())
	return cancellation.New(h.repo, adapter, nil, nil, logger.Discard(), h.cfg)
}

func cancelledJob(jobType string, state jobs.State) *jobs.Job {
	job := jobstest.NewJob(jobType, state)
	job.CancellationInfo.IsCancelled = true
	job.CancellationInfo.UserID = "alice"
	return job
}

// liveJob inserts a cancelled job whose main execution is running.
func (h *harness) liveJob(t *testing.T, state jobs.State, retries int) (*jobs.Job, string) {
	t.Helper()
	job := cancelledJob("train", state)
	name := execution.ExecutionName(job.ID, jobs.ExecutionMain)
	job.Executions.Main.ExecutionID = name
	job.Executions.Main.CancelRetryCounter = retries
	jobstest.Insert(t, h.repo, job)
	h.executor.AddExecution(&workflow.Execution{Name: name, Phase: workflow.PhaseRunning})
	return job, name
}

func TestPendingJobsCancelledWithoutRemoteCalls(t *testing.T) {
	h := newHarness(t)
	submitted := jobstest.Insert(t, h.repo, cancelledJob("train", jobs.StateSubmitted))
	ready := jobstest.Insert(t, h.repo, cancelledJob("train", jobs.StateReadyForScheduling))
	unstarted := jobstest.Insert(t, h.repo, cancelledJob("train", jobs.StateScheduled))

	l := h.loop()
	for i := 0; i < 2; i++ {
		if errs := l.RunPass(context.Background()); errs != 0 {
			t.Fatalf("pass %d: %d errors", i, errs)
		}
	}
	for _, id := range []string{submitted.ID, ready.ID, unstarted.ID} {
		got := jobstest.Get(t, h.repo, id)
		if got.State != jobs.StateCancelled || got.CancellationInfo.CancelTime == nil || got.EndTime == nil {
			t.Fatalf("job %s: expected CANCELLED with times, got %s", id, got.State)
		}
	}
	if h.executor.TotalCancelCalls() != 0 || h.executor.TotalStartCalls() != 0 {
		t.Fatal("pending jobs must be cancelled without touching the executor")
	}
}

func TestStartInFlightIsLeftForLater(t *testing.T) {
	h := newHarness(t)
	job := cancelledJob("train", jobs.StateScheduled)
	now := time.Now().UTC()
	job.Executions.Main.ProcessStartTime = &now
	jobstest.Insert(t, h.repo, job)

	h.loop().RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateScheduled {
		t.Fatalf("expected the job to wait for its start, got %s", got.State)
	}
	if got.CancellationInfo.CancelingAt != nil {
		t.Fatal("expected the cancel lock to be released")
	}
}

func TestLiveExecutionCancelledAndReverted(t *testing.T) {
	h := newHarness(t)
	job, name := h.liveJob(t, jobs.StateRunning, 0)
	l := h.loop()

	l.RunPass(context.Background())
	if n := h.executor.CancelCalls(name); n != 1 {
		t.Fatalf("expected one cancel call, got %d", n)
	}
	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateRevertScheduled {
		t.Fatalf("expected REVERT_SCHEDULED, got %s", got.State)
	}
	revert := execution.ExecutionName(job.ID, jobs.ExecutionRevert)
	if got.Executions.Revert == nil || got.Executions.Revert.ExecutionID != revert || h.executor.StartCalls(revert) != 1 {
		t.Fatalf("expected the revert execution to be recorded, got %+v", got.Executions.Revert)
	}
	if got.CancellationInfo.CancelingAt != nil {
		t.Fatal("expected the cancel lock to be cleared")
	}

	l.RunPass(context.Background())
	if n := h.executor.TotalCancelCalls(); n != 1 {
		t.Fatalf("expected no further cancel calls, got %d", n)
	}
	if n := h.executor.StartCalls(revert); n != 1 {
		t.Fatalf("expected the revert to start once, got %d", n)
	}
}

func TestRetryBudgetAtMaxDropsFlag(t *testing.T) {
	h := newHarness(t)
	job, _ := h.liveJob(t, jobs.StateRunning, 10)

	h.loop().RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if h.executor.TotalCancelCalls() != 0 {
		t.Fatal("no cancel call may be made once the budget is spent")
	}
	if got.CancellationInfo.IsCancelled || got.State != jobs.StateRunning {
		t.Fatalf("expected the flag dropped and the job left running, got cancelled=%v %s",
			got.CancellationInfo.IsCancelled, got.State)
	}
}

func TestFailingCancelExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxCancelRetries = 3
	h.executor.CancelErr = errors.New("executor down")
	job, name := h.liveJob(t, jobs.StateScheduled, 0)
	l := h.loop()

	for i := 0; i < 6; i++ {
		l.RunPass(context.Background())
	}
	if n := h.executor.CancelCalls(name); n != 3 {
		t.Fatalf("expected exactly 3 cancel attempts, got %d", n)
	}
	got := jobstest.Get(t, h.repo, job.ID)
	if got.CancellationInfo.IsCancelled || got.Executions.Main.CancelRetryCounter != 3 {
		t.Fatalf("expected the flag dropped after 3 attempts, got %+v", got.CancellationInfo)
	}
	if got.State != jobs.StateScheduled {
		t.Fatalf("expected the job to keep its state, got %s", got.State)
	}
}

func TestSettledExecutionIsNotCancelledAgain(t *testing.T) {
	h := newHarness(t)
	job, name := h.liveJob(t, jobs.StateRunning, 0)
	h.executor.SetPhase(name, workflow.PhaseAborting, "")

	h.loop().RunPass(context.Background())
	if h.executor.TotalCancelCalls() != 0 {
		t.Fatal("an aborting execution must not be cancelled again")
	}
	if got := jobstest.Get(t, h.repo, job.ID).State; got != jobs.StateRevertScheduled {
		t.Fatalf("expected the revert path, got %s", got)
	}
}

func TestTypeWithoutRevertIsCancelled(t *testing.T) {
	h := newHarness(t)
	job := jobstest.Insert(t, h.repo, cancelledJob("optimize_pot", jobs.StateReadyForRevert))

	h.loop().RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateCancelled || got.CancellationInfo.CancelTime == nil {
		t.Fatalf("expected CANCELLED, got %s", got.State)
	}
	if h.executor.TotalStartCalls() != 0 {
		t.Fatal("no revert should have been started")
	}
}

func TestRevertStartBudget(t *testing.T) {
	h := newHarness(t)
	h.executor.StartErr = workflow.ErrUnavailable
	job := jobstest.Insert(t, h.repo, cancelledJob("train", jobs.StateReadyForRevert))
	l := h.loop()

	l.RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateReadyForRevert || got.Executions.Revert == nil || got.Executions.Revert.StartRetryCounter != 1 {
		t.Fatalf("expected one counted revert attempt, got %s %+v", got.State, got.Executions.Revert)
	}

	l.RunPass(context.Background())
	got = jobstest.Get(t, h.repo, job.ID)
	if got.State != jobs.StateCancelled || got.Message == "" {
		t.Fatalf("expected CANCELLED with a warning, got %s %q", got.State, got.Message)
	}
}

func TestStaleCancelLockIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.cfg.StaleLockTimeout = time.Minute
	job := cancelledJob("train", jobs.StateRunning)
	name := execution.ExecutionName(job.ID, jobs.ExecutionMain)
	job.Executions.Main.ExecutionID = name
	stale := time.Now().UTC().Add(-time.Hour)
	job.CancellationInfo.CancelingAt = &stale
	jobstest.Insert(t, h.repo, job)
	h.executor.AddExecution(&workflow.Execution{Name: name, Phase: workflow.PhaseRunning})

	h.loop().RunPass(context.Background())
	if h.executor.CancelCalls(name) != 1 {
		t.Fatal("expected the job to be cancelled once its stale lock was cleared")
	}
}

func TestPurgeDeletesSettledFlaggedJobs(t *testing.T) {
	h := newHarness(t)
	settled := jobstest.NewJob("train", jobs.StateFinished)
	settled.CancellationInfo.DeleteJob = true
	unsettled := jobstest.NewJob("train", jobs.StateCancelled)
	unsettled.CancellationInfo.DeleteJob = true
	unsettled.Cost = &jobs.Cost{Requests: []jobs.CostRequest{{Amount: 1, Unit: "training_job"}}}
	kept := jobstest.NewJob("train", jobs.StateFinished)
	for _, j := range []*jobs.Job{settled, unsettled, kept} {
		jobstest.Insert(t, h.repo, j)
	}

	h.loop().RunPass(context.Background())
	if _, err := h.repo.GetByID(context.Background(), settled.ID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected the settled job to be deleted, got %v", err)
	}
	jobstest.Get(t, h.repo, unsettled.ID)
	jobstest.Get(t, h.repo, kept.ID)
}

// hangingExecutor never answers a cancel before its caller gives up.
type hangingExecutor struct {
	mu      sync.Mutex
	cancels int
}

func (e *hangingExecutor) CancelExecution(ctx context.Context, name string) (bool, error) {
	e.mu.Lock()
	e.cancels++
	e.mu.Unlock()
	<-ctx.Done()
	return false, ctx.Err()
}

func (e *hangingExecutor) StartRevert(ctx context.Context, job *jobs.Job) (*workflow.Execution, error) {
	return nil, workflow.ErrUnavailable
}

func TestTimedOutCancelIsCounted(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxCancelRetries = 2
	h.cfg.CallTimeout = 200 * time.Millisecond
	h.cfg.StaleLockTimeout = time.Millisecond
	job, _ := h.liveJob(t, jobs.StateRunning, 0)
	exec := &hangingExecutor{}
	l := cancellation.New(h.repo, exec, nil, nil, logger.Discard(), h.cfg)

	l.RunPass(context.Background())
	got := jobstest.Get(t, h.repo, job.ID)
	if got.Executions.Main.CancelRetryCounter != 1 || got.CancellationInfo.CancelingAt != nil {
		t.Fatalf("expected the timed out attempt counted and the lock released, got %+v %+v",
			got.Executions.Main, got.CancellationInfo)
	}

	for i := 0; i < 4; i++ {
		l.RunPass(context.Background())
	}
	if exec.cancels != 2 {
		t.Fatalf("expected 2 cancel attempts, got %d", exec.cancels)
	}
	got = jobstest.Get(t, h.repo, job.ID)
	if got.CancellationInfo.IsCancelled || got.Executions.Main.CancelRetryCounter != 2 {
		t.Fatalf("expected the flag dropped after 2 attempts, got %+v", got.CancellationInfo)
	}
	if got.State != jobs.StateRunning {
		t.Fatalf("expected the job left running, got %s", got.State)
	}
}

// flakyStore fails every update of one job.
type flakyStore struct {
	jobs.Store
	failID string
}

func (s *flakyStore) Update(ctx context.Context, id string, expect, patch jobs.Fields) (bool, error) {
	if id == s.failID {
		return false, errors.New("write rejected")
	}
	return s.Store.Update(ctx, id, expect, patch)
}

func TestFailingPendingJobDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	stuck := jobstest.Insert(t, h.repo, cancelledJob("train", jobs.StateSubmitted))
	behind := jobstest.Insert(t, h.repo, cancelledJob("train", jobs.StateSubmitted))
	store := &flakyStore{Store: h.repo, failID: stuck.ID}
	adapter := execution.NewAdapter(h.repo, h.executor, jobs.DefaultRegistry(), "org-1", nil, logger.Discard())
	l := cancellation.New(store, adapter, nil, nil, logger.Discard(), h.cfg)

	if errs := l.RunPass(context.Background()); errs != 1 {
		t.Fatalf("expected one error, got %d", errs)
	}
	if got := jobstest.Get(t, h.repo, stuck.ID).State; got != jobs.StateSubmitted {
		t.Fatalf("expected the failing job untouched, got %s", got)
	}
	if got := jobstest.Get(t, h.repo, behind.ID).State; got != jobs.StateCancelled {
		t.Fatalf("expected the job behind it cancelled, got %s", got)
	}
}
