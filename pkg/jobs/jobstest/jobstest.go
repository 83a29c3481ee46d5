// Package jobstest provides a migrated SQLite job store and job
// builders for tests of packages that drive the job lifecycle.
package jobstest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/jobs/pkg/common/database"
	"github.com/synaptica-ai/jobs/pkg/jobs"
)

// NewRepository opens a fresh database file under t.TempDir.
func NewRepository(t testing.TB) *jobs.Repository {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	repo := jobs.NewRepository(db)
	if err := repo.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

var seq atomic.Int64

// NewJob returns an unsaved job of the given type and state with a
// unique key. Creation times increase with every call.
func NewJob(jobType string, state jobs.State) *jobs.Job {
	n := seq.Add(1)
	return &jobs.Job{
		ID:           uuid.NewString(),
		WorkspaceID:  "ws-1",
		ProjectID:    "project-1",
		Type:         jobType,
		Key:          fmt.Sprintf("key-%d", n),
		State:        state,
		Payload:      map[string]interface{}{"n": n},
		Author:       "alice",
		CreationTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Second),
		CancellationInfo: jobs.CancellationInfo{
			Cancellable: true,
		},
	}
}

// Insert stores job and fails the test on error.
func Insert(t testing.TB, store jobs.Store, job *jobs.Job) *jobs.Job {
	t.Helper()
	if err := store.Insert(context.Background(), job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return job
}

// Get reloads a job and fails the test on error.
func Get(t testing.TB, store jobs.Store, id string) *jobs.Job {
	t.Helper()
	job, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}
