package jobs

import (
	"context"
	"time"
)

// WithCallTimeout bounds every call on store by d, each call on its own
// clock. A zero or negative d returns store unchanged.
func WithCallTimeout(store Store, d time.Duration) Store {
	if d <= 0 {
		return store
	}
	if t, ok := store.(*timeoutStore); ok {
		store = t.next
	}
	return &timeoutStore{next: store, d: d}
}

type timeoutStore struct {
	next Store
	d    time.Duration
}

func (s *timeoutStore) Insert(ctx context.Context, job *Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.Insert(ctx, job)
}

func (s *timeoutStore) Update(ctx context.Context, id string, expect, patch Fields) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.Update(ctx, id, expect, patch)
}

func (s *timeoutStore) UpdateMany(ctx context.Context, filter, patch Fields) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.UpdateMany(ctx, filter, patch)
}

func (s *timeoutStore) UpdateStep(ctx context.Context, id string, step StepDetail) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.UpdateStep(ctx, id, step)
}

func (s *timeoutStore) EnsureSteps(ctx context.Context, id string, steps []StepDetail) error {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.EnsureSteps(ctx, id, steps)
}

func (s *timeoutStore) FindOne(ctx context.Context, filter Fields, order Order) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.FindOne(ctx, filter, order)
}

func (s *timeoutStore) Find(ctx context.Context, filter Fields, order Order, limit int) ([]*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.Find(ctx, filter, order, limit)
}

func (s *timeoutStore) ListSchedulable(ctx context.Context, limit int) ([]*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.ListSchedulable(ctx, limit)
}

func (s *timeoutStore) Count(ctx context.Context, filter Fields) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.Count(ctx, filter)
}

func (s *timeoutStore) GetByID(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.GetByID(ctx, id)
}

func (s *timeoutStore) DeleteFlagged(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.DeleteFlagged(ctx, id)
}

func (s *timeoutStore) ResetStaleStarts(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.ResetStaleStarts(ctx, olderThan)
}

func (s *timeoutStore) ResetStaleCancelLocks(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()
	return s.next.ResetStaleCancelLocks(ctx, olderThan)
}

func (s *timeoutStore) Scoped(f Fields) Store {
	return &timeoutStore{next: s.next.Scoped(f), d: s.d}
}
