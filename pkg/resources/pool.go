// Package resources gates job scheduling on a shared GPU capacity.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNeverSatisfiable is returned for requests larger than the whole
	// pool. Waiting cannot help them.
	ErrNeverSatisfiable = errors.New("resource request exceeds pool capacity")
	ErrExhausted        = errors.New("not enough free resources")
)

// Pool reserves GPUs for jobs. Reserve and Release are idempotent per
// job id, so a retried pass never double-books a job.
type Pool interface {
	Reserve(ctx context.Context, jobID string, n int) error
	Release(ctx context.Context, jobID string) error
}

// Restorer is a pool whose bookings live only in process memory and
// must be rebuilt from the job store on startup.
type Restorer interface {
	Restore(jobID string, n int)
}

func checkRequest(capacity, n int) error {
	if n > capacity {
		return fmt.Errorf("%w: requested %d, capacity %d", ErrNeverSatisfiable, n, capacity)
	}
	return nil
}

// MemoryPool is a single-process pool. A capacity of zero or less
// disables gating. Replicas do not see each other's bookings; run more
// than one scheduler only with RedisPool.
type MemoryPool struct {
	mu       sync.Mutex
	capacity int
	held     map[string]int
	used     int
}

func NewMemoryPool(capacity int) *MemoryPool {
	return &MemoryPool{capacity: capacity, held: map[string]int{}}
}

func (p *MemoryPool) Reserve(_ context.Context, jobID string, n int) error {
	if n <= 0 || p.capacity <= 0 {
		return nil
	}
	if err := checkRequest(p.capacity, n); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[jobID]; ok {
		return nil
	}
	if p.used+n > p.capacity {
		return fmt.Errorf("%w: %d of %d in use", ErrExhausted, p.used, p.capacity)
	}
	p.held[jobID] = n
	p.used += n
	return nil
}

// Restore books n GPUs for a job whose reservation is already recorded.
// Capacity is not checked, so usage can exceed it after a restart with a
// smaller capacity.
func (p *MemoryPool) Restore(jobID string, n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[jobID]; ok {
		return
	}
	p.held[jobID] = n
	p.used += n
}

func (p *MemoryPool) Release(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.held[jobID]; ok {
		p.used -= n
		delete(p.held, jobID)
	}
	return nil
}

// InUse reports the number of reserved GPUs.
func (p *MemoryPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}
