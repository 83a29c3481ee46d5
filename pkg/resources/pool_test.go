package resources

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryPoolReserveRelease(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPool(2)

	if err := p.Reserve(ctx, "a", 1); err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	if err := p.Reserve(ctx, "a", 1); err != nil {
		t.Fatalf("repeated reserve must be a no-op: %v", err)
	}
	if err := p.Reserve(ctx, "b", 1); err != nil {
		t.Fatalf("reserve b: %v", err)
	}
	if err := p.Reserve(ctx, "c", 1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if p.InUse() != 2 {
		t.Fatalf("expected 2 in use, got %d", p.InUse())
	}

	_ = p.Release(ctx, "a")
	_ = p.Release(ctx, "a")
	if p.InUse() != 1 {
		t.Fatalf("expected 1 in use after release, got %d", p.InUse())
	}
	if err := p.Reserve(ctx, "c", 1); err != nil {
		t.Fatalf("reserve c after release: %v", err)
	}
}

func TestMemoryPoolNeverSatisfiable(t *testing.T) {
	p := NewMemoryPool(4)
	if err := p.Reserve(context.Background(), "big", 5); !errors.Is(err, ErrNeverSatisfiable) {
		t.Fatalf("expected never satisfiable, got %v", err)
	}
}

func TestMemoryPoolUnlimited(t *testing.T) {
	p := NewMemoryPool(0)
	for _, id := range []string{"a", "b", "c"} {
		if err := p.Reserve(context.Background(), id, 8); err != nil {
			t.Fatalf("unlimited pool rejected %s: %v", id, err)
		}
	}
}

func TestMemoryPoolRestore(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPool(2)
	p.Restore("a", 2)
	p.Restore("a", 2)
	if p.InUse() != 2 {
		t.Fatalf("expected 2 in use after restore, got %d", p.InUse())
	}
	if err := p.Reserve(ctx, "b", 1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected restored gpus to count, got %v", err)
	}
	_ = p.Release(ctx, "a")
	if err := p.Reserve(ctx, "b", 1); err != nil {
		t.Fatalf("reserve after releasing a restored job: %v", err)
	}
}
