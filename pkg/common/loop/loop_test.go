package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/synaptica-ai/jobs/pkg/common/logger"
)

func TestLoopRunsOnWakeup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	passes := make(chan struct{}, 10)
	l := New("test", time.Hour, logger.Discard(), func(context.Context) {
		passes <- struct{}{}
	})
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	wait := func(what string) {
		select {
		case <-passes:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}
	wait("first pass")
	l.Wakeup()
	wait("woken pass")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopSurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var n atomic.Int32
	l := New("panics", 10*time.Millisecond, logger.Discard(), func(context.Context) {
		if n.Add(1) == 1 {
			panic("boom")
		}
	})
	go l.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("loop stopped after a panic")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
