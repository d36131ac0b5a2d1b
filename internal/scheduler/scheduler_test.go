package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bazaar/pricing-engine/internal/engine"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, flow string, _ engine.Filter) (engine.Summary, error) {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	return engine.Summary{Flow: flow}, nil
}

func TestNew_DisabledIntervals(t *testing.T) {
	s := New(&blockingRunner{}, map[string]time.Duration{
		engine.FlowRules:       time.Minute,
		engine.FlowSurgeDetect: 0,
	})
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Flow != engine.FlowRules {
		t.Errorf("expected only the rules job, got %+v", jobs)
	}
}

func TestTrigger_SkipsWhileRunning(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{})}
	s := New(r, map[string]time.Duration{engine.FlowRules: time.Minute})
	job := s.Jobs()[0]
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Trigger(ctx, job)
	}()

	// Wait for the first pass to start.
	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if ran := s.Trigger(ctx, job); ran {
		t.Error("overlapping trigger should be skipped")
	}
	close(r.release)
	wg.Wait()

	if got := r.calls.Load(); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
	if ran := s.Trigger(ctx, job); !ran {
		t.Error("trigger after completion should run")
	}
}

func TestRun_OnDemandPassBlocksScheduledTick(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{})}
	// The experiment flow is disabled but still guarded.
	s := New(r, map[string]time.Duration{engine.FlowRules: time.Minute})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, engine.FlowRules, engine.Filter{ProductID: "42"})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if ran := s.Trigger(ctx, s.Jobs()[0]); ran {
		t.Error("scheduled tick must not overlap an on-demand pass")
	}
	if _, err := s.Run(ctx, engine.FlowRules, engine.Filter{}); !errors.Is(err, ErrPassRunning) {
		t.Errorf("expected ErrPassRunning, got %v", err)
	}

	close(r.release)
	if err := <-done; err != nil {
		t.Fatalf("on-demand pass: %v", err)
	}
	if _, err := s.Run(ctx, engine.FlowExperiments, engine.Filter{}); err != nil {
		t.Errorf("disabled flow should still run on demand: %v", err)
	}
	if got := r.calls.Load(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestStart_RunsOnTickAndStops(t *testing.T) {
	r := &blockingRunner{}
	s := New(r, map[string]time.Duration{engine.FlowExperiments: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	s.Wait()

	if r.calls.Load() == 0 {
		t.Error("expected at least one tick to run the pass")
	}
}
