// Package scheduler runs each pricing pass on its own ticker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bazaar/pricing-engine/internal/engine"
)

// ErrPassRunning is returned when a pass of the same flow is in flight.
var ErrPassRunning = errors.New("scheduler: pass already running")

// Runner runs one pass of a named flow.
type Runner interface {
	Run(ctx context.Context, flow string, f engine.Filter) (engine.Summary, error)
}

// Job is one periodically-run flow.
type Job struct {
	Flow     string
	Interval time.Duration
}

// Scheduler ticks every job independently. At most one pass per flow runs
// at a time, whether started by a tick or by Run; a tick that finds its
// flow busy is skipped.
type Scheduler struct {
	runner  Runner
	jobs    []*Job
	running map[string]*atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Jobs with a non-positive interval are disabled
// but can still be run on demand.
func New(runner Runner, intervals map[string]time.Duration) *Scheduler {
	s := &Scheduler{runner: runner, running: make(map[string]*atomic.Bool, len(engine.Flows))}
	for _, flow := range engine.Flows {
		s.running[flow] = new(atomic.Bool)
		iv, ok := intervals[flow]
		if !ok || iv <= 0 {
			slog.Info("pass disabled", "flow", flow)
			continue
		}
		s.jobs = append(s.jobs, &Job{Flow: flow, Interval: iv})
	}
	return s
}

// Start launches one goroutine per job. They stop when ctx is done; call
// Wait to block until in-flight passes have returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	slog.Info("pass scheduled", "flow", j.Flow, "interval", j.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Trigger(ctx, j)
			}()
		}
	}
}

// Run runs one pass of flow unless one is already running, in which case
// it returns ErrPassRunning. Unknown flows go to the runner unguarded.
func (s *Scheduler) Run(ctx context.Context, flow string, f engine.Filter) (engine.Summary, error) {
	guard, ok := s.running[flow]
	if !ok {
		return s.runner.Run(ctx, flow, f)
	}
	if !guard.CompareAndSwap(false, true) {
		return engine.Summary{Flow: flow}, fmt.Errorf("%s: %w", flow, ErrPassRunning)
	}
	defer guard.Store(false)

	return s.runner.Run(ctx, flow, f)
}

// Trigger runs the job once unless its flow is already running. It
// reports whether the pass ran.
func (s *Scheduler) Trigger(ctx context.Context, j *Job) bool {
	_, err := s.Run(ctx, j.Flow, engine.Filter{})
	switch {
	case errors.Is(err, ErrPassRunning):
		slog.Warn("pass still running, skipping tick", "flow", j.Flow)
		return false
	case err != nil:
		slog.Error("pass failed", "flow", j.Flow, "err", err)
	}
	return true
}

// Jobs returns the enabled jobs.
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}
