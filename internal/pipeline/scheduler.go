package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scheduler runs passes periodically and keeps at most one pass per
// dataset in flight. Each in-flight pass is held under a run id.
type Scheduler struct {
	mu      sync.Mutex
	running map[string]string
	wg      sync.WaitGroup
}

// NewScheduler returns an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{running: make(map[string]string)}
}

// TryRun runs fn under runID unless a pass for dataset is already in
// flight, in which case it returns false at once.
func (s *Scheduler) TryRun(dataset, runID string, fn func()) bool {
	if !s.acquire(dataset, runID) {
		return false
	}
	defer s.release(dataset)
	fn()
	return true
}

// Go is TryRun on a tracked goroutine. It reports whether the pass was
// started.
func (s *Scheduler) Go(dataset, runID string, fn func()) bool {
	if !s.acquire(dataset, runID) {
		return false
	}
	s.wg.Go(func() {
		defer s.release(dataset)
		fn()
	})
	return true
}

// Running reports whether a pass for dataset is in flight.
func (s *Scheduler) Running(dataset string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[dataset]
	return ok
}

// Holder returns the run id of the pass in flight for dataset.
func (s *Scheduler) Holder(dataset string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.running[dataset]
	return runID, ok
}

// Wait blocks until every pass started with Go has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Every calls fn for dataset each interval until ctx ends, with a fresh run
// id per tick. A tick that finds the previous pass still running is skipped.
func (s *Scheduler) Every(ctx context.Context, interval time.Duration, dataset string, fn func(ctx context.Context, runID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runID := uuid.NewString()
			if !s.Go(dataset, runID, func() { fn(ctx, runID) }) {
				zerolog.Ctx(ctx).Debug().Str("dataset", dataset).Msg("previous run still in flight, tick skipped")
			}
		}
	}
}

func (s *Scheduler) acquire(dataset, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[dataset]; ok {
		return false
	}
	s.running[dataset] = runID
	return true
}

func (s *Scheduler) release(dataset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, dataset)
}
