package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// StageFunc runs one stage in-process.
type StageFunc func(ctx context.Context, req StageRequest) error

// LocalTrigger runs registered stage functions in this process.
// Fire-and-forget stages run on tracked goroutines joined by Wait.
type LocalTrigger struct {
	mu     sync.RWMutex
	stages map[Stage]StageFunc
	wg     sync.WaitGroup
}

// NewLocalTrigger returns a trigger with no stages registered.
func NewLocalTrigger() *LocalTrigger {
	return &LocalTrigger{stages: make(map[Stage]StageFunc)}
}

// Register binds fn to stage, replacing any earlier binding.
func (t *LocalTrigger) Register(stage Stage, fn StageFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages[stage] = fn
}

// Trigger implements StageTrigger.
func (t *LocalTrigger) Trigger(ctx context.Context, req StageRequest, wait bool) error {
	t.mu.RLock()
	fn, ok := t.stages[req.Stage]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, req.Stage)
	}
	req.Wait = wait

	if wait {
		return fn(ctx, req)
	}
	t.wg.Go(func() {
		if err := fn(ctx, req); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("stage", string(req.Stage)).
				Str("dataset", req.Dataset).
				Msg("background stage failed")
		}
	})
	return nil
}

// Wait blocks until every fire-and-forget stage has returned.
func (t *LocalTrigger) Wait() {
	t.wg.Wait()
}
