package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerOneRunPerDataset(t *testing.T) {
	s := NewScheduler()
	release := make(chan struct{})
	var runs atomic.Int32

	require.True(t, s.Go("skin", "run-1", func() {
		runs.Add(1)
		<-release
	}))
	assert.True(t, s.Running("skin"))
	holder, ok := s.Holder("skin")
	assert.True(t, ok)
	assert.Equal(t, "run-1", holder)
	assert.False(t, s.Go("skin", "run-2", func() { runs.Add(1) }))
	assert.False(t, s.TryRun("skin", "run-3", func() { runs.Add(1) }))
	assert.True(t, s.TryRun("nails", "run-4", func() { runs.Add(1) }), "other datasets are independent")

	close(release)
	s.Wait()
	assert.False(t, s.Running("skin"))
	_, ok = s.Holder("skin")
	assert.False(t, ok)
	assert.Equal(t, int32(2), runs.Load())
	assert.True(t, s.TryRun("skin", "run-5", func() { runs.Add(1) }))
}

func TestSchedulerEvery(t *testing.T) {
	s := NewScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	var mu sync.Mutex
	ids := map[string]bool{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Every(ctx, 5*time.Millisecond, "skin", func(_ context.Context, runID string) {
			mu.Lock()
			ids[runID] = true
			mu.Unlock()
			ticks.Add(1)
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done
	s.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, ids, int(ticks.Load()), "each tick runs under its own id")
}
