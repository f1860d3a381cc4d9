package pipeline

import (
	"context"
	"time"

	"github.com/dermavision/curator/internal/objstore"
)

// WaitForReady polls for key every interval until it exists or timeout
// elapses. It returns false without error on timeout and the context's
// error if ctx ends first.
func WaitForReady(ctx context.Context, store objstore.Store, key string, interval, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := objstore.Exists(ctx, store, key)
		if err != nil && ctx.Err() == nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}
