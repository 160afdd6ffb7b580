package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// maxBroadcastConcurrency bounds simultaneous connections during Broadcast.
const maxBroadcastConcurrency = 16

// BroadcastResult is the outcome of delivering one command to one endpoint.
type BroadcastResult struct {
	Payload map[string]any
	Err     error
}

// Acked reports whether delivery succeeded and the response carried ack=true.
func (r BroadcastResult) Acked() bool {
	return r.Err == nil && Ack(r.Payload)
}

// Broadcast sends the same command to every socket path independently and
// collects each outcome keyed by path. A failing endpoint never prevents
// delivery to the others.
func Broadcast(ctx context.Context, paths []string, command string, payload map[string]any, timeout time.Duration) map[string]BroadcastResult {
	results := make(map[string]BroadcastResult, len(paths))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(maxBroadcastConcurrency)
	for _, path := range paths {
		p.Go(func() {
			resp, err := NewClient(path, timeout).Send(ctx, command, payload)
			mu.Lock()
			results[path] = BroadcastResult{Payload: resp, Err: err}
			mu.Unlock()
		})
	}
	p.Wait()
	return results
}
