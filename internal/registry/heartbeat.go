package registry

import (
	"context"
	"time"
)

// heartbeatJoinTimeout bounds how long Stop waits for the loop to exit. A
// heartbeat stuck on the registry lock can take up to the lock timeout.
const heartbeatJoinTimeout = 10 * time.Second

// Heartbeat periodically refreshes one instance's lastHeartbeat.
type Heartbeat struct {
	reg      *Registry
	id       string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// StartHeartbeat launches a background loop that calls UpdateHeartbeat for
// id every interval until ctx is cancelled or Stop is called. Failures are
// logged and retried on the next tick.
func (r *Registry) StartHeartbeat(ctx context.Context, id string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = r.opts.StaleThreshold / 6
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		reg:      r,
		id:       id,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.loop(ctx)
	return h
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)

	log := h.reg.logger.WithInstance(h.id)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.reg.UpdateHeartbeat(ctx, h.id); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				log.Warn("heartbeat update failed", "error", err.Error(), "consecutive_failures", failures)
				continue
			}
			if failures > 0 {
				log.Info("heartbeat recovered", "after_failures", failures)
				failures = 0
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit, up to a bounded timeout.
// Stop is idempotent.
func (h *Heartbeat) Stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(heartbeatJoinTimeout):
		h.reg.logger.WithInstance(h.id).Warn("heartbeat loop did not stop in time")
	}
}
