package tenement

import (
	"context"
	"log/slog"
	"time"
)

// backoffDelay computes min(backoffMax, backoffBase * 2^(count-1)) for the
// count-th automatic restart within the window (count >= 1).
func backoffDelay(base, max time.Duration, count int) time.Duration {
	if count < 1 {
		count = 1
	}
	delay := base
	for i := 1; i < count; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// restartWithBackoff is the supervision-driven restart path: unlike an
// explicit Restart call, it waits out a backoff proportional to how many
// automatic restarts have already happened in the current window, and it
// carries those earlier restart instants forward into the failed-escalation
// check in recordHealthResult (an explicit Restart keeps only its own).
func (h *Hypervisor) restartWithBackoff(ctx context.Context, key InstanceId) error {
	inst, ok := h.GetLive(key.Service, key.ID)
	if !ok {
		return wrapErr("restartWithBackoff", KindNotFound, ErrNotFound)
	}

	inst.mu.Lock()
	window := time.Duration(h.config.Settings.RestartWindow) * time.Second
	times := pruneRestartTimes(inst.RestartTimes, window, time.Now())
	count := len(times) + 1
	inst.mu.Unlock()

	base := time.Duration(h.config.Settings.BackoffBaseMs) * time.Millisecond
	max := time.Duration(h.config.Settings.BackoffMaxMs) * time.Millisecond
	delay := backoffDelay(base, max, count)

	slog.InfoContext(ctx, "hypervisor.restart: backing off before automatic restart",
		"service", key.Service, "id", key.ID, "delay", delay, "count", count)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return h.restartSupervised(ctx, key.Service, key.ID)
}
