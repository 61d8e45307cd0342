package tenement

import (
	"context"
	"log/slog"
	"time"
)

const idleCheckInterval = 5 * time.Second

// idleEvictionLoop stops instances that have had no router activity for
// longer than their service's IdleTimeout, skipping any instance currently
// serving a request. Health checks never count as activity (CheckHealth
// never calls Touch).
func (h *Hypervisor) idleEvictionLoop(ctx context.Context) error {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.evictIdle(ctx)
		}
	}
}

func (h *Hypervisor) evictIdle(ctx context.Context) {
	h.mu.RLock()
	type candidate struct {
		id   InstanceId
		inst *Instance
	}
	var candidates []candidate
	for id, inst := range h.instances {
		candidates = append(candidates, candidate{id: id, inst: inst})
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, c := range candidates {
		spec, ok := h.resolveSpec(c.id.Service)
		if !ok || spec.IdleTimeout <= 0 {
			continue
		}
		if c.inst.hasInflight() {
			continue
		}
		idleFor := now.Sub(c.inst.lastActivity())
		if idleFor <= time.Duration(spec.IdleTimeout)*time.Second {
			continue
		}
		slog.InfoContext(ctx, "hypervisor.idle: evicting idle instance", "service", c.id.Service, "id", c.id.ID, "idle_for", idleFor)
		if err := h.Stop(ctx, c.id.Service, c.id.ID); err != nil {
			slog.ErrorContext(ctx, "hypervisor.idle: stop failed", "service", c.id.Service, "id", c.id.ID, "error", err)
		}
	}
}
