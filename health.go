package tenement

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const healthProbeBudget = 5 * time.Second

// CheckHealth probes one instance. If the service has no health path
// configured, the presence of the listening endpoint is the signal.
// Otherwise it sends a minimal HTTP/1.1 request and looks for "200 OK" in
// the first KiB of the response.
func (h *Hypervisor) CheckHealth(ctx context.Context, service, id string) (HealthStatus, error) {
	inst, ok := h.GetLive(service, id)
	if !ok {
		return "", wrapErr("CheckHealth", KindNotFound, ErrNotFound)
	}
	spec, ok := h.resolveSpec(service)
	if !ok {
		return "", wrapErr("CheckHealth", KindConfigInvalid, fmt.Errorf("service %q is not configured", service))
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeBudget)
	defer cancel()

	var healthy bool
	if spec.HealthPath == "" {
		healthy = endpointListening(probeCtx, inst.Endpoint)
	} else {
		healthy = probeHTTPHealth(probeCtx, inst.Endpoint, spec.HealthPath)
	}

	return h.recordHealthResult(service, id, healthy)
}

func endpointListening(ctx context.Context, ep Endpoint) bool {
	network, addr := ep.Addr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func probeHTTPHealth(ctx context.Context, ep Endpoint, path string) bool {
	network, addr := ep.Addr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n", path)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}

	buf := make([]byte, 1024)
	reader := bufio.NewReader(conn)
	n, _ := reader.Read(buf)
	if n == 0 {
		return false
	}
	return strings.Contains(string(buf[:n]), "200 OK")
}

// recordHealthResult updates Instance.Health and ConsecutiveHealthFailures
// per the escalation ladder: healthy clears the counter; otherwise 1-2
// failures -> degraded, >=3 -> unhealthy, unless the restart count within
// the window has reached MaxRestarts, in which case -> failed (terminal).
func (h *Hypervisor) recordHealthResult(service, id string, healthy bool) (HealthStatus, error) {
	inst, ok := h.GetLive(service, id)
	if !ok {
		return "", wrapErr("CheckHealth", KindNotFound, ErrNotFound)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.LastHealthCheck = time.Now()

	// failed is terminal for this Instance: later probe results leave it failed.
	if inst.Health == HealthFailed {
		return HealthFailed, nil
	}

	if healthy {
		inst.ConsecutiveHealthFailures = 0
		inst.Health = HealthHealthy
		return HealthHealthy, nil
	}

	inst.ConsecutiveHealthFailures++

	window := time.Duration(h.config.Settings.RestartWindow) * time.Second
	times := pruneRestartTimes(inst.RestartTimes, window, time.Now())
	inst.RestartTimes = times

	if len(times) >= h.config.Settings.MaxRestarts {
		inst.Health = HealthFailed
		return HealthFailed, nil
	}

	switch {
	case inst.ConsecutiveHealthFailures >= 3:
		inst.Health = HealthUnhealthy
	default:
		inst.Health = HealthDegraded
	}
	return inst.Health, nil
}

// runHealthChecks walks a snapshot of instance ids, checks each, and
// restarts any that became unhealthy (if policy allows). Failed instances
// are logged and left alone: failed is terminal until human intervention.
func (h *Hypervisor) runHealthChecks(ctx context.Context) {
	h.mu.RLock()
	ids := make([]InstanceId, 0, len(h.instances))
	for id := range h.instances {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		status, err := h.CheckHealth(ctx, id.Service, id.ID)
		if err != nil {
			continue
		}
		switch status {
		case HealthUnhealthy:
			spec, ok := h.resolveSpec(id.Service)
			if !ok || spec.Restart == RestartNever {
				continue
			}
			if err := h.restartWithBackoff(ctx, id); err != nil {
				slog.ErrorContext(ctx, "hypervisor.health: restart failed", "service", id.Service, "id", id.ID, "error", err)
			}
		case HealthFailed:
			slog.WarnContext(ctx, "hypervisor.health: instance failed, no further auto-restart", "service", id.Service, "id", id.ID)
		}
	}
}

// healthMonitorLoop runs runHealthChecks every HealthCheckInterval until
// ctx is cancelled.
func (h *Hypervisor) healthMonitorLoop(ctx context.Context) error {
	interval := time.Duration(h.config.Settings.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.runHealthChecks(ctx)
		}
	}
}
