package tenement

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// InstanceId identifies a single supervised execution: a service name paired
// with an instance id, e.g. "api:prod".
type InstanceId struct {
	Service string
	ID      string
}

// NewInstanceId builds an InstanceId from its parts.
func NewInstanceId(service, id string) InstanceId {
	return InstanceId{Service: service, ID: id}
}

// ParseInstanceId splits a "service:id" string. Only the first colon is
// significant, so instance ids may themselves contain colons.
func ParseInstanceId(s string) (InstanceId, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return InstanceId{}, fmt.Errorf("invalid instance id %q, expected service:id", s)
	}
	return InstanceId{Service: parts[0], ID: parts[1]}, nil
}

func (i InstanceId) String() string { return i.Service + ":" + i.ID }

// Endpoint is either a Unix-domain socket path or a loopback TCP address.
type Endpoint struct {
	Socket string // non-empty when this endpoint is a Unix socket
	Port   int    // non-zero when this endpoint is a TCP port
}

func (e Endpoint) IsSocket() bool { return e.Socket != "" }
func (e Endpoint) IsTCP() bool    { return e.Port != 0 }

// Addr returns the dial address for this endpoint, suitable for net.Dial's
// network/address pair: ("unix", path) or ("tcp", "127.0.0.1:port").
func (e Endpoint) Addr() (network, address string) {
	if e.IsSocket() {
		return "unix", e.Socket
	}
	return "tcp", fmt.Sprintf("127.0.0.1:%d", e.Port)
}

func (e Endpoint) String() string {
	if e.IsSocket() {
		return e.Socket
	}
	return fmt.Sprintf("127.0.0.1:%d", e.Port)
}

// HealthStatus is the hypervisor's view of an instance's liveness.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthFailed    HealthStatus = "failed"
)

// InstanceStatus is the process-level lifecycle state, distinct from health.
type InstanceStatus string

const (
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
)

// Instance is the Hypervisor's private bookkeeping for one running
// supervised execution. Its mutable fields are guarded by its own mu; the
// Hypervisor's table lock only guards membership in the instance table.
// API/CLI callers get InstanceInfo copies (Get, List); RunningInstances and
// GetLive hand out live pointers so the router can record activity on them.
type Instance struct {
	ID InstanceId

	mu sync.Mutex

	Handle   RuntimeHandle
	Endpoint Endpoint
	Port     int // allocated port, 0 if this instance uses a socket

	Status InstanceStatus
	Health HealthStatus

	StartedAt                 time.Time
	Restarts                  int
	ConsecutiveHealthFailures int
	LastHealthCheck           time.Time
	LastActivityAt            time.Time
	RestartTimes              []time.Time

	Weight int

	StorageUsedBytes  int64
	StorageQuotaBytes int64

	inflight int64 // requests currently being proxied to this instance
}

// BeginRequest marks one proxied request as in-flight; idle eviction skips
// an instance with any in-flight request regardless of its idle timeout.
func (inst *Instance) BeginRequest() {
	inst.mu.Lock()
	inst.inflight++
	inst.mu.Unlock()
}

// EndRequest marks a previously-begun request as complete.
func (inst *Instance) EndRequest() {
	inst.mu.Lock()
	if inst.inflight > 0 {
		inst.inflight--
	}
	inst.mu.Unlock()
}

func (inst *Instance) hasInflight() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.inflight > 0
}

// InstanceInfo is the read-only snapshot returned to API/CLI callers.
type InstanceInfo struct {
	Service                   string       `json:"service"`
	ID                        string       `json:"id"`
	Endpoint                  string       `json:"endpoint"`
	Status                    string       `json:"status"`
	Health                    string       `json:"health"`
	UptimeSeconds             int64        `json:"uptime_secs"`
	Restarts                  int          `json:"restarts"`
	ConsecutiveHealthFailures int          `json:"consecutive_health_failures"`
	LastHealthCheck           *time.Time   `json:"last_health_check,omitempty"`
	LastActivityAt            *time.Time   `json:"last_activity_at,omitempty"`
	StorageUsedBytes          int64        `json:"storage_used_bytes"`
	StorageQuotaBytes         int64        `json:"storage_quota_bytes,omitempty"`
}

// snapshot copies the fields of an Instance under its lock, producing a
// stable value safe to read without further synchronization.
func (inst *Instance) snapshot() InstanceInfo {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	info := InstanceInfo{
		Service:                   inst.ID.Service,
		ID:                        inst.ID.ID,
		Endpoint:                  inst.Endpoint.String(),
		Status:                    string(inst.Status),
		Health:                    string(inst.Health),
		UptimeSeconds:             int64(time.Since(inst.StartedAt).Seconds()),
		Restarts:                  inst.Restarts,
		ConsecutiveHealthFailures: inst.ConsecutiveHealthFailures,
		StorageUsedBytes:          inst.StorageUsedBytes,
		StorageQuotaBytes:         inst.StorageQuotaBytes,
	}
	if !inst.LastHealthCheck.IsZero() {
		t := inst.LastHealthCheck
		info.LastHealthCheck = &t
	}
	if !inst.LastActivityAt.IsZero() {
		t := inst.LastActivityAt
		info.LastActivityAt = &t
	}
	return info
}

// Touch records request activity; idle eviction never fires on an instance
// touched within its idle_timeout. Health checks must never call Touch.
func (inst *Instance) Touch() {
	inst.mu.Lock()
	inst.LastActivityAt = time.Now()
	inst.mu.Unlock()
}

// lastActivity returns the time of the most recent recorded activity.
// An instance with no recorded activity yet is treated as active since
// StartedAt, so a freshly spawned instance is never immediately evicted.
func (inst *Instance) lastActivity() time.Time {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.LastActivityAt.IsZero() {
		return inst.StartedAt
	}
	return inst.LastActivityAt
}

// pruneRestartTimes returns a new slice holding only the entries of times
// that fall within window before now; times itself is left unchanged.
func pruneRestartTimes(times []time.Time, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	out := times[:0:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
