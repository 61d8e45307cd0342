// Package limiter applies cgroups v2 memory and CPU limits to spawned
// instances on Linux. On every other platform, or when cgroups v2 is not
// mounted, all operations are silent no-ops: limits in the spec are
// advisory, never a precondition for spawning.
package limiter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
)

const cgroupBase = "/sys/fs/cgroup"
const tenementCgroup = cgroupBase + "/tenement"

// Limits are the resource caps for one instance.
type Limits struct {
	MemoryMB  int // 0 = unlimited
	CPUWeight int // 0 = default (100)
}

func (l Limits) hasLimits() bool { return l.MemoryMB > 0 || l.CPUWeight > 0 }

// Manager creates and tears down per-instance cgroups under tenement/.
type Manager struct {
	basePath string
}

func New() *Manager {
	return &Manager{basePath: tenementCgroup}
}

func (m *Manager) IsAvailable() bool {
	if goruntime.GOOS != "linux" {
		return false
	}
	if _, err := os.Stat(cgroupBase); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(cgroupBase, "cgroup.controllers"))
	return err == nil
}

func (m *Manager) instancePath(instanceID string) string {
	return filepath.Join(m.basePath, instanceID)
}

func (m *Manager) ensureBase() error {
	if err := os.MkdirAll(m.basePath, 0o755); err != nil {
		return fmt.Errorf("create %s: %w (try: sudo mkdir -p %s && sudo chown $(id -u):$(id -g) %s)", m.basePath, err, m.basePath, m.basePath)
	}
	subtreePath := filepath.Join(cgroupBase, "cgroup.subtree_control")
	_ = os.WriteFile(subtreePath, []byte("+memory +cpu"), 0o644)
	return nil
}

// Apply creates instanceID's cgroup (if limits are configured and cgroups
// v2 is available), writes its limits, and adds pid to cgroup.procs.
func (m *Manager) Apply(instanceID string, limits Limits, pid int) error {
	if !m.IsAvailable() {
		if limits.hasLimits() {
			slog.Warn("cgroups v2 not available, resource limits will not be enforced", "instance", instanceID)
		}
		return nil
	}
	if !limits.hasLimits() {
		return nil
	}
	if err := m.ensureBase(); err != nil {
		return err
	}

	path := m.instancePath(instanceID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create cgroup %s: %w", path, err)
	}

	if limits.MemoryMB > 0 {
		bytes := int64(limits.MemoryMB) * 1024 * 1024
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0o644); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}
	if limits.CPUWeight > 0 {
		weight := limits.CPUWeight
		if weight < 1 {
			weight = 1
		}
		if weight > 10000 {
			weight = 10000
		}
		if err := os.WriteFile(filepath.Join(path, "cpu.weight"), []byte(strconv.Itoa(weight)), 0o644); err != nil {
			return fmt.Errorf("set cpu.weight: %w", err)
		}
	}

	if pid > 0 {
		if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
			return fmt.Errorf("add pid %d to cgroup.procs: %w", pid, err)
		}
	}
	return nil
}

// Release reparents any residual PIDs back to tenement/cgroup.procs and
// removes the instance's cgroup directory. No-op if it never existed.
func (m *Manager) Release(instanceID string) {
	if !m.IsAvailable() {
		return
	}
	path := m.instancePath(instanceID)
	procsFile := filepath.Join(path, "cgroup.procs")
	if data, err := os.ReadFile(procsFile); err == nil {
		parentProcs := filepath.Join(m.basePath, "cgroup.procs")
		for _, line := range splitLines(data) {
			if line == "" {
				continue
			}
			_ = os.WriteFile(parentProcs, []byte(line), 0o644)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove cgroup directory", "path", path, "error", err)
	}
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}
