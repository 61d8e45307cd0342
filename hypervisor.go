package tenement

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/banksean/tenement/limiter"
	"github.com/banksean/tenement/logbuffer"
	"github.com/banksean/tenement/logstore"
	"github.com/banksean/tenement/metrics"
	"github.com/banksean/tenement/portalloc"
	"github.com/banksean/tenement/runtime"
	"github.com/banksean/tenement/storage"
)

// RuntimeHandle is the opaque per-instance state returned by a runtime
// backend; the Hypervisor never inspects it beyond passing it back to the
// backend that produced it.
type RuntimeHandle = runtime.Handle

// Hypervisor owns the instance table and orchestrates every other
// subsystem (runtime backends, port allocation, resource limits, storage
// accounting, log buffer/store, metrics) on their behalf. It mirrors the
// teacher's Boxer: one struct holding the app root, persistence, and a map
// keyed by id, with slog at every method entry.
type Hypervisor struct {
	mu        sync.RWMutex
	instances map[InstanceId]*Instance

	config  *Config
	dataDir string

	runtimes *runtime.Registry
	ports    *portalloc.Allocator
	limits   *limiter.Manager
	logs     *logbuffer.Buffer
	store    *logstore.Store
	metrics  *metrics.Registry

	wakeGroup singleflight.Group

	loops  *errgroup.Group
	loopCtx context.Context
	cancel  context.CancelFunc
}

// New constructs a Hypervisor wired to every subsystem; the caller supplies
// already-initialized collaborators (runtime registry, durable log store)
// since their lifecycles (and test doubles) are managed independently.
func New(cfg *Config, runtimes *runtime.Registry, store *logstore.Store) *Hypervisor {
	h := &Hypervisor{
		instances: make(map[InstanceId]*Instance),
		config:    cfg,
		dataDir:   cfg.Settings.DataDir,
		runtimes:  runtimes,
		ports:     portalloc.New(portalloc.DefaultMin, portalloc.DefaultMax),
		limits:    limiter.New(),
		logs:      logbuffer.New(logbuffer.DefaultCapacity, logbuffer.DefaultSubscriberQueue),
		store:     store,
		metrics:   metrics.New(),
	}
	return h
}

// Logs exposes the in-memory ring buffer for router/API wiring.
func (h *Hypervisor) Logs() *logbuffer.Buffer { return h.logs }

// Metrics exposes the metrics registry for the /metrics endpoint.
func (h *Hypervisor) Metrics() *metrics.Registry { return h.metrics }

// resolveSpec looks up the ServiceSpec for a service name.
func (h *Hypervisor) resolveSpec(service string) (*ServiceSpec, bool) {
	spec, ok := h.config.Services[service]
	return spec, ok
}

// Spawn starts an instance, or returns the existing one's endpoint if it is
// already running (idempotent).
func (h *Hypervisor) Spawn(ctx context.Context, service, id string, extraEnv map[string]string) (Endpoint, error) {
	key := NewInstanceId(service, id)

	h.mu.RLock()
	if existing, ok := h.instances[key]; ok {
		h.mu.RUnlock()
		return existing.Endpoint, nil
	}
	h.mu.RUnlock()

	spec, ok := h.resolveSpec(service)
	if !ok {
		return Endpoint{}, wrapErr("Spawn", KindConfigInvalid, fmt.Errorf("service %q is not configured", service))
	}

	inst, err := h.doSpawn(ctx, key, spec, extraEnv)
	if err != nil {
		return Endpoint{}, err
	}
	return inst.Endpoint, nil
}

func (h *Hypervisor) doSpawn(ctx context.Context, key InstanceId, spec *ServiceSpec, extraEnv map[string]string) (*Instance, error) {
	slog.InfoContext(ctx, "hypervisor.spawn", "service", key.Service, "id", key.ID)

	dataDir := storage.DataDir(h.dataDir, key.Service, key.ID)
	if err := storage.Ensure(dataDir); err != nil {
		return nil, wrapErr("Spawn", KindSpawn, err)
	}

	endpoint, releasePort, err := h.resolveEndpoint(spec, key, dataDir)
	if err != nil {
		return nil, err
	}

	vars := templateVars{
		Name:    key.Service,
		ID:      key.ID,
		DataDir: dataDir,
		Socket:  endpoint.Socket,
		Port:    portString(endpoint.Port),
	}
	env := vars.interpolateEnv(spec.Env)
	for k, v := range extraEnv {
		env[vars.interpolate(k)] = vars.interpolate(v)
	}
	if endpoint.IsSocket() {
		env["SOCKET_PATH"] = endpoint.Socket
	}
	if endpoint.IsTCP() {
		env["PORT"] = portString(endpoint.Port)
	}

	backend, err := h.runtimes.Get(runtime.Kind(spec.Isolation))
	if err != nil {
		if releasePort != nil {
			releasePort()
		}
		return nil, wrapErr("Spawn", KindUnsupported, err)
	}
	if !backend.IsAvailable() {
		if releasePort != nil {
			releasePort()
		}
		return nil, wrapErr("Spawn", KindUnsupported, fmt.Errorf("%s backend unavailable on this host", spec.Isolation))
	}

	handle, err := backend.Spawn(ctx, runtime.Spec{
		InstanceID:  key.String(),
		Command:     vars.interpolate(spec.Command),
		Args:        vars.interpolateAll(spec.Args),
		Env:         env,
		Workdir:     vars.interpolate(spec.Workdir),
		Endpoint:    runtime.NetEndpoint{Socket: endpoint.Socket, Port: endpoint.Port},
		KernelImage: spec.KernelImage,
		RootfsImage: spec.RootfsImage,
		MemoryMB:    spec.MemoryMB,
		VCPUs:       spec.VCPUs,
		VsockPort:   spec.VsockPort,
	})
	if err != nil {
		if releasePort != nil {
			releasePort()
		}
		return nil, wrapErr("Spawn", KindSpawn, err)
	}

	inst := &Instance{
		ID:        key,
		Handle:    handle,
		Endpoint:  endpoint,
		Port:      endpoint.Port,
		Status:    StatusStarting,
		Health:    HealthUnknown,
		StartedAt: time.Now(),
		Weight:    spec.Weight,
	}

	if ls, ok := handle.(runtime.LogStreams); ok {
		h.captureLogs(key, ls)
	}

	if err := h.limits.Apply(key.String(), limiter.Limits{MemoryMB: spec.MemoryMB, CPUWeight: spec.CPUWeight}, handle.PID()); err != nil {
		slog.WarnContext(ctx, "hypervisor.spawn: resource limit application failed", "service", key.Service, "id", key.ID, "error", err)
	}

	timeout := time.Duration(spec.StartupTimeout) * time.Second
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if waitForEndpoint(ctx, endpoint, timeout) {
		inst.Status = StatusRunning
	} else {
		inst.Status = StatusRunning // still returned; health check decides
	}

	h.mu.Lock()
	h.instances[key] = inst
	h.mu.Unlock()

	h.metrics.SetInstancesUp(map[string]string{"service": key.Service}, int64(h.countRunning(key.Service)))

	return inst, nil
}

func portString(p int) string {
	if p == 0 {
		return ""
	}
	return fmt.Sprintf("%d", p)
}

// resolveEndpoint picks a socket path or allocates a TCP port per spec,
// unlinking any stale socket file left behind by a prior instance.
func (h *Hypervisor) resolveEndpoint(spec *ServiceSpec, key InstanceId, dataDir string) (Endpoint, func(), error) {
	if spec.SocketTemplate != "" {
		vars := templateVars{Name: key.Service, ID: key.ID, DataDir: dataDir}
		socketPath := vars.interpolate(spec.SocketTemplate)
		_ = os.Remove(socketPath)
		return Endpoint{Socket: socketPath}, nil, nil
	}

	port := spec.Port
	var release func()
	if port == 0 {
		p, err := h.ports.Allocate()
		if err != nil {
			return Endpoint{}, nil, wrapErr("Spawn", KindResource, err)
		}
		port = p
		release = func() { h.ports.Release(p) }
	}
	return Endpoint{Port: port}, release, nil
}

// waitForEndpoint polls until the socket file appears or the TCP port
// accepts a connection, bounded by timeout. Returns false (not an error) on
// timeout per spec: the first health check decides from there.
func waitForEndpoint(ctx context.Context, ep Endpoint, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ep.IsSocket() {
			if _, err := os.Stat(ep.Socket); err == nil {
				return true
			}
		} else {
			network, addr := ep.Addr()
			conn, err := net.DialTimeout(network, addr, 50*time.Millisecond)
			if err == nil {
				conn.Close()
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
	return false
}

func (h *Hypervisor) countRunning(service string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for id, inst := range h.instances {
		if id.Service == service && inst.Status == StatusRunning {
			n++
		}
	}
	return n
}

// captureLogs starts two background readers turning the handle's stdout and
// stderr into log-buffer pushes, one line at a time.
func (h *Hypervisor) captureLogs(key InstanceId, ls runtime.LogStreams) {
	readLines := func(r interface{ Read([]byte) (int, error) }, level logbuffer.Level) {
		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				for {
					idx := bytes.IndexByte(buf, '\n')
					if idx < 0 {
						break
					}
					line := string(buf[:idx])
					buf = buf[idx+1:]
					h.logs.Push(logbuffer.Entry{
						TimestampMs: time.Now().UnixMilli(),
						Level:       level,
						Service:     key.Service,
						InstanceID:  key.ID,
						Message:     line,
					})
					if h.store != nil {
						h.store.Push(logstore.Entry{
							Timestamp:  time.Now(),
							Level:      level,
							Service:    key.Service,
							InstanceID: key.ID,
							Message:    line,
						})
					}
				}
			}
			if err != nil {
				return
			}
		}
	}
	if out := ls.Stdout(); out != nil {
		go readLines(out, logbuffer.Stdout)
	}
	if errR := ls.Stderr(); errR != nil {
		go readLines(errR, logbuffer.Stderr)
	}
}

// Stop removes an instance from the table and releases every resource it
// held. Stopping an unknown instance is a NotFound error; cleanup always
// runs regardless of kill errors.
func (h *Hypervisor) Stop(ctx context.Context, service, id string) error {
	key := NewInstanceId(service, id)

	h.mu.Lock()
	inst, ok := h.instances[key]
	if ok {
		delete(h.instances, key)
	}
	h.mu.Unlock()

	if !ok {
		return wrapErr("Stop", KindNotFound, ErrNotFound)
	}

	h.teardown(ctx, key, inst)
	return nil
}

func (h *Hypervisor) teardown(ctx context.Context, key InstanceId, inst *Instance) {
	slog.InfoContext(ctx, "hypervisor.stop", "service", key.Service, "id", key.ID)

	spec, _ := h.resolveSpec(key.Service)

	if backend, err := h.runtimes.Get(inst.Handle.Kind()); err == nil {
		if err := backend.Kill(ctx, inst.Handle); err != nil {
			slog.ErrorContext(ctx, "hypervisor.stop: kill failed", "service", key.Service, "id", key.ID, "error", err)
		}
	}

	if inst.Endpoint.IsSocket() {
		_ = os.Remove(inst.Endpoint.Socket)
	}
	if inst.Port != 0 {
		h.ports.Release(inst.Port)
	}

	if spec == nil || !spec.StoragePersist {
		dataDir := storage.DataDir(h.dataDir, key.Service, key.ID)
		if err := storage.Remove(dataDir); err != nil {
			slog.ErrorContext(ctx, "hypervisor.stop: failed to remove data dir", "service", key.Service, "id", key.ID, "error", err)
		}
	}

	h.limits.Release(key.String())
	h.metrics.SetInstancesUp(map[string]string{"service": key.Service}, int64(h.countRunning(key.Service)))
}

// Restart is the explicit CLI/API path: it stops (ignoring NotFound) then
// spawns again, carrying forward the lifetime restart counter but resetting
// restart_times to just this restart's instant, so earlier supervision-driven
// restarts no longer count toward the max_restarts failed-escalation check in
// recordHealthResult.
func (h *Hypervisor) Restart(ctx context.Context, service, id string) error {
	return h.restart(ctx, service, id, true)
}

// restartSupervised is the automatic path driven by health check failures
// (restartWithBackoff): it carries forward restart_times so recordHealthResult
// can escalate an instance to failed once max_restarts is reached within the
// window.
func (h *Hypervisor) restartSupervised(ctx context.Context, service, id string) error {
	return h.restart(ctx, service, id, false)
}

func (h *Hypervisor) restart(ctx context.Context, service, id string, resetWindow bool) error {
	key := NewInstanceId(service, id)

	h.mu.RLock()
	old, existed := h.instances[key]
	var oldRestarts int
	var oldTimes []time.Time
	if existed {
		oldRestarts = old.Restarts
		if !resetWindow {
			oldTimes = append([]time.Time(nil), old.RestartTimes...)
		}
	}
	h.mu.RUnlock()

	if err := h.Stop(ctx, service, id); err != nil && !isNotFound(err) {
		return err
	}

	spec, ok := h.resolveSpec(service)
	if !ok {
		return wrapErr("Restart", KindConfigInvalid, fmt.Errorf("service %q is not configured", service))
	}

	inst, err := h.doSpawn(ctx, key, spec, nil)
	if err != nil {
		return err
	}

	now := time.Now()
	var times []time.Time
	if resetWindow {
		times = []time.Time{now}
	} else {
		window := time.Duration(h.config.Settings.RestartWindow) * time.Second
		times = pruneRestartTimes(oldTimes, window, now)
		times = append(times, now)
	}

	inst.mu.Lock()
	inst.Restarts = oldRestarts + 1
	inst.RestartTimes = times
	inst.mu.Unlock()

	h.metrics.IncInstanceRestarts(service, id)
	return nil
}

func isNotFound(err error) bool {
	kind, ok := ErrKind(err)
	return ok && kind == KindNotFound
}

// Get returns a snapshot of one instance.
func (h *Hypervisor) Get(service, id string) (InstanceInfo, bool) {
	h.mu.RLock()
	inst, ok := h.instances[NewInstanceId(service, id)]
	h.mu.RUnlock()
	if !ok {
		return InstanceInfo{}, false
	}
	return inst.snapshot(), true
}

// List returns a snapshot of every instance.
func (h *Hypervisor) List() []InstanceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]InstanceInfo, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, inst.snapshot())
	}
	return out
}

// RunningInstances returns the live *Instance pointers for a service. The
// router uses these directly (rather than InstanceInfo snapshots) so it can
// call Touch() on the one it selects.
func (h *Hypervisor) RunningInstances(service string) []*Instance {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Instance
	for id, inst := range h.instances {
		if id.Service == service && inst.Status == StatusRunning {
			out = append(out, inst)
		}
	}
	return out
}

// GetLive returns the live *Instance pointer for (service, id), if present.
func (h *Hypervisor) GetLive(service, id string) (*Instance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[NewInstanceId(service, id)]
	return inst, ok
}

// IsConfigured reports whether service has a ServiceSpec, independent of
// whether any instance is currently running.
func (h *Hypervisor) IsConfigured(service string) bool {
	_, ok := h.resolveSpec(service)
	return ok
}

// Storage reports disk usage for one instance's data directory against its
// configured quota, for the dashboard/API storage endpoint.
func (h *Hypervisor) Storage(service, id string) (storage.Usage, error) {
	spec, ok := h.resolveSpec(service)
	if !ok {
		return storage.Usage{}, wrapErr("Storage", KindConfigInvalid, fmt.Errorf("service %q is not configured", service))
	}
	dataDir := storage.DataDir(h.dataDir, service, id)
	usage, err := storage.Measure(dataDir, spec.StorageQuotaMB)
	if err != nil {
		return storage.Usage{}, wrapErr("Storage", KindResource, err)
	}
	return usage, nil
}

// StartBackgroundLoops launches the health monitor and idle evictor as a
// single cancellable errgroup. Both loops run until ctx is cancelled or
// Shutdown is called; their return values are discarded. Call Shutdown to
// stop them.
func (h *Hypervisor) StartBackgroundLoops(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(loopCtx)

	h.loops = eg
	h.loopCtx = egCtx
	h.cancel = cancel

	eg.Go(func() error {
		h.healthMonitorLoop(egCtx)
		return nil
	})
	eg.Go(func() error {
		h.idleEvictionLoop(egCtx)
		return nil
	})
}

// Shutdown cancels the background loops and waits for them to return.
func (h *Hypervisor) Shutdown() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	return h.loops.Wait()
}

// BootAutoSpawns spawns every instance named in the config's [instances]
// table, used at daemon startup. Spawn failures are logged, not fatal:
// one misconfigured service must not prevent the others from starting.
func (h *Hypervisor) BootAutoSpawns(ctx context.Context) {
	for _, entry := range h.config.InstancesToSpawn() {
		if _, err := h.Spawn(ctx, entry.Service, entry.ID, nil); err != nil {
			slog.ErrorContext(ctx, "hypervisor.boot: auto-spawn failed", "service", entry.Service, "id", entry.ID, "error", err)
			continue
		}
		if inst, ok := h.GetLive(entry.Service, entry.ID); ok {
			inst.mu.Lock()
			inst.Weight = entry.Weight
			inst.mu.Unlock()
		}
	}
}

// SelectWeighted picks one running instance of service at random, weighted
// by each instance's Weight (default 1 already applied at config load).
func SelectWeighted(instances []*Instance) *Instance {
	if len(instances) == 0 {
		return nil
	}
	total := 0
	for _, inst := range instances {
		w := inst.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	r := rand.Intn(total)
	for _, inst := range instances {
		w := inst.Weight
		if w <= 0 {
			w = 1
		}
		if r < w {
			return inst
		}
		r -= w
	}
	return instances[len(instances)-1]
}
