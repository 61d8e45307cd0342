package tenement

import "strings"

// Isolation selects which runtime backend spawns a service's instances.
type Isolation string

const (
	IsolationProcess     Isolation = "process"
	IsolationNamespace   Isolation = "namespace"
	IsolationSandbox     Isolation = "sandbox"
	IsolationFirecracker Isolation = "firecracker"
	IsolationQEMU        Isolation = "qemu"
)

// RestartPolicy governs whether the health monitor restarts an instance it
// finds unhealthy: never disables that, always and on-failure both allow it.
// Nothing watches for a process exiting; an exited instance is restarted
// only after its health checks fail.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// ServiceSpec is the immutable template for every instance of a named
// service. It is produced by config loading and never mutated after a
// config reload completes.
type ServiceSpec struct {
	Name string

	Command string
	Args    []string
	Env     map[string]string
	Workdir string

	Isolation Isolation

	// Listen endpoint: exactly one of SocketTemplate or Port is meaningful,
	// selected by whether SocketTemplate is non-empty.
	SocketTemplate string
	Port           int // 0 means "auto-allocate from the port range"

	HealthPath string

	Restart        RestartPolicy
	StartupTimeout int // seconds, 0 -> default
	IdleTimeout    int // seconds, 0 -> never idle-evict

	MemoryMB  int
	CPUWeight int // cgroups v2 cpu.weight, 1..10000, 0 -> default

	StorageQuotaMB int
	StoragePersist bool

	// VM parameters, meaningful only for Isolation in {firecracker, qemu}.
	KernelImage string
	RootfsImage string
	VCPUs       int
	VsockPort   int

	Weight int // per-instance default weight for weighted routing
}

// templateVars holds the substitution values for {name}, {id}, {data_dir},
// {socket}, {port}.
type templateVars struct {
	Name    string
	ID      string
	DataDir string
	Socket  string
	Port    string
}

func (v templateVars) interpolate(s string) string {
	r := strings.NewReplacer(
		"{name}", v.Name,
		"{id}", v.ID,
		"{data_dir}", v.DataDir,
		"{socket}", v.Socket,
		"{port}", v.Port,
	)
	return r.Replace(s)
}

func (v templateVars) interpolateAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = v.interpolate(s)
	}
	return out
}

func (v templateVars) interpolateEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, val := range env {
		out[v.interpolate(k)] = v.interpolate(val)
	}
	return out
}

const (
	defaultStartupTimeout = 10 // seconds
	defaultHealthTimeout  = 5  // seconds, fixed per spec, not configurable
)
