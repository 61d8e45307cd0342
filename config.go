package tenement

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Settings carries the hypervisor-wide tunables from the [settings] table.
type Settings struct {
	DataDir             string `toml:"data_dir"`
	HealthCheckInterval int    `toml:"health_check_interval"` // seconds
	MaxRestarts         int    `toml:"max_restarts"`
	RestartWindow       int    `toml:"restart_window"` // seconds
	BackoffBaseMs       int    `toml:"backoff_base_ms"`
	BackoffMaxMs        int    `toml:"backoff_max_ms"`
}

func (s *Settings) applyDefaults() {
	if s.DataDir == "" {
		s.DataDir = "/var/lib/tenement"
	}
	if s.HealthCheckInterval == 0 {
		s.HealthCheckInterval = 10
	}
	if s.MaxRestarts == 0 {
		s.MaxRestarts = 3
	}
	if s.RestartWindow == 0 {
		s.RestartWindow = 300
	}
	if s.BackoffBaseMs == 0 {
		s.BackoffBaseMs = 1000
	}
	if s.BackoffMaxMs == 0 {
		s.BackoffMaxMs = 60000
	}
}

// RoutingConfig carries the [routing] table: the base domain subdomain
// routing is parsed against, plus optional static maps.
type RoutingConfig struct {
	Domain    string            `toml:"domain"`
	Default   string            `toml:"default"`
	Subdomain map[string]string `toml:"subdomain"`
	Path      map[string]string `toml:"path"`
}

// InstanceAutoSpawn names one instance id a service should auto-spawn at
// daemon boot, with an optional weighted-routing weight.
type InstanceAutoSpawn struct {
	ID     string `toml:"id"`
	Weight int    `toml:"weight"`
}

// rawServiceConfig mirrors the TOML shape of both [service.X] and the
// legacy [process.X] tables; the two merge into one ServiceSpec set.
type rawServiceConfig struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Workdir string            `toml:"workdir"`

	Isolation string `toml:"isolation"`
	Runtime   string `toml:"runtime"` // alias for isolation

	Socket string `toml:"socket"`
	Port   int    `toml:"port"`

	HealthPath string `toml:"health_path"`

	Restart        string `toml:"restart"`
	StartupTimeout int    `toml:"startup_timeout"`
	IdleTimeout    int    `toml:"idle_timeout"`

	MemoryMB  int `toml:"memory_mb"`
	CPUWeight int `toml:"cpu_weight"`

	StorageQuotaMB int  `toml:"storage_quota_mb"`
	StoragePersist bool `toml:"storage_persist"`

	KernelImage string `toml:"kernel_image"`
	RootfsImage string `toml:"rootfs_image"`
	VCPUs       int    `toml:"vcpus"`
	VsockPort   int    `toml:"vsock_port"`

	Weight int `toml:"weight"`
}

type rawConfig struct {
	Settings Settings                              `toml:"settings"`
	Service  map[string]rawServiceConfig           `toml:"service"`
	Process  map[string]rawServiceConfig           `toml:"process"`
	Routing  RoutingConfig                         `toml:"routing"`
	Instances map[string][]InstanceAutoSpawn       `toml:"instances"`
}

// Config is the fully resolved, load-time-validated configuration: the
// [service.X]/[process.X] tables merged into one ServiceSpec set, with
// defaults applied.
type Config struct {
	Settings Settings
	Services map[string]*ServiceSpec
	Routing  RoutingConfig
	Instances map[string][]InstanceAutoSpawn
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr("LoadConfig", KindConfigInvalid, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses TOML bytes into a validated Config.
func ParseConfig(data []byte) (*Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, wrapErr("ParseConfig", KindConfigInvalid, err)
	}

	raw.Settings.applyDefaults()

	services := make(map[string]*ServiceSpec, len(raw.Service)+len(raw.Process))
	for name, rc := range raw.Service {
		spec, err := rc.toSpec(name)
		if err != nil {
			return nil, wrapErr("ParseConfig", KindConfigInvalid, err)
		}
		services[name] = spec
	}
	for name, rc := range raw.Process {
		if _, exists := services[name]; exists {
			return nil, wrapErr("ParseConfig", KindConfigInvalid,
				fmt.Errorf("service %q defined in both [service] and [process] tables", name))
		}
		spec, err := rc.toSpec(name)
		if err != nil {
			return nil, wrapErr("ParseConfig", KindConfigInvalid, err)
		}
		services[name] = spec
	}

	for svc, specs := range raw.Instances {
		if _, ok := services[svc]; !ok {
			return nil, wrapErr("ParseConfig", KindConfigInvalid,
				fmt.Errorf("instances table references undefined service %q", svc))
		}
		for _, i := range specs {
			if i.ID == "" {
				return nil, wrapErr("ParseConfig", KindConfigInvalid,
					fmt.Errorf("instances.%s has an entry with an empty id", svc))
			}
		}
	}

	cfg := &Config{
		Settings:  raw.Settings,
		Services:  services,
		Routing:   raw.Routing,
		Instances: raw.Instances,
	}
	return cfg, nil
}

func (rc rawServiceConfig) toSpec(name string) (*ServiceSpec, error) {
	if rc.Command == "" {
		return nil, fmt.Errorf("service %q is missing a command", name)
	}

	isolation := rc.Isolation
	if isolation == "" {
		isolation = rc.Runtime
	}
	if isolation == "" {
		isolation = string(IsolationProcess)
	}

	restart := RestartPolicy(rc.Restart)
	if restart == "" {
		restart = RestartOnFailure
	}

	socket := rc.Socket
	if socket == "" && rc.Port == 0 {
		socket = "/tmp/{name}-{id}.sock"
	}

	switch Isolation(isolation) {
	case IsolationFirecracker, IsolationQEMU:
		if rc.KernelImage == "" {
			return nil, fmt.Errorf("service %q (%s) requires kernel_image", name, isolation)
		}
		if rc.RootfsImage == "" {
			return nil, fmt.Errorf("service %q (%s) requires rootfs_image", name, isolation)
		}
	}

	vcpus := rc.VCPUs
	if vcpus == 0 {
		vcpus = 1
	}
	vsockPort := rc.VsockPort
	if vsockPort == 0 {
		vsockPort = 5000
	}
	startupTimeout := rc.StartupTimeout
	if startupTimeout == 0 {
		startupTimeout = defaultStartupTimeout
	}
	weight := rc.Weight
	if weight == 0 {
		weight = 1
	}

	return &ServiceSpec{
		Name:           name,
		Command:        rc.Command,
		Args:           rc.Args,
		Env:            rc.Env,
		Workdir:        rc.Workdir,
		Isolation:      Isolation(isolation),
		SocketTemplate: socket,
		Port:           rc.Port,
		HealthPath:     rc.HealthPath,
		Restart:        restart,
		StartupTimeout: startupTimeout,
		IdleTimeout:    rc.IdleTimeout,
		MemoryMB:       rc.MemoryMB,
		CPUWeight:      rc.CPUWeight,
		StorageQuotaMB: rc.StorageQuotaMB,
		StoragePersist: rc.StoragePersist,
		KernelImage:    rc.KernelImage,
		RootfsImage:    rc.RootfsImage,
		VCPUs:          vcpus,
		VsockPort:      vsockPort,
		Weight:         weight,
	}, nil
}

// HasInstancesToSpawn reports whether the config names any instances for
// auto-spawn at boot.
func (c *Config) HasInstancesToSpawn() bool {
	for _, specs := range c.Instances {
		if len(specs) > 0 {
			return true
		}
	}
	return false
}

// InstancesToSpawn flattens the [instances] table into (service, id, weight)
// triples for the daemon boot sequence.
func (c *Config) InstancesToSpawn() []struct {
	Service string
	ID      string
	Weight  int
} {
	var out []struct {
		Service string
		ID      string
		Weight  int
	}
	for svc, specs := range c.Instances {
		for _, i := range specs {
			w := i.Weight
			if w == 0 {
				w = 1
			}
			out = append(out, struct {
				Service string
				ID      string
				Weight  int
			}{Service: svc, ID: i.ID, Weight: w})
		}
	}
	return out
}
