package tenement

import "testing"

const sampleConfig = `
[settings]
data_dir = "/tmp/tenement-test"
health_check_interval = 5
max_restarts = 2

[service.api]
command = "/bin/sh"
args = ["-c", "sleep 1"]
socket = "/tmp/{name}-{id}.sock"
restart = "on-failure"
idle_timeout = 30

[process.legacy]
command = "/bin/true"

[routing]
domain = "example.com"

[instances]
api = [{ id = "prod", weight = 2 }]
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Settings.MaxRestarts != 2 {
		t.Fatalf("expected max_restarts 2, got %d", cfg.Settings.MaxRestarts)
	}
	if cfg.Settings.RestartWindow != 300 {
		t.Fatalf("expected default restart_window 300, got %d", cfg.Settings.RestartWindow)
	}
	if cfg.Settings.BackoffBaseMs != 1000 || cfg.Settings.BackoffMaxMs != 60000 {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Settings)
	}

	api, ok := cfg.Services["api"]
	if !ok {
		t.Fatalf("expected service 'api' to be defined")
	}
	if api.Isolation != IsolationProcess {
		t.Fatalf("expected default isolation process, got %q", api.Isolation)
	}
	if api.StartupTimeout != defaultStartupTimeout {
		t.Fatalf("expected default startup_timeout, got %d", api.StartupTimeout)
	}

	legacy, ok := cfg.Services["legacy"]
	if !ok {
		t.Fatalf("expected [process.legacy] to merge into Services")
	}
	if legacy.Command != "/bin/true" {
		t.Fatalf("unexpected legacy command: %q", legacy.Command)
	}

	if !cfg.HasInstancesToSpawn() {
		t.Fatalf("expected instances to spawn")
	}
	spawns := cfg.InstancesToSpawn()
	if len(spawns) != 1 || spawns[0].Service != "api" || spawns[0].ID != "prod" || spawns[0].Weight != 2 {
		t.Fatalf("unexpected auto-spawn list: %+v", spawns)
	}
}

func TestParseConfigDuplicateServiceProcessNameRejected(t *testing.T) {
	data := `
[service.api]
command = "/bin/true"

[process.api]
command = "/bin/false"
`
	if _, err := ParseConfig([]byte(data)); err == nil {
		t.Fatalf("expected error for service defined in both [service] and [process]")
	}
}

func TestParseConfigUndefinedInstanceServiceRejected(t *testing.T) {
	data := `
[service.api]
command = "/bin/true"

[instances]
web = [{ id = "x" }]
`
	if _, err := ParseConfig([]byte(data)); err == nil {
		t.Fatalf("expected error for instances referencing undefined service")
	}
}

func TestParseConfigMissingCommandRejected(t *testing.T) {
	data := `
[service.api]
restart = "always"
`
	if _, err := ParseConfig([]byte(data)); err == nil {
		t.Fatalf("expected error for service missing command")
	}
}

func TestParseConfigVMRequiresImages(t *testing.T) {
	data := `
[service.vm]
command = "/sbin/init"
isolation = "firecracker"
`
	if _, err := ParseConfig([]byte(data)); err == nil {
		t.Fatalf("expected error for firecracker service missing kernel/rootfs images")
	}
}
