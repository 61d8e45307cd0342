package tenement

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/banksean/tenement/runtime"
)

func testHypervisor(t *testing.T, services map[string]*ServiceSpec) *Hypervisor {
	t.Helper()
	cfg := &Config{
		Settings: Settings{
			DataDir:             t.TempDir(),
			HealthCheckInterval: 1,
			MaxRestarts:         3,
			RestartWindow:       300,
			BackoffBaseMs:       1000,
			BackoffMaxMs:        60000,
		},
		Services: services,
	}
	reg := runtime.NewRegistry(runtime.NewProcessBackend())
	h := New(cfg, reg, nil)
	return h
}

func sleeperSpec(name, socketPath string) *ServiceSpec {
	return &ServiceSpec{
		Name:           name,
		Command:        "/bin/sh",
		Args:           []string{"-c", "sleep 30"},
		Isolation:      IsolationProcess,
		SocketTemplate: socketPath,
		Restart:        RestartOnFailure,
		StartupTimeout: 2,
	}
}

func TestSpawnIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	h := testHypervisor(t, map[string]*ServiceSpec{
		"api": sleeperSpec("api", filepath.Join(dir, "{name}-{id}.sock")),
	})

	ep1, err := h.Spawn(context.Background(), "api", "prod", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ep2, err := h.Spawn(context.Background(), "api", "prod", nil)
	if err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	if ep1 != ep2 {
		t.Fatalf("expected idempotent spawn to return the same endpoint: %+v vs %+v", ep1, ep2)
	}

	if err := h.Stop(context.Background(), "api", "prod"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopUnknownIsNotFound(t *testing.T) {
	h := testHypervisor(t, map[string]*ServiceSpec{})
	err := h.Stop(context.Background(), "nope", "x")
	if !isNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	// subsequent stop on the same id is also NotFound
	err = h.Stop(context.Background(), "nope", "x")
	if !isNotFound(err) {
		t.Fatalf("expected NotFound on second stop too, got %v", err)
	}
}

func TestSpawnUnconfiguredServiceFails(t *testing.T) {
	h := testHypervisor(t, map[string]*ServiceSpec{})
	_, err := h.Spawn(context.Background(), "ghost", "x", nil)
	if err == nil {
		t.Fatalf("expected error spawning unconfigured service")
	}
	kind, ok := ErrKind(err)
	if !ok || kind != KindConfigInvalid {
		t.Fatalf("expected ConfigInvalid kind, got %v", kind)
	}
}

func TestListAndGet(t *testing.T) {
	dir := t.TempDir()
	h := testHypervisor(t, map[string]*ServiceSpec{
		"api": sleeperSpec("api", filepath.Join(dir, "{name}-{id}.sock")),
	})
	if _, err := h.Spawn(context.Background(), "api", "prod", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	info, ok := h.Get("api", "prod")
	if !ok {
		t.Fatalf("expected instance to be listed")
	}
	if info.Service != "api" || info.ID != "prod" {
		t.Fatalf("got %+v", info)
	}
	if info.UptimeSeconds < 0 {
		t.Fatalf("expected non-negative uptime")
	}

	list := h.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 listed instance, got %d", len(list))
	}
}

func TestSelectWeightedAlwaysPicksAnInstance(t *testing.T) {
	a := &Instance{ID: NewInstanceId("api", "a"), Weight: 1}
	b := &Instance{ID: NewInstanceId("api", "b"), Weight: 3}
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		picked := SelectWeighted([]*Instance{a, b})
		counts[picked.ID.ID]++
	}
	if counts["b"] <= counts["a"] {
		t.Fatalf("expected instance b (weight 3) to be picked more often than a (weight 1): %+v", counts)
	}
	if SelectWeighted(nil) != nil {
		t.Fatalf("expected nil for empty instance list")
	}
}

func TestWakeCoalescesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	h := testHypervisor(t, map[string]*ServiceSpec{
		"api": sleeperSpec("api", filepath.Join(dir, "{name}-{id}.sock")),
	})

	const n = 10
	results := make(chan Endpoint, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			ep, err := h.Wake(context.Background(), "api", "prod")
			if err != nil {
				errs <- err
				return
			}
			results <- ep
		}()
	}

	var first Endpoint
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("wake failed: %v", err)
		case ep := <-results:
			if i == 0 {
				first = ep
			} else if ep != first {
				t.Fatalf("expected all wakers to observe the same endpoint")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for wake results")
		}
	}

	if _, ok := h.Get("api", "prod"); !ok {
		t.Fatalf("expected exactly one instance to exist after concurrent wake")
	}
}
