package tenement

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestEvictIdleStopsExpiredInstances(t *testing.T) {
	dir := t.TempDir()
	spec := sleeperSpec("api", filepath.Join(dir, "{name}-{id}.sock"))
	spec.IdleTimeout = 1 // seconds

	h := testHypervisor(t, map[string]*ServiceSpec{"api": spec})

	if _, err := h.Spawn(context.Background(), "api", "prod", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	inst, ok := h.GetLive("api", "prod")
	if !ok {
		t.Fatalf("expected instance to exist after spawn")
	}
	inst.mu.Lock()
	inst.LastActivityAt = time.Now().Add(-10 * time.Second)
	inst.mu.Unlock()

	h.evictIdle(context.Background())

	if _, ok := h.GetLive("api", "prod"); ok {
		t.Fatalf("expected idle instance to be evicted")
	}
}

func TestEvictIdleSkipsInflightInstances(t *testing.T) {
	dir := t.TempDir()
	spec := sleeperSpec("api", filepath.Join(dir, "{name}-{id}.sock"))
	spec.IdleTimeout = 1

	h := testHypervisor(t, map[string]*ServiceSpec{"api": spec})

	if _, err := h.Spawn(context.Background(), "api", "prod", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	inst, ok := h.GetLive("api", "prod")
	if !ok {
		t.Fatalf("expected instance to exist after spawn")
	}
	inst.mu.Lock()
	inst.LastActivityAt = time.Now().Add(-10 * time.Second)
	inst.mu.Unlock()
	inst.BeginRequest()
	defer inst.EndRequest()

	h.evictIdle(context.Background())

	if _, ok := h.GetLive("api", "prod"); !ok {
		t.Fatalf("expected in-flight instance to survive idle eviction")
	}
}

func TestEvictIdleSkipsFreshInstances(t *testing.T) {
	dir := t.TempDir()
	spec := sleeperSpec("api", filepath.Join(dir, "{name}-{id}.sock"))
	spec.IdleTimeout = 3600

	h := testHypervisor(t, map[string]*ServiceSpec{"api": spec})

	if _, err := h.Spawn(context.Background(), "api", "prod", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	h.evictIdle(context.Background())

	if _, ok := h.GetLive("api", "prod"); !ok {
		t.Fatalf("expected fresh instance to survive idle eviction")
	}
}
