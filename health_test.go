package tenement

import (
	"testing"
	"time"
)

func healthTestHypervisor(t *testing.T, maxRestarts int) (*Hypervisor, InstanceId) {
	t.Helper()
	h := testHypervisor(t, map[string]*ServiceSpec{
		"api": sleeperSpec("api", "/tmp/unused-{name}-{id}.sock"),
	})
	h.config.Settings.MaxRestarts = maxRestarts
	h.config.Settings.RestartWindow = 300

	id := NewInstanceId("api", "prod")
	inst := &Instance{
		ID:        id,
		StartedAt: time.Now(),
		Health:    HealthHealthy,
	}
	h.mu.Lock()
	h.instances[id] = inst
	h.mu.Unlock()
	return h, id
}

func TestRecordHealthResultClearsOnHealthy(t *testing.T) {
	h, id := healthTestHypervisor(t, 3)
	status, err := h.recordHealthResult(id.Service, id.ID, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if status != HealthDegraded {
		t.Fatalf("expected degraded after one failure, got %s", status)
	}

	status, err = h.recordHealthResult(id.Service, id.ID, true)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if status != HealthHealthy {
		t.Fatalf("expected healthy after recovery, got %s", status)
	}

	inst, _ := h.GetLive(id.Service, id.ID)
	if inst.ConsecutiveHealthFailures != 0 {
		t.Fatalf("expected failure counter reset, got %d", inst.ConsecutiveHealthFailures)
	}
}

func TestRecordHealthResultEscalatesToUnhealthy(t *testing.T) {
	h, id := healthTestHypervisor(t, 100)

	var status HealthStatus
	var err error
	for i := 0; i < 3; i++ {
		status, err = h.recordHealthResult(id.Service, id.ID, false)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if status != HealthUnhealthy {
		t.Fatalf("expected unhealthy after 3 consecutive failures, got %s", status)
	}
}

func TestRecordHealthResultDegradedBeforeThreshold(t *testing.T) {
	h, id := healthTestHypervisor(t, 100)

	status, err := h.recordHealthResult(id.Service, id.ID, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if status != HealthDegraded {
		t.Fatalf("expected degraded on first failure, got %s", status)
	}

	status, err = h.recordHealthResult(id.Service, id.ID, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if status != HealthDegraded {
		t.Fatalf("expected still degraded on second failure, got %s", status)
	}
}

func TestRecordHealthResultFailedWhenRestartBudgetExhausted(t *testing.T) {
	h, id := healthTestHypervisor(t, 1)

	inst, _ := h.GetLive(id.Service, id.ID)
	inst.mu.Lock()
	inst.RestartTimes = []time.Time{time.Now()}
	inst.mu.Unlock()

	status, err := h.recordHealthResult(id.Service, id.ID, false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if status != HealthFailed {
		t.Fatalf("expected failed once restart budget is exhausted, got %s", status)
	}
}

func TestRecordHealthResultUnknownInstance(t *testing.T) {
	h, _ := healthTestHypervisor(t, 3)
	if _, err := h.recordHealthResult("api", "ghost", false); !isNotFound(err) {
		t.Fatalf("expected NotFound for unknown instance, got %v", err)
	}
}
