package runtime

import "testing"

func TestRegistryDispatch(t *testing.T) {
	proc := NewProcessBackend()
	reg := NewRegistry(proc)

	b, err := reg.Get(Process)
	if err != nil {
		t.Fatalf("Get(Process): %v", err)
	}
	if b.Kind() != Process {
		t.Fatalf("got kind %v, want %v", b.Kind(), Process)
	}

	if _, err := reg.Get(Sandbox); err == nil {
		t.Fatalf("expected error for unregistered backend")
	}
}

func TestProcessBackendAvailableAlways(t *testing.T) {
	if !NewProcessBackend().IsAvailable() {
		t.Fatalf("process backend must always be available")
	}
}

func TestProcessSpawnAndKill(t *testing.T) {
	b := NewProcessBackend()
	h, err := b.Spawn(testContext(t), Spec{
		InstanceID: "test:1",
		Command:    "sleep",
		Args:       []string{"30"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !b.IsRunning(h) {
		t.Fatalf("expected running immediately after spawn")
	}
	if err := b.Kill(testContext(t), h); err != nil {
		t.Fatalf("kill: %v", err)
	}
}

func TestProcessSpawnMissingBinary(t *testing.T) {
	b := NewProcessBackend()
	_, err := b.Spawn(testContext(t), Spec{InstanceID: "test:2", Command: "/no/such/binary-xyz"})
	if err == nil {
		t.Fatalf("expected error spawning nonexistent binary")
	}
	var se *SpawnError
	if !asSpawnError(err, &se) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if se.Code != ErrMissingBinary {
		t.Fatalf("got code %v, want %v", se.Code, ErrMissingBinary)
	}
}
