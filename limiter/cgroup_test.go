package limiter

import "testing"

func TestLimitsHasLimits(t *testing.T) {
	if (Limits{}).hasLimits() {
		t.Fatalf("zero-value Limits must report no limits")
	}
	if !(Limits{MemoryMB: 256}).hasLimits() {
		t.Fatalf("MemoryMB alone should count as a limit")
	}
	if !(Limits{CPUWeight: 100}).hasLimits() {
		t.Fatalf("CPUWeight alone should count as a limit")
	}
}

func TestApplyNoopWhenUnavailable(t *testing.T) {
	m := New()
	if m.IsAvailable() {
		t.Skip("cgroups v2 available in this environment, no-op path not exercised")
	}
	if err := m.Apply("svc:1", Limits{MemoryMB: 128}, 1); err != nil {
		t.Fatalf("Apply should no-op without error when unavailable: %v", err)
	}
	m.Release("svc:1") // must not panic
}

func TestSplitLines(t *testing.T) {
	got := splitLines([]byte("1\n2\n3"))
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
