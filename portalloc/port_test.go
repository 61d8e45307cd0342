package portalloc

import (
	"errors"
	"testing"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	a := New(40000, 40002)

	p1, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p1 < 40000 || p1 > 40002 {
		t.Fatalf("port %d out of range", p1)
	}

	a.Release(p1)
	if a.InUse() != 0 {
		t.Fatalf("expected 0 in use after release, got %d", a.InUse())
	}

	p2, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if p2 != p1 {
		// The rotating cursor moves past a released port, so the next
		// allocation is normally a different one; either outcome is fine.
		t.Logf("reallocated different port %d (was %d) - acceptable", p2, p1)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(50000, 50001)
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	_, err := a.Allocate()
	if !errors.Is(err, ErrNoPortsAvailable) {
		t.Fatalf("expected ErrNoPortsAvailable, got %v", err)
	}
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	a := New(60000, 60005)
	a.Release(60003) // never allocated
	if a.InUse() != 0 {
		t.Fatalf("expected 0 in use, got %d", a.InUse())
	}
}

func TestUniquenessUnderConcurrentAllocation(t *testing.T) {
	a := New(45000, 45099)
	const n = 100
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			p, err := a.Allocate()
			if err != nil {
				results <- -1
				return
			}
			results <- p
		}()
	}
	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		p := <-results
		if p == -1 {
			continue
		}
		if seen[p] {
			t.Fatalf("port %d allocated twice", p)
		}
		seen[p] = true
	}
}
