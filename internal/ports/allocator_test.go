package ports

import (
	"errors"
	"sync"
	"testing"
)

func TestAllocateExhaustsRange(t *testing.T) {
	allocator := NewAllocator(4000, 8999)
	seen := make(map[int]bool)
	for i := 0; i < 5000; i++ {
		port, err := allocator.Allocate(PurposePreview)
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d issued twice", port)
		}
		seen[port] = true
	}
	if _, err := allocator.Allocate(PurposePreview); !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	allocator := NewAllocator(5000, 5001)
	port, err := allocator.Allocate(PurposeTerminal)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	allocator.Release(port)
	allocator.Release(port)
	allocator.Release(9999)

	stats := allocator.Stats()
	if stats.Leased != 0 || stats.Free != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReleasedPortBecomesAllocatableAgain(t *testing.T) {
	allocator := NewAllocator(5000, 5001)
	first, err := allocator.Allocate(PurposePreview)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := allocator.Allocate(PurposePreview)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	allocator.Release(first)
	allocator.Release(second)

	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		port, err := allocator.Allocate(PurposePreview)
		if err != nil {
			t.Fatalf("re-allocate: %v", err)
		}
		got[port] = true
	}
	if !got[first] || !got[second] {
		t.Fatalf("expected both released ports re-issued, got %v", got)
	}
}

func TestClaimSpecificPort(t *testing.T) {
	allocator := NewAllocator(5000, 5010)
	if err := allocator.Claim(5005, PurposePreview); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := allocator.Claim(5005, PurposePreview); err == nil {
		t.Fatal("expected double claim to fail")
	}
	if err := allocator.Claim(4000, PurposePreview); !errors.Is(err, ErrPortOutOfRange) {
		t.Fatalf("expected ErrPortOutOfRange, got %v", err)
	}
	for i := 0; i < 10; i++ {
		port, err := allocator.Allocate(PurposeTerminal)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if port == 5005 {
			t.Fatal("claimed port re-issued")
		}
	}
}

func TestConcurrentAllocateNeverDoubleLeases(t *testing.T) {
	allocator := NewAllocator(6000, 6099)
	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for worker := 0; worker < 10; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				port, err := allocator.Allocate(PurposePreview)
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				mu.Lock()
				seen[port]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for port, count := range seen {
		if count != 1 {
			t.Fatalf("port %d issued %d times", port, count)
		}
	}
	if len(seen) != 100 {
		t.Fatalf("expected 100 distinct ports, got %d", len(seen))
	}
}
