package ports

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultRangeStart = 4000
	DefaultRangeEnd   = 8999
)

var ErrPortsExhausted = errors.New("no free ports in range")
var ErrPortOutOfRange = errors.New("port outside managed range")

// Purpose tags what a leased port is serving.
type Purpose string

const (
	PurposeTerminal Purpose = "terminal"
	PurposePreview  Purpose = "preview"
)

// Lease is an exclusive claim on one port from the managed pool.
type Lease struct {
	Port     int
	Purpose  Purpose
	LeasedAt time.Time
}

type Stats struct {
	Total  int `json:"total"`
	Leased int `json:"leased"`
	Free   int `json:"free"`
}

// Allocator hands out ports from a fixed inclusive range. It is safe for
// concurrent use; every allocate/release is atomic. Ports are issued from a
// moving cursor so a just-released port is not immediately re-issued while
// its previous owner may still be shutting down.
type Allocator struct {
	mu     sync.Mutex
	start  int
	end    int
	cursor int
	leases map[int]Lease
	clock  func() time.Time
}

func NewAllocator(start, end int) *Allocator {
	if start <= 0 || end < start {
		start = DefaultRangeStart
		end = DefaultRangeEnd
	}
	return &Allocator{
		start:  start,
		end:    end,
		cursor: start,
		leases: make(map[int]Lease),
		clock:  time.Now,
	}
}

// NewAllocatorWithClock is used by tests to control lease timestamps.
func NewAllocatorWithClock(start, end int, clock func() time.Time) *Allocator {
	allocator := NewAllocator(start, end)
	if clock != nil {
		allocator.clock = clock
	}
	return allocator
}

// Allocate leases the next free port for the given purpose. It returns
// ErrPortsExhausted when every port in the range is leased; no partial
// state is left behind on failure.
func (a *Allocator) Allocate(purpose Purpose) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.end - a.start + 1
	for i := 0; i < total; i++ {
		port := a.cursor + i
		if port > a.end {
			port = a.start + (port - a.end - 1)
		}
		if _, leased := a.leases[port]; leased {
			continue
		}
		a.leases[port] = Lease{
			Port:     port,
			Purpose:  purpose,
			LeasedAt: a.clock(),
		}
		a.cursor = port + 1
		if a.cursor > a.end {
			a.cursor = a.start
		}
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// Claim leases a specific port, used when rehydrating persisted state. It
// fails when the port is outside the range or already leased.
func (a *Allocator) Claim(port int, purpose Purpose) error {
	if port < a.start || port > a.end {
		return ErrPortOutOfRange
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, leased := a.leases[port]; leased {
		return errors.New("port already leased")
	}
	a.leases[port] = Lease{
		Port:     port,
		Purpose:  purpose,
		LeasedAt: a.clock(),
	}
	return nil
}

// Release frees a leased port. Releasing an unknown or already-free port is
// a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.leases, port)
	a.mu.Unlock()
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	leased := len(a.leases)
	total := a.end - a.start + 1
	a.mu.Unlock()
	return Stats{
		Total:  total,
		Leased: leased,
		Free:   total - leased,
	}
}

// Leases returns a snapshot of current leases.
func (a *Allocator) Leases() []Lease {
	a.mu.Lock()
	out := make([]Lease, 0, len(a.leases))
	for _, lease := range a.leases {
		out = append(out, lease)
	}
	a.mu.Unlock()
	return out
}

func (a *Allocator) Leased(port int) bool {
	a.mu.Lock()
	_, leased := a.leases[port]
	a.mu.Unlock()
	return leased
}
