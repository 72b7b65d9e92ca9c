package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects orchestrator counters. The zero value is usable; the
// package-level Default instance is shared by components that are not
// handed an explicit registry.
type Registry struct {
	sessionsSpawned    atomic.Int64
	sessionsFailed     atomic.Int64
	sessionsStopped    atomic.Int64
	deploymentsCreated atomic.Int64
	deploymentsFailed  atomic.Int64
	deploymentsStopped atomic.Int64
	busDrops           sync.Map

	mu     sync.Mutex
	gauges map[string]func() int64
}

var Default = &Registry{}

func (r *Registry) IncSessionSpawned() {
	if r == nil {
		return
	}
	r.sessionsSpawned.Add(1)
}

func (r *Registry) IncSessionFailed() {
	if r == nil {
		return
	}
	r.sessionsFailed.Add(1)
}

func (r *Registry) IncSessionStopped() {
	if r == nil {
		return
	}
	r.sessionsStopped.Add(1)
}

func (r *Registry) IncDeploymentCreated() {
	if r == nil {
		return
	}
	r.deploymentsCreated.Add(1)
}

func (r *Registry) IncDeploymentFailed() {
	if r == nil {
		return
	}
	r.deploymentsFailed.Add(1)
}

func (r *Registry) IncDeploymentStopped() {
	if r == nil {
		return
	}
	r.deploymentsStopped.Add(1)
}

// RecordBusDrop counts an event dropped because a subscriber buffer was full.
func (r *Registry) RecordBusDrop(bus string, count int64) {
	if r == nil || count <= 0 {
		return
	}
	if strings.TrimSpace(bus) == "" {
		bus = "unknown"
	}
	value, _ := r.busDrops.LoadOrStore(bus, &atomic.Int64{})
	value.(*atomic.Int64).Add(count)
}

// RegisterGauge registers a sampled-at-scrape-time gauge, replacing any
// previous gauge with the same name.
func (r *Registry) RegisterGauge(name string, sample func() int64) {
	if r == nil || strings.TrimSpace(name) == "" || sample == nil {
		return
	}
	r.mu.Lock()
	if r.gauges == nil {
		r.gauges = make(map[string]func() int64)
	}
	r.gauges[name] = sample
	r.mu.Unlock()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil || writer == nil {
		return nil
	}

	counters := []struct {
		name  string
		help  string
		value int64
	}{
		{"vibedeck_sessions_spawned_total", "Terminal sessions spawned.", r.sessionsSpawned.Load()},
		{"vibedeck_sessions_failed_total", "Terminal session spawns that failed.", r.sessionsFailed.Load()},
		{"vibedeck_sessions_stopped_total", "Terminal sessions stopped.", r.sessionsStopped.Load()},
		{"vibedeck_deployments_created_total", "Preview deployments created.", r.deploymentsCreated.Load()},
		{"vibedeck_deployments_failed_total", "Preview deployments that ended in error.", r.deploymentsFailed.Load()},
		{"vibedeck_deployments_stopped_total", "Preview deployments stopped.", r.deploymentsStopped.Load()},
	}
	for _, counter := range counters {
		if _, err := fmt.Fprintf(writer, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", counter.name, counter.help, counter.name, counter.name, counter.value); err != nil {
			return err
		}
	}

	type drop struct {
		bus   string
		value int64
	}
	var drops []drop
	r.busDrops.Range(func(key, value any) bool {
		drops = append(drops, drop{bus: key.(string), value: value.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(drops, func(i, j int) bool { return drops[i].bus < drops[j].bus })
	if len(drops) > 0 {
		if _, err := fmt.Fprintf(writer, "# HELP vibedeck_bus_dropped_total Events dropped by slow subscribers.\n# TYPE vibedeck_bus_dropped_total counter\n"); err != nil {
			return err
		}
		for _, entry := range drops {
			if _, err := fmt.Fprintf(writer, "vibedeck_bus_dropped_total{bus=%q} %d\n", entry.bus, entry.value); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	names := make([]string, 0, len(r.gauges))
	for name := range r.gauges {
		names = append(names, name)
	}
	samples := make(map[string]func() int64, len(r.gauges))
	for name, sample := range r.gauges {
		samples[name] = sample
	}
	r.mu.Unlock()
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(writer, "# TYPE %s gauge\n%s %d\n", name, name, samples[name]()); err != nil {
			return err
		}
	}
	return nil
}
