package health

import (
	"sort"
	"sync"
)

// CheckFunc reports the current health of one component
type CheckFunc func() Status

// Monitor aggregates named health checks. Checks run on every query so the
// result is never stale.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a monitor with no checks
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check for name
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Remove drops the check for name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Get runs the check for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	check, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return run(name, check), true
}

// ListComponents returns the registered names in order
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth runs every check and combines the results
func (m *Monitor) AggregateHealth(system string) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(checks))
	for name, check := range checks {
		statuses = append(statuses, run(name, check))
	}
	return Aggregate(system, statuses)
}

// run calls check, treating a panic as unhealthy
func run(name string, check CheckFunc) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = NewUnhealthy(name, "health check panicked")
		}
	}()
	status = check()
	status.Component = name
	return status
}
