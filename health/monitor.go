package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// CheckFunc reports the current health of one part
type CheckFunc func() error

type check struct {
	fn       CheckFunc
	critical bool
}

// Monitor runs named checks and aggregates their results
type Monitor struct {
	system string

	mu     sync.RWMutex
	checks map[string]check
}

// NewMonitor creates a monitor whose aggregate is reported under system
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system: system,
		checks: make(map[string]check),
	}
}

// Register adds or replaces a named check. A failing non-critical check reports degraded.
func (m *Monitor) Register(name string, fn CheckFunc, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check{fn: fn, critical: critical}
}

// Remove removes a check
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// ListComponents returns the registered check names, sorted
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

// Get runs one check
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	c, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return c.run(name), true
}

// AggregateHealth runs every check and folds the results. Sub-statuses are ordered by name.
func (m *Monitor) AggregateHealth() Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	checks := make(map[string]check, len(m.checks))
	for name, c := range m.checks {
		names = append(names, name)
		checks[name] = c
	}
	m.mu.RUnlock()

	// run outside the lock
	sort.Strings(names)
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, checks[name].run(name))
	}
	return Aggregate(m.system, subs)
}

// ServeHTTP writes the aggregate as JSON: 200 unless the aggregate is unhealthy
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.AggregateHealth()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (c check) run(name string) Status {
	status := FromError(name, c.fn())
	if !c.critical && status.IsUnhealthy() {
		status.Status = StateDegraded
	}
	return status
}
