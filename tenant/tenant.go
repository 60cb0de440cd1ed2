// Package tenant models cells and the lifecycle facility consulted before touching a
// cell's data.
package tenant

import (
	"strings"
	"sync"
)

// Status is a cell's lifecycle state
type Status int

const (
	// StatusNormal means the cell is in service
	StatusNormal Status = iota
	// StatusBulkDeletion means the cell is being torn down
	StatusBulkDeletion
)

// String returns the wire spelling of the status
func (s Status) String() string {
	if s == StatusBulkDeletion {
		return "bulk_deletion"
	}
	return "normal"
}

// ParseStatus converts the wire spelling into a Status. Unknown values map to normal.
func ParseStatus(s string) Status {
	switch strings.ToLower(s) {
	case "bulk_deletion", "bulkdeletion", "deleting":
		return StatusBulkDeletion
	default:
		return StatusNormal
	}
}

// Cell is a tenant namespace
type Cell struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Owner string `json:"owner,omitempty"`
}

// Lifecycle is the advisory coordination facility for cell teardown
type Lifecycle interface {
	Status(cellID string) Status
	Pin(cellID string)
	Unpin(cellID string)
}

// Registry is the in-process Lifecycle: statuses set by a watcher or an operator, and a
// pin count per cell.
type Registry struct {
	mu       sync.Mutex
	statuses map[string]Status
	pins     map[string]int
}

// NewRegistry creates an empty registry. Cells without a recorded status are normal.
func NewRegistry() *Registry {
	return &Registry{
		statuses: make(map[string]Status),
		pins:     make(map[string]int),
	}
}

// Status returns the recorded status of cellID
func (r *Registry) Status(cellID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[cellID]
}

// SetStatus records a status. Setting normal forgets the entry.
func (r *Registry) SetStatus(cellID string, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == StatusNormal {
		delete(r.statuses, cellID)
		return
	}
	r.statuses[cellID] = s
}

// Pin increments the cell's reference count
func (r *Registry) Pin(cellID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins[cellID]++
}

// Unpin decrements the cell's reference count. Unbalanced calls are ignored.
func (r *Registry) Unpin(cellID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.pins[cellID]
	switch {
	case n <= 1:
		delete(r.pins, cellID)
	default:
		r.pins[cellID] = n - 1
	}
}

// Pins returns the current reference count of cellID
func (r *Registry) Pins(cellID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pins[cellID]
}

// Idle reports whether no cell is pinned
func (r *Registry) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pins) == 0
}
