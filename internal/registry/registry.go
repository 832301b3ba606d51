// Package registry holds the service handles the orchestrator composes and
// tracks their health status. Handles are type-erased; consumers assert the
// interface they need, which keeps the dependency graph acyclic.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a registered service.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Entry describes one registered service.
type Entry struct {
	Name      string
	Handle    any
	Required  bool
	Status    Status
	LastCheck time.Time
	LastError string
}

// Registry is a mutex-guarded service map. Reads return copies of entries so
// callers can inspect status without holding the lock.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Entry
	order    []string // registration order, drives startup/shutdown sequencing
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{services: make(map[string]*Entry)}
}

// Register adds a service. At most one entry may exist per name.
func (r *Registry) Register(name string, handle any, required bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("registry: service %q already registered", name)
	}
	r.services[name] = &Entry{
		Name:     name,
		Handle:   handle,
		Required: required,
		Status:   StatusUnknown,
	}
	r.order = append(r.order, name)
	return nil
}

// Unregister removes a service by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; !exists {
		return
	}
	delete(r.services, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the handle for a service, if registered.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[name]
	if !ok {
		return nil, false
	}
	return entry.Handle, true
}

// GetEntry returns a copy of the full entry.
func (r *Registry) GetEntry(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[name]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns entry copies in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		if entry, ok := r.services[name]; ok {
			out = append(out, *entry)
		}
	}
	return out
}

// SetStatus updates a service's status. An empty errText clears the last
// error.
func (r *Registry) SetStatus(name string, status Status, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[name]
	if !ok {
		return
	}
	entry.Status = status
	entry.LastCheck = time.Now()
	entry.LastError = errText
}

// GetStatus returns the current status for a service, or StatusUnknown when
// the name is not registered.
func (r *Registry) GetStatus(name string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.services[name]; ok {
		return entry.Status
	}
	return StatusUnknown
}

// ListRequired returns the names of required services in registration order.
func (r *Registry) ListRequired() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if entry, ok := r.services[name]; ok && entry.Required {
			out = append(out, name)
		}
	}
	return out
}

// AllRequiredRunning reports whether every required service is running.
func (r *Registry) AllRequiredRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.services {
		if entry.Required && entry.Status != StatusRunning {
			return false
		}
	}
	return true
}
