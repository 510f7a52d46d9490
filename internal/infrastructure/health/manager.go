// Package health aggregates component liveness for the runtime: a registry
// of CheckHealth probes and a resource monitor feeding the health surfaces.
package health

import (
	"sort"
	"sync"

	"option_trader/internal/core"
)

// Manager collects health checks registered by components. Checks run on
// demand; a check must be cheap and must not block on upstream I/O.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Deregister removes a component's check, for components that shut down
// before the process does.
func (m *Manager) Deregister(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, component)
}

// GetStatus runs every check and reports per-component status strings.
func (m *Manager) GetStatus() map[string]string {
	status := make(map[string]string, len(m.checks))
	for component, err := range m.run() {
		if err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes. An empty
// registry is healthy.
func (m *Manager) IsHealthy() bool {
	for component, err := range m.run() {
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("Component unhealthy", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}

// Components returns the registered component names, sorted.
func (m *Manager) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// run snapshots the registry under the lock and evaluates checks outside
// it, so a slow check cannot block Register.
func (m *Manager) run() map[string]error {
	m.mu.RLock()
	checks := make(map[string]func() error, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check()
	}
	return results
}
