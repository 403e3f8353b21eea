// Package health aggregates component checks into one readiness answer
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// Check returns nil while the component is healthy
type Check func() error

// Manager holds the registered checks
type Manager struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewManager() *Manager {
	return &Manager{checks: make(map[string]Check)}
}

// Register adds or replaces the check of a component
func (m *Manager) Register(component string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status runs every check and reports each component as "ok" or its error
func (m *Manager) Status() (map[string]string, bool) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(names)
	status := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := checks[name](); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	return status, healthy
}

// Handler serves the status as JSON, 503 when any check fails
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, healthy := m.Status()
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"healthy": healthy, "components": status})
	})
}
