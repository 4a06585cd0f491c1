// Package handlers implements the status endpoint handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check results.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
	StatusDegraded  = "degraded"
)

// DefaultCheckTimeout bounds each registered checker.
const DefaultCheckTimeout = 5 * time.Second

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for GET /health.
type HealthManager struct {
	version string
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		timeout:  DefaultCheckTimeout,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the checker called name.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := checkers[i].CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = StatusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = StatusTimeout
		default:
			results[name] = StatusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, s := range checks {
		switch s {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout:
			status = StatusDegraded
		}
	}
	return status
}

// HealthHandler answers 200 when every check passes or merely timed out,
// and 503 with the per-check results otherwise.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == StatusUnhealthy {
		WriteError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "one or more health checks failed",
			map[string]any{"checks": checks})
		return
	}

	resp := HealthResponse{Status: status, Version: m.version}
	if len(checks) > 0 {
		resp.Checks = checks
	}
	writeJSON(w, http.StatusOK, resp)
}
