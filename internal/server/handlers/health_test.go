package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("ok", stubChecker{err: nil})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["ok"])
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("converter", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "expected checks in error details")
	assert.Equal(t, "unhealthy", checks["converter"])
}

func TestHealthHandlerTimeoutIsDegraded(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.timeout = 10 * time.Millisecond
	manager.RegisterChecker("slow", CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	assert.Equal(t, "healthy", manager.determineOverallStatus(nil))
	assert.Equal(t, "degraded", manager.determineOverallStatus(map[string]string{"a": "healthy", "b": "timeout"}))
	assert.Equal(t, "unhealthy", manager.determineOverallStatus(map[string]string{"a": "timeout", "b": "unhealthy"}))
}

func TestStatusHandlerNilSource(t *testing.T) {
	rec := httptest.NewRecorder()
	StatusHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
