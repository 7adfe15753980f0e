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

func failing(msg string) CheckerFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func healthy(context.Context) error { return nil }

func serveHealth(h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHandlerHealthy(t *testing.T) {
	hm := NewHealthManager("1.2.3")
	hm.RegisterChecker("rate_gate", CheckerFunc(healthy))
	hm.RegisterChecker("store", CheckerFunc(healthy))

	rec := serveHealth(hm.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["store"].Status)
	assert.Empty(t, resp.Checks["store"].Error)
}

func TestHealthHandlerOptionalFailureDegrades(t *testing.T) {
	hm := NewHealthManager("dev")
	hm.RegisterChecker("rate_gate", CheckerFunc(healthy))
	hm.RegisterOptional("redis", failing("dial tcp: connection refused"))

	rec := serveHealth(hm.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Checks["redis"].Optional)
	assert.Equal(t, StatusUnhealthy, resp.Checks["redis"].Status)
	assert.Contains(t, resp.Checks["redis"].Error, "connection refused")

	assert.Equal(t, http.StatusOK, serveHealth(hm.ReadinessHandler, "/health/ready").Code)
}

func TestHealthHandlerRequiredFailure(t *testing.T) {
	hm := NewHealthManager("1.2.3")
	hm.RegisterChecker("store", failing("database is locked"))

	rec := serveHealth(hm.HealthHandler, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")

	var resp struct {
		Success bool                   `json:"success"`
		Code    string                 `json:"code"`
		Details map[string]interface{} `json:"details"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Code)

	checks, ok := resp.Details["checks"].(map[string]interface{})
	require.True(t, ok, "expected checks in error details, got %v", resp.Details)
	assert.Equal(t, StatusUnhealthy, checks["store"])
	assert.Equal(t, []interface{}{"store"}, resp.Details["unhealthy_checks"])
}

func TestFailureEnvelopeKeepsCheckStatuses(t *testing.T) {
	envelope := failureEnvelope("readiness probe failed", "readiness", map[string]CheckReport{
		"store":     {Status: StatusUnhealthy},
		"rate_gate": {Status: StatusHealthy},
		"redis":     {Status: StatusTimeout},
	})

	assert.Equal(t, map[string]interface{}{
		"store":     StatusUnhealthy,
		"rate_gate": StatusHealthy,
		"redis":     StatusTimeout,
	}, envelope.Details["checks"])
	assert.Equal(t, StatusUnhealthy, envelope.Context["status"])
	assert.Equal(t, "readiness", envelope.Context["probe"])
	assert.Equal(t, []interface{}{"redis", "store"}, envelope.Context["unhealthy_checks"])
}

func TestLivenessIgnoresChecks(t *testing.T) {
	hm := NewHealthManager("dev")
	hm.RegisterChecker("store", failing("down"))

	assert.Equal(t, http.StatusOK, serveHealth(hm.LivenessHandler, "/health/live").Code)
}

func TestReadinessAndStartupFailWhenUnhealthy(t *testing.T) {
	hm := NewHealthManager("dev")
	hm.RegisterChecker("rate_gate", failing("down"))

	assert.Equal(t, http.StatusServiceUnavailable, serveHealth(hm.ReadinessHandler, "/health/ready").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serveHealth(hm.StartupHandler, "/health/startup").Code)
}

func TestChecksRunConcurrently(t *testing.T) {
	hm := NewHealthManager("dev")
	slow := CheckerFunc(func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	for _, name := range []string{"a", "b", "c", "d"} {
		hm.RegisterChecker(name, slow)
	}

	started := time.Now()
	reports := hm.runChecks(context.Background())
	assert.Less(t, time.Since(started), 700*time.Millisecond)
	assert.Len(t, reports, 4)
}

func TestRunCheckTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := runCheck(ctx, "store", registeredCheck{checker: CheckerFunc(healthy)})
	assert.Equal(t, StatusTimeout, report.Status)
}

func TestOverallStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, overallStatus(nil))
	assert.Equal(t, StatusDegraded, overallStatus(map[string]CheckReport{"db": {Status: StatusTimeout}}))
	assert.Equal(t, StatusDegraded, overallStatus(map[string]CheckReport{"redis": {Status: StatusUnhealthy, Optional: true}}))
	assert.Equal(t, StatusUnhealthy, overallStatus(map[string]CheckReport{
		"redis": {Status: StatusUnhealthy, Optional: true},
		"gate":  {Status: StatusUnhealthy},
	}))
}
