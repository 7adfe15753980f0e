package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryptowealth/datahub/internal/metrics"
	"github.com/cryptowealth/datahub/internal/observability"
)

// Check statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckReport `json:"checks,omitempty"`
}

// CheckReport is the outcome of one check.
type CheckReport struct {
	Status    string `json:"status"`
	Optional  bool   `json:"optional,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

type registeredCheck struct {
	checker  HealthChecker
	optional bool
}

// HealthManager runs registered checks for the probe endpoints. A failing
// required check makes the service unhealthy; a failing optional one (a
// snapshot backend the cache can live without) only degrades it.
type HealthManager struct {
	mu      sync.RWMutex
	checks  map[string]registeredCheck
	version string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checks:  make(map[string]registeredCheck),
		version: version,
	}
}

// RegisterChecker registers a required check.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.register(name, checker, false)
}

// RegisterOptional registers a check whose failure degrades but does not
// fail readiness.
func (hm *HealthManager) RegisterOptional(name string, checker HealthChecker) {
	hm.register(name, checker, true)
}

func (hm *HealthManager) register(name string, checker HealthChecker, optional bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[name] = registeredCheck{checker: checker, optional: optional}
}

// runChecks runs every check concurrently under ctx.
func (hm *HealthManager) runChecks(ctx context.Context) map[string]CheckReport {
	hm.mu.RLock()
	checks := make(map[string]registeredCheck, len(hm.checks))
	for name, c := range hm.checks {
		checks[name] = c
	}
	hm.mu.RUnlock()

	var (
		mu      sync.Mutex
		reports = make(map[string]CheckReport, len(checks))
		g       errgroup.Group
	)
	for name, c := range checks {
		g.Go(func() error {
			report := runCheck(ctx, name, c)
			mu.Lock()
			reports[name] = report
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func runCheck(ctx context.Context, name string, c registeredCheck) CheckReport {
	report := CheckReport{Optional: c.optional}
	if ctx.Err() != nil {
		report.Status = StatusTimeout
		return report
	}

	started := time.Now()
	err := c.checker.CheckHealth(ctx)
	elapsed := time.Since(started)
	metrics.RecordHealthCheck(name, err == nil, elapsed)

	report.LatencyMS = elapsed.Milliseconds()
	switch {
	case err == nil:
		report.Status = StatusHealthy
	case ctx.Err() != nil:
		report.Status = StatusTimeout
		report.Error = err.Error()
	default:
		report.Status = StatusUnhealthy
		report.Error = err.Error()
	}
	return report
}

// overallStatus is unhealthy if any required check failed, degraded if an
// optional check failed or any check timed out, else healthy.
func overallStatus(reports map[string]CheckReport) string {
	status := StatusHealthy
	for _, r := range reports {
		switch {
		case r.Status == StatusUnhealthy && !r.Optional:
			return StatusUnhealthy
		case r.Status != StatusHealthy:
			status = StatusDegraded
		}
	}
	return status
}

func (hm *HealthManager) evaluate(r *http.Request, timeout time.Duration) (string, map[string]CheckReport) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	reports := hm.runChecks(ctx)
	return overallStatus(reports), reports
}

// HealthHandler handles aggregate health check requests
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, reports := hm.evaluate(r, 5*time.Second)
	if status == StatusUnhealthy {
		hm.fail(w, r, "", reports)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    reports,
	})
}

// LivenessHandler reports whether the process is serving. It runs no checks.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ProbeResponse{Status: StatusHealthy, Timestamp: time.Now().UTC()})
}

// ReadinessHandler indicates if the application is ready to serve traffic
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "ready", 5*time.Second)
}

// StartupHandler indicates if the application has completed initialization
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "startup", 3*time.Second)
}

func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, name string, timeout time.Duration) {
	status, reports := hm.evaluate(r, timeout)
	if status == StatusUnhealthy {
		hm.fail(w, r, name, reports)
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
}

func (hm *HealthManager) fail(w http.ResponseWriter, r *http.Request, probe string, reports map[string]CheckReport) {
	message := probe + " probe failed"
	if probe == "" {
		message = "aggregate health check failed"
	}
	respondWithError(w, r, failureEnvelope(message, probe, reports))
}

// failureEnvelope carries per-check statuses and the failing check names.
// Check error strings stay in the logs. gofulmen context values must be
// scalars or string lists, so the status map travels in Details.
func failureEnvelope(message, probe string, reports map[string]CheckReport) *errors.ErrorEnvelope {
	statuses := make(map[string]interface{}, len(reports))
	failing := make([]interface{}, 0, len(reports))
	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		statuses[name] = reports[name].Status
		if reports[name].Status != StatusHealthy {
			failing = append(failing, name)
		}
	}

	summary := map[string]interface{}{"status": StatusUnhealthy}
	if probe != "" {
		summary["probe"] = probe
	}
	if len(failing) > 0 {
		summary["unhealthy_checks"] = failing
	}

	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", message).
		WithDetails(map[string]interface{}{"checks": statuses})
	if _, err := envelope.WithContext(summary); err != nil {
		// WithContext keeps the valid keys and reports the rest.
		if logger := observability.ServerLogger; logger != nil {
			logger.Warn("Health failure context rejected", zap.Error(err))
		}
	}
	return envelope
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
