package observability

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"

	"github.com/cryptowealth/datahub/internal/config"
)

var (
	// TelemetrySystem receives every counter, gauge and histogram. Nil means
	// metrics are off and recorders return immediately.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves the scrape endpoint that /metrics proxies.
	PrometheusExporter *exporters.PrometheusExporter

	metricsPort int
)

// ErrMetricsDisabled is returned by InitMetrics when cfg disables metrics.
var ErrMetricsDisabled = errors.New("metrics disabled")

// InitMetrics starts the Prometheus exporter on cfg.Port (0 picks a free
// port) and installs a telemetry system emitting to it. namespace prefixes
// metric names and defaults to serviceName.
func InitMetrics(serviceName string, cfg config.MetricsConfig, namespace string) error {
	if !cfg.Enabled {
		return ErrMetricsDisabled
	}
	if namespace == "" {
		namespace = serviceName
	}

	port := max(cfg.Port, 0)
	exporter := exporters.NewPrometheusExporter(namespace, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}
	if bound, err := portOf(exporter.GetAddr()); err == nil {
		port = bound
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: exporter})
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("create telemetry system: %w", err)
	}

	PrometheusExporter = exporter
	TelemetrySystem = sys
	metricsPort = port
	telemetry.SetGlobalSystem(sys)
	return nil
}

// GetMetricsPort returns the port the exporter bound, or 0 before InitMetrics.
func GetMetricsPort() int {
	return metricsPort
}

func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
