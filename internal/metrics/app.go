// Package metrics names and emits datahub's domain metrics through the
// process telemetry system. Every recorder is a no-op until telemetry is
// initialized.
package metrics

import (
	"time"

	"github.com/cryptowealth/datahub/internal/observability"
)

// Metric names follow Prometheus conventions.
const (
	UpstreamCallsTotal       = "datahub_upstream_calls_total"
	UpstreamCallDuration     = "datahub_upstream_call_duration_ms"
	CacheLookupsTotal        = "datahub_cache_lookups_total"
	CacheEntries             = "datahub_cache_entries"
	RateLimitRejectionsTotal = "datahub_rate_limit_rejections_total"
	RateLimitRemaining       = "datahub_rate_limit_remaining"
	CollectorCyclesTotal     = "datahub_collector_cycles_total"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"
	ServerStartTime     = "app_server_start_time_seconds"
)

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

type labels = map[string]string

func count(name string, tags labels) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(name, 1, tags)
	}
}

func gauge(name string, value float64, tags labels) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(name, value, tags)
	}
}

func observe(name string, d time.Duration, tags labels) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Histogram(name, d, tags)
	}
}

func outcomeLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// RecordUpstreamCall records one resilient fetch against an upstream.
func RecordUpstreamCall(upstream, outcome string, duration time.Duration) {
	count(UpstreamCallsTotal, labels{"upstream": upstream, "outcome": outcome})
	observe(UpstreamCallDuration, duration, labels{"upstream": upstream})
}

// RecordCacheLookup records a cache hit, miss, or stale serve.
func RecordCacheLookup(upstream, result string) {
	count(CacheLookupsTotal, labels{"upstream": upstream, "result": result})
}

// SetCacheEntries reports the number of cached payloads.
func SetCacheEntries(n int) {
	gauge(CacheEntries, float64(n), nil)
}

// RecordRateLimitRejection records a call refused by the local rate gate.
func RecordRateLimitRejection(upstream string) {
	count(RateLimitRejectionsTotal, labels{"upstream": upstream})
}

// SetRateLimitRemaining reports the calls left in an upstream's window.
func SetRateLimitRemaining(upstream string, remaining int) {
	gauge(RateLimitRemaining, float64(remaining), labels{"upstream": upstream})
}

// RecordCollectorCycle records one background refresh cycle.
func RecordCollectorCycle(success bool) {
	count(CollectorCyclesTotal, labels{"status": outcomeLabel(success, "success", "failure")})
}

// RecordHealthCheck records one health check run.
func RecordHealthCheck(check string, healthy bool, duration time.Duration) {
	count(HealthCheckTotal, labels{"check": check, "status": outcomeLabel(healthy, "healthy", "unhealthy")})
	observe(HealthCheckDuration, duration, labels{"check": check})
}

// SetServerStartTime records the server start as a Unix timestamp.
func SetServerStartTime(unix int64) {
	gauge(ServerStartTime, float64(unix), nil)
}
