package metrics

import (
	"time"

	"github.com/amu-labs/gatekeep/internal/observability"
)

// Gateway metric names following Prometheus conventions.
const (
	CoordinatorAcquiresTotal  = "coordinator_acquires_total"
	CoordinatorWaitDuration   = "coordinator_wait_duration_ms"
	CoordinatorAbandonedTotal = "coordinator_abandoned_total"

	RateLimitChecksTotal      = "rate_limit_checks_total"
	RateLimitAttemptsTotal    = "rate_limit_attempts_total"
	RateLimitStoreErrorsTotal = "rate_limit_store_errors_total"

	UpstreamRequestsTotal   = "upstream_requests_total"
	UpstreamRequestDuration = "upstream_request_duration_ms"

	HealthCheckTotal    = "health_check_total"
	HealthCheckDuration = "health_check_duration_ms"

	ServerStartTime = "server_start_time_seconds"
)

// RecordCoordinatorAcquire records a key acquisition and how long the caller
// waited for it.
func RecordCoordinatorAcquire(waited bool, wait time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}

	outcome := "immediate"
	if waited {
		outcome = "waited"
	}
	_ = observability.TelemetrySystem.Counter(CoordinatorAcquiresTotal, 1, map[string]string{
		"outcome": outcome,
	})
	if waited {
		_ = observability.TelemetrySystem.Histogram(CoordinatorWaitDuration, wait, nil)
	}
}

// RecordCoordinatorAbandoned records a waiter that gave up ("timeout" or
// "cancelled") before acquiring its key.
func RecordCoordinatorAbandoned(reason string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(CoordinatorAbandonedTotal, 1, map[string]string{
			"reason": reason,
		})
	}
}

// RecordRateLimitCheck records an admission decision for a scope family.
func RecordRateLimitCheck(family string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(RateLimitChecksTotal, 1, map[string]string{
			"scope":    family,
			"decision": decision,
		})
	}
}

// RecordRateLimitAttempt records a logged attempt for a scope family.
func RecordRateLimitAttempt(family string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(RateLimitAttemptsTotal, 1, map[string]string{
			"scope": family,
		})
	}
}

// RecordRateLimitStoreError records a failed attempt store operation.
func RecordRateLimitStoreError(family string, operation string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(RateLimitStoreErrorsTotal, 1, map[string]string{
			"scope":     family,
			"operation": operation,
		})
	}
}

// RecordUpstreamRequest records a forwarded request by route and status class.
func RecordUpstreamRequest(route string, statusClass string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}

	_ = observability.TelemetrySystem.Counter(UpstreamRequestsTotal, 1, map[string]string{
		"route":  route,
		"status": statusClass,
	})
	_ = observability.TelemetrySystem.Histogram(UpstreamRequestDuration, duration, map[string]string{
		"route": route,
	})
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(HealthCheckTotal, 1, map[string]string{
			"check":  checkName,
			"status": status,
		})
		_ = observability.TelemetrySystem.Histogram(HealthCheckDuration, duration, map[string]string{
			"check": checkName,
		})
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
	}
}
