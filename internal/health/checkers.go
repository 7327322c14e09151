package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	wrapper  *circuitbreaker.RedisWrapper
	critical bool
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. Redis only backs the
// search cache and the event mirror, so it is critical only when asked.
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, critical bool, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		wrapper:  wrapper,
		critical: critical,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "redis", Critical: r.critical, Timestamp: startTime}

	if r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := r.wrapper.Ping(ctx).Err()
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"circuit_breaker_open": false,
	}
	return result
}

// DatabaseHealthChecker checks the session store connection
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{
		wrapper: wrapper,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: startTime}

	if d.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := d.wrapper.PingContext(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	stats := d.wrapper.Stats()
	switch {
	case stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{
		"driver":               d.wrapper.DriverName(),
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
		"circuit_breaker_open": false,
	}
	return result
}

// AdmissionStats is satisfied by *admission.Controller.
type AdmissionStats interface {
	Stats() admission.Stats
}

// AdmissionHealthChecker reports degraded while sessions are waiting for a
// slot. It never fails readiness.
type AdmissionHealthChecker struct {
	source AdmissionStats
}

func NewAdmissionHealthChecker(source AdmissionStats) *AdmissionHealthChecker {
	return &AdmissionHealthChecker{source: source}
}

func (a *AdmissionHealthChecker) Name() string           { return "admission" }
func (a *AdmissionHealthChecker) IsCritical() bool       { return false }
func (a *AdmissionHealthChecker) Timeout() time.Duration { return time.Second }

func (a *AdmissionHealthChecker) Check(context.Context) CheckResult {
	stats := a.source.Stats()
	result := CheckResult{
		Component: "admission",
		Status:    StatusHealthy,
		Message:   "Admission slots available",
		Details: map[string]interface{}{
			"capacity": stats.Capacity,
			"running":  stats.Running,
			"queued":   stats.Queued,
		},
	}
	if stats.Queued > 0 {
		result.Status = StatusDegraded
		result.Message = "Sessions waiting for an admission slot"
	}
	return result
}

// BreakerSource is satisfied by *circuitbreaker.Registry.
type BreakerSource interface {
	Snapshot() []circuitbreaker.BreakerStatus
}

// BreakerHealthChecker reports degraded while any dependency breaker is open,
// so sessions are failing fast on that dependency.
type BreakerHealthChecker struct {
	source BreakerSource
}

func NewBreakerHealthChecker(source BreakerSource) *BreakerHealthChecker {
	return &BreakerHealthChecker{source: source}
}

func (b *BreakerHealthChecker) Name() string           { return "dependencies" }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(context.Context) CheckResult {
	statuses := b.source.Snapshot()
	var open []string
	for _, st := range statuses {
		if st.State == circuitbreaker.StateOpen.String() {
			open = append(open, string(st.Dependency)+"/"+st.Backend)
		}
	}
	result := CheckResult{
		Component: "dependencies",
		Status:    StatusHealthy,
		Message:   "All dependency breakers closed",
		Details: map[string]interface{}{
			"breakers": statuses,
		},
	}
	if len(open) > 0 {
		result.Status = StatusDegraded
		result.Message = "Dependency breakers open"
		result.Details["open"] = open
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
