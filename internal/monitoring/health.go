package monitoring

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/infrastructure/config"
)

// HealthSignals is the consistent snapshot one health tick evaluates.
type HealthSignals struct {
	HeapUsedPercent   float64
	MeanResponseTime  time.Duration
	ErrorRate         float64
	SampledRequests   int
	ActiveConnections int64
}

// HealthEvaluator computes the aggregate health verdict on a fixed tick.
// The whole result is swapped atomically so readers never observe a mix of
// old and new checks.
type HealthEvaluator struct {
	cfg    config.MonitoringConfig
	logger *zap.Logger

	current atomic.Pointer[HealthCheckResult]
}

// NewHealthEvaluator seeds the evaluator with a healthy result so readiness
// probes pass before the first tick.
func NewHealthEvaluator(cfg config.MonitoringConfig, logger *zap.Logger) *HealthEvaluator {
	h := &HealthEvaluator{cfg: cfg, logger: logger}
	initial := &HealthCheckResult{
		Timestamp: time.Now().UTC(),
		Status:    StatusHealthy,
		Checks:    map[string]CheckResult{},
	}
	h.current.Store(initial)
	return h
}

// Current returns the latest whole-tick result.
func (h *HealthEvaluator) Current() HealthCheckResult {
	return *h.current.Load()
}

// Evaluate computes all four checks from the signals and swaps in the
// complete result. Any internal fault yields a StatusError result rather
// than propagating.
func (h *HealthEvaluator) Evaluate(signals HealthSignals) HealthCheckResult {
	result := h.compute(signals)
	h.current.Store(&result)
	return result
}

func (h *HealthEvaluator) compute(signals HealthSignals) (result HealthCheckResult) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("health evaluation fault contained", zap.Any("panic", r))
			result = HealthCheckResult{
				Timestamp: time.Now().UTC(),
				Status:    StatusError,
				Checks:    map[string]CheckResult{},
			}
		}
	}()

	checks := map[string]CheckResult{
		"memory":             h.checkMemory(signals),
		"response_time":      h.checkResponseTime(signals),
		"error_rate":         h.checkErrorRate(signals),
		"active_connections": h.checkActiveConnections(signals),
	}

	return HealthCheckResult{
		Timestamp: time.Now().UTC(),
		Status:    overallStatus(checks),
		Checks:    checks,
	}
}

func (h *HealthEvaluator) checkMemory(s HealthSignals) CheckResult {
	status := CheckHealthy
	switch {
	case s.HeapUsedPercent >= h.cfg.MemoryCriticalPercent:
		status = CheckCritical
	case s.HeapUsedPercent >= h.cfg.MemoryWarningPercent:
		status = CheckWarning
	}
	return CheckResult{
		Status: status,
		Details: map[string]interface{}{
			"heap_used_percent": s.HeapUsedPercent,
			"warning_percent":   h.cfg.MemoryWarningPercent,
			"critical_percent":  h.cfg.MemoryCriticalPercent,
		},
	}
}

func (h *HealthEvaluator) checkResponseTime(s HealthSignals) CheckResult {
	status := CheckHealthy
	switch {
	case s.SampledRequests == 0:
		// No traffic yet; nothing to judge.
	case s.MeanResponseTime >= h.cfg.ResponseTimeCritical:
		status = CheckCritical
	case s.MeanResponseTime >= h.cfg.ResponseTimeWarning:
		status = CheckWarning
	}
	return CheckResult{
		Status: status,
		Details: map[string]interface{}{
			"mean_response_time": s.MeanResponseTime.String(),
			"sampled_requests":   s.SampledRequests,
		},
	}
}

func (h *HealthEvaluator) checkErrorRate(s HealthSignals) CheckResult {
	status := CheckHealthy
	switch {
	case s.SampledRequests == 0:
	case s.ErrorRate >= h.cfg.ErrorRateCritical:
		status = CheckCritical
	case s.ErrorRate >= h.cfg.ErrorRateWarning:
		status = CheckWarning
	}
	return CheckResult{
		Status: status,
		Details: map[string]interface{}{
			"error_rate":       s.ErrorRate,
			"sampled_requests": s.SampledRequests,
		},
	}
}

func (h *HealthEvaluator) checkActiveConnections(s HealthSignals) CheckResult {
	status := CheckHealthy
	switch {
	case s.ActiveConnections >= h.cfg.MaxActiveConnections:
		status = CheckCritical
	case float64(s.ActiveConnections) >= 0.8*float64(h.cfg.MaxActiveConnections):
		status = CheckWarning
	}
	return CheckResult{
		Status: status,
		Details: map[string]interface{}{
			"active": s.ActiveConnections,
			"max":    h.cfg.MaxActiveConnections,
		},
	}
}

// overallStatus is critical iff at least one check is critical, healthy iff
// all are healthy, degraded otherwise.
func overallStatus(checks map[string]CheckResult) OverallStatus {
	allHealthy := true
	for _, c := range checks {
		if c.Status == CheckCritical {
			return StatusCritical
		}
		if c.Status != CheckHealthy {
			allHealthy = false
		}
	}
	if allHealthy {
		return StatusHealthy
	}
	return StatusDegraded
}
