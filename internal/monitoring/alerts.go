package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/metrics"
)

// ErrAlertNotFound is returned when acknowledging an unknown alert id.
var ErrAlertNotFound = errors.New("alert not found")

// Sink receives raised alerts for external delivery. Sink failures are
// swallowed and counted; they never propagate into request handling.
type Sink interface {
	Dispatch(ctx context.Context, alert Alert) error
}

// LogSink is the default sink: it writes alerts to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Dispatch(_ context.Context, alert Alert) error {
	s.Logger.Warn("alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Any("details", alert.Details),
	)
	return nil
}

// ThresholdRule is the occurrence threshold for one severity.
type ThresholdRule struct {
	Count  int
	Window time.Duration
}

// defaultThresholds implements the per-severity table: a single critical
// occurrence alerts immediately; lower severities need sustained volume.
func defaultThresholds() map[Severity]ThresholdRule {
	return map[Severity]ThresholdRule{
		SeverityCritical: {Count: 1, Window: time.Minute},
		SeverityHigh:     {Count: 3, Window: 5 * time.Minute},
		SeverityMedium:   {Count: 10, Window: 10 * time.Minute},
		SeverityLow:      {Count: 50, Window: time.Hour},
	}
}

// sweepDedupWindow suppresses repeat sweep alerts for the same target.
const sweepDedupWindow = 10 * time.Minute

// OccurrenceSource supplies rolling occurrence counts; the Tracker
// implements it.
type OccurrenceSource interface {
	WindowCount(category Category, severity Severity, window time.Duration) int
}

// Engine evaluates thresholds against live error counts and periodic sweep
// inputs, raising deduplicated alerts. Raising is a side effect only: it
// logs, appends and dispatches, and can neither fail nor block a request.
type Engine struct {
	logger     *zap.Logger
	registry   *metrics.Registry
	cfg        config.MonitoringConfig
	thresholds map[Severity]ThresholdRule
	source     OccurrenceSource
	sinks      []Sink

	mu     sync.RWMutex
	alerts []Alert

	now func() time.Time
}

// NewEngine creates an alert engine with the default threshold table and a
// log sink.
func NewEngine(cfg config.MonitoringConfig, source OccurrenceSource, registry *metrics.Registry, logger *zap.Logger, sinks ...Sink) *Engine {
	if len(sinks) == 0 {
		sinks = []Sink{&LogSink{Logger: logger}}
	}
	return &Engine{
		logger:     logger,
		registry:   registry,
		cfg:        cfg,
		thresholds: defaultThresholds(),
		source:     source,
		sinks:      sinks,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleTrackedError evaluates the threshold for a freshly tracked record.
// Called from the tracker's hook on the request path, so every failure mode
// is contained here.
func (e *Engine) HandleTrackedError(record ErrorRecord) {
	defer e.recoverFault("threshold evaluation")

	rule, ok := e.thresholds[record.Severity]
	if !ok {
		return
	}

	count := e.source.WindowCount(record.Category, record.Severity, rule.Window)
	if count < rule.Count {
		return
	}

	e.raise(AlertErrorThresholdExceeded, record.Severity, rule.Window,
		fmt.Sprintf("%s:%s", record.Category, record.Severity),
		map[string]interface{}{
			"category":  record.Category,
			"severity":  record.Severity,
			"count":     count,
			"threshold": rule.Count,
			"endpoint":  record.Context.Endpoint,
		})
}

// SweepInput is the consistent snapshot a periodic sweep evaluates.
type SweepInput struct {
	TotalRequests   int
	FailedRequests  int
	HeapUsedPercent float64
	Endpoints       []EndpointStats
}

// minSweepSamples avoids alerting on rates computed from a handful of
// requests right after startup.
const minSweepSamples = 10

// Sweep fires alerts from aggregate signals independent of individual
// errors: global error rate, heap usage and per-endpoint latency/error rate.
func (e *Engine) Sweep(input SweepInput) {
	defer e.recoverFault("alert sweep")

	if input.TotalRequests >= minSweepSamples {
		rate := float64(input.FailedRequests) / float64(input.TotalRequests)
		if rate >= e.cfg.ErrorRateCritical {
			e.raise(AlertHighErrorRate, SeverityCritical, sweepDedupWindow, "global",
				map[string]interface{}{
					"error_rate": rate,
					"threshold":  e.cfg.ErrorRateCritical,
					"failed":     input.FailedRequests,
					"total":      input.TotalRequests,
				})
		}
	}

	switch {
	case input.HeapUsedPercent >= e.cfg.MemoryCriticalPercent:
		e.raise(AlertHighMemoryUsage, SeverityCritical, sweepDedupWindow, "heap",
			map[string]interface{}{
				"heap_used_percent": input.HeapUsedPercent,
				"threshold":         e.cfg.MemoryCriticalPercent,
			})
	case input.HeapUsedPercent >= e.cfg.MemoryWarningPercent:
		e.raise(AlertHighMemoryUsage, SeverityHigh, sweepDedupWindow, "heap",
			map[string]interface{}{
				"heap_used_percent": input.HeapUsedPercent,
				"threshold":         e.cfg.MemoryWarningPercent,
			})
	}

	for _, ep := range input.Endpoints {
		if ep.Requests < minSweepSamples {
			continue
		}
		if ep.AvgDuration >= e.cfg.ResponseTimeCritical {
			e.raise(AlertSlowEndpoint, SeverityCritical, sweepDedupWindow, ep.Endpoint,
				map[string]interface{}{
					"endpoint":     ep.Endpoint,
					"avg_duration": ep.AvgDuration.String(),
					"threshold":    e.cfg.ResponseTimeCritical.String(),
				})
		}
		if ep.ErrorRate >= e.cfg.ErrorRateCritical {
			e.raise(AlertEndpointErrorRate, SeverityCritical, sweepDedupWindow, ep.Endpoint,
				map[string]interface{}{
					"endpoint":   ep.Endpoint,
					"error_rate": ep.ErrorRate,
					"threshold":  e.cfg.ErrorRateCritical,
				})
		}
	}
}

// raise appends a new alert unless an unacknowledged alert of the same type
// and target already exists inside the dedup window.
func (e *Engine) raise(alertType AlertType, severity Severity, window time.Duration, dedupKey string, details map[string]interface{}) {
	now := e.now()
	windowStart := now.Add(-window)

	e.mu.Lock()
	for i := range e.alerts {
		a := &e.alerts[i]
		if a.Type == alertType && !a.Acknowledged && a.Timestamp.After(windowStart) &&
			a.Details["dedup_key"] == dedupKey {
			e.mu.Unlock()
			return
		}
	}

	if details == nil {
		details = make(map[string]interface{})
	}
	details["dedup_key"] = dedupKey

	alert := Alert{
		ID:        uuid.New(),
		Type:      alertType,
		Severity:  severity,
		Timestamp: now,
		Details:   details,
	}
	e.alerts = append(e.alerts, alert)
	e.mu.Unlock()

	if e.registry != nil {
		e.registry.Increment(metrics.AlertsTotal, prometheus.Labels{
			"type":     string(alertType),
			"severity": string(severity),
		}, 1)
	}

	for _, sink := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Dispatch(ctx, alert); err != nil {
			e.countFault()
			e.logger.Warn("alert sink dispatch failed",
				zap.String("alert_id", alert.ID.String()),
				zap.Error(err))
		}
		cancel()
	}
}

// Acknowledge marks an alert acknowledged. Idempotent: a second call does
// not error and does not change AcknowledgedAt.
func (e *Engine) Acknowledge(id uuid.UUID) (Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.alerts {
		if e.alerts[i].ID != id {
			continue
		}
		if !e.alerts[i].Acknowledged {
			now := e.now()
			e.alerts[i].Acknowledged = true
			e.alerts[i].AcknowledgedAt = &now
		}
		return e.alerts[i], nil
	}
	return Alert{}, ErrAlertNotFound
}

// List returns alerts newest first, optionally only unacknowledged ones.
func (e *Engine) List(onlyUnacknowledged bool, limit int) []Alert {
	if limit <= 0 {
		limit = 100
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Alert, 0, limit)
	for i := len(e.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if onlyUnacknowledged && e.alerts[i].Acknowledged {
			continue
		}
		out = append(out, e.alerts[i])
	}
	return out
}

// Prune drops alerts older than the retention cutoff. Unacknowledged alerts
// inside the retention window are always kept.
func (e *Engine) Prune(now time.Time) {
	cutoff := now.Add(-e.cfg.AlertRetention)

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	e.alerts = kept
}

func (e *Engine) recoverFault(op string) {
	if r := recover(); r != nil {
		e.countFault()
		e.logger.Error("alert engine fault contained",
			zap.String("op", op),
			zap.Any("panic", r))
	}
}

func (e *Engine) countFault() {
	if e.registry != nil {
		e.registry.Increment(metrics.ObservabilityFaults, nil, 1)
	}
}
