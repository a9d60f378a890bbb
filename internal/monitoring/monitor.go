package monitoring

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/metrics"
)

// Monitor composes the observability pipeline: metrics registry, error
// classifier/tracker, alert engine, health evaluator and the retention
// scheduler. It is constructed explicitly and injected into the request
// layer and background jobs; there is no package-level instance.
type Monitor struct {
	cfg      config.MonitoringConfig
	logger   *zap.Logger
	registry *metrics.Registry

	classifier *Classifier
	tracker    *Tracker
	engine     *Engine
	health     *HealthEvaluator

	startTime time.Time

	mu      sync.RWMutex
	samples []RequestSample

	activeConns atomic.Int64

	snapMu       sync.RWMutex
	lastSnapshot []metrics.Series

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor wires the pipeline together. Additional sinks (beyond the
// default log sink) receive raised alerts.
func NewMonitor(cfg config.MonitoringConfig, registry *metrics.Registry, logger *zap.Logger, sinks ...Sink) *Monitor {
	tracker := NewTracker(cfg.ErrorHistoryLimit, cfg.ErrorRetention, registry, logger)
	engine := NewEngine(cfg, tracker, registry, logger, sinks...)
	tracker.OnTracked(engine.HandleTrackedError)

	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		classifier: NewClassifier(),
		tracker:    tracker,
		engine:     engine,
		health:     NewHealthEvaluator(cfg, logger),
		startTime:  time.Now().UTC(),
		stopCh:     make(chan struct{}),
	}
}

// Registry exposes the metrics registry for the export surface.
func (m *Monitor) Registry() *metrics.Registry { return m.registry }

// Tracker exposes the error tracker for filtered error-stats queries.
func (m *Monitor) Tracker() *Tracker { return m.tracker }

// Alerts exposes the alert engine for the alerts endpoints.
func (m *Monitor) Alerts() *Engine { return m.engine }

// Health exposes the health evaluator for liveness/readiness.
func (m *Monitor) Health() *HealthEvaluator { return m.health }

// Uptime reports how long the process has been serving.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// RequestStarted marks one request in flight and counts the arrival, so
// long-running requests show up in totals before they complete.
func (m *Monitor) RequestStarted(method, endpoint string) {
	defer m.recoverFault("request started")
	m.activeConns.Add(1)
	m.registry.Add(metrics.ActiveConnections, nil, 1)
	m.registry.Increment(metrics.RequestsStarted, prometheus.Labels{
		"method":   method,
		"endpoint": metrics.SanitizeEndpoint(endpoint),
	}, 1)
}

// RequestCompleted records a finished request: duration histogram, status
// classing, slow-request diagnostics and the retained sample. It must never
// fail the request it observes.
func (m *Monitor) RequestCompleted(sample RequestSample) {
	defer m.recoverFault("request completed")

	m.activeConns.Add(-1)
	m.registry.Add(metrics.ActiveConnections, nil, -1)

	endpoint := metrics.SanitizeEndpoint(sample.Endpoint)
	sample.Endpoint = endpoint

	m.registry.Increment(metrics.RequestsTotal, prometheus.Labels{
		"method":   sample.Method,
		"endpoint": endpoint,
		"status":   strconv.Itoa(sample.StatusCode),
	}, 1)
	m.registry.Observe(metrics.RequestDuration, prometheus.Labels{
		"method":   sample.Method,
		"endpoint": endpoint,
	}, sample.Duration.Seconds())
	m.registry.Increment(metrics.ResponseClassTotal, prometheus.Labels{
		"class": statusClass(sample.StatusCode),
	}, 1)

	m.observeSlowRequest(sample)

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	// Hard cap as a backstop between cleanup ticks.
	if limit := m.cfg.EndpointSampleWindow * 200; len(m.samples) > limit {
		m.samples = m.samples[len(m.samples)-limit:]
	}
	m.mu.Unlock()
}

func (m *Monitor) observeSlowRequest(sample RequestSample) {
	var tier string
	switch {
	case sample.Duration >= m.cfg.SlowRequestCritical:
		tier = "critical"
	case sample.Duration >= m.cfg.SlowRequestWarning:
		tier = "warning"
	default:
		return
	}

	m.registry.Increment(metrics.SlowRequestsTotal, prometheus.Labels{
		"endpoint": sample.Endpoint,
		"severity": tier,
	}, 1)

	fields := []zap.Field{
		zap.String("endpoint", sample.Endpoint),
		zap.String("method", sample.Method),
		zap.Duration("duration", sample.Duration),
	}
	if tier == "critical" {
		m.logger.Error("slow request", fields...)
	} else {
		m.logger.Warn("slow request", fields...)
	}
}

// TrackError classifies and tracks an error with its request context,
// returning the stored record so callers can surface its id as an opaque
// correlation handle.
func (m *Monitor) TrackError(err error, ctx ErrorContext) (record ErrorRecord) {
	defer m.recoverFault("track error")

	record = m.classifier.Classify(err, ctx)
	record.Context.Endpoint = metrics.SanitizeEndpoint(record.Context.Endpoint)
	m.tracker.Track(record)
	return record
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return metrics.ClassServerError
	case code >= 400:
		return metrics.ClassClientError
	default:
		return metrics.ClassSuccess
	}
}

// sampleWindow returns a copy of samples newer than the cutoff.
func (m *Monitor) sampleWindow(cutoff time.Time) []RequestSample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RequestSample, 0, len(m.samples))
	for _, s := range m.samples {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// lastSamples returns a copy of the most recent n samples.
func (m *Monitor) lastSamples(n int) []RequestSample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := len(m.samples) - n
	if start < 0 {
		start = 0
	}
	out := make([]RequestSample, len(m.samples)-start)
	copy(out, m.samples[start:])
	return out
}

// healthSignals assembles the consistent snapshot one health tick reads.
func (m *Monitor) healthSignals() HealthSignals {
	recent := m.lastSamples(m.cfg.EndpointSampleWindow)

	var totalDur time.Duration
	failed := 0
	for _, s := range recent {
		totalDur += s.Duration
		if s.Failed() {
			failed++
		}
	}

	signals := HealthSignals{
		HeapUsedPercent:   heapUsedPercent(),
		SampledRequests:   len(recent),
		ActiveConnections: m.activeConns.Load(),
	}
	if len(recent) > 0 {
		signals.MeanResponseTime = totalDur / time.Duration(len(recent))
		signals.ErrorRate = float64(failed) / float64(len(recent))
	}
	return signals
}

func heapUsedPercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
}

// endpointStats aggregates the most recent window of samples per endpoint.
func (m *Monitor) endpointStats() []EndpointStats {
	m.mu.RLock()
	byEndpoint := make(map[string][]RequestSample)
	for _, s := range m.samples {
		byEndpoint[s.Endpoint] = append(byEndpoint[s.Endpoint], s)
	}
	m.mu.RUnlock()

	out := make([]EndpointStats, 0, len(byEndpoint))
	for ep, samples := range byEndpoint {
		if len(samples) > m.cfg.EndpointSampleWindow {
			samples = samples[len(samples)-m.cfg.EndpointSampleWindow:]
		}
		var totalDur time.Duration
		errs := 0
		for _, s := range samples {
			totalDur += s.Duration
			if s.Failed() {
				errs++
			}
		}
		stats := EndpointStats{
			Endpoint: ep,
			Requests: len(samples),
			Errors:   errs,
		}
		if len(samples) > 0 {
			stats.AvgDuration = totalDur / time.Duration(len(samples))
			stats.ErrorRate = float64(errs) / float64(len(samples))
		}
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// DashboardPayload is the push-style JSON view over the pipeline's state.
type DashboardPayload struct {
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Requests  RequestSummary    `json:"requests"`
	Endpoints []EndpointStats   `json:"endpoints"`
	Health    HealthCheckResult `json:"health"`
	Alerts    []Alert           `json:"alerts"`
	Errors    ErrorStats        `json:"errors"`
}

// RequestSummary aggregates request traffic over the last hour.
type RequestSummary struct {
	Total             int           `json:"total"`
	Failed            int           `json:"failed"`
	ErrorRate         float64       `json:"error_rate"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	ActiveConnections int64         `json:"active_connections"`
}

// Dashboard assembles the full dashboard payload from a consistent set of
// snapshot copies.
func (m *Monitor) Dashboard() DashboardPayload {
	lastHour := m.sampleWindow(time.Now().UTC().Add(-time.Hour))

	summary := RequestSummary{
		Total:             len(lastHour),
		ActiveConnections: m.activeConns.Load(),
	}
	var totalDur time.Duration
	for _, s := range lastHour {
		totalDur += s.Duration
		if s.Failed() {
			summary.Failed++
		}
	}
	if summary.Total > 0 {
		summary.ErrorRate = float64(summary.Failed) / float64(summary.Total)
		summary.AvgResponseTime = totalDur / time.Duration(summary.Total)
	}

	return DashboardPayload{
		Timestamp: time.Now().UTC(),
		Uptime:    m.Uptime().Round(time.Second).String(),
		Requests:  summary,
		Endpoints: m.endpointStats(),
		Health:    m.health.Current(),
		Alerts:    m.engine.List(true, 50),
		Errors:    m.tracker.Stats(0),
	}
}

// ExportBundle is the downloadable point-in-time snapshot for offline
// analysis.
type ExportBundle struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Uptime      string                 `json:"uptime"`
	Metrics     []metrics.Series       `json:"metrics"`
	Errors      ErrorStats             `json:"errors"`
	Alerts      []Alert                `json:"alerts"`
	Health      HealthCheckResult      `json:"health"`
	CacheStats  map[string]interface{} `json:"cache_stats,omitempty"`
}

// Export assembles the full bundle; cacheStats comes from the cache layer
// and may be nil when no cache is configured.
func (m *Monitor) Export(cacheStats map[string]interface{}) (ExportBundle, error) {
	snapshot, err := m.registry.Snapshot()
	if err != nil {
		return ExportBundle{}, fmt.Errorf("collecting metrics snapshot: %w", err)
	}

	return ExportBundle{
		GeneratedAt: time.Now().UTC(),
		Uptime:      m.Uptime().Round(time.Second).String(),
		Metrics:     snapshot,
		Errors:      m.tracker.Stats(100),
		Alerts:      m.engine.List(false, 0),
		Health:      m.health.Current(),
		CacheStats:  cacheStats,
	}, nil
}

// LatestSnapshot returns the metric series collected by the last snapshot
// tick; used by the JSON debug endpoint to avoid re-gathering per request.
func (m *Monitor) LatestSnapshot() []metrics.Series {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.lastSnapshot
}

func (m *Monitor) recoverFault(op string) {
	if r := recover(); r != nil {
		m.registry.Increment(metrics.ObservabilityFaults, nil, 1)
		m.logger.Error("monitoring fault contained",
			zap.String("op", op),
			zap.Any("panic", r))
	}
}
