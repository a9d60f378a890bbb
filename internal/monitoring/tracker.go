package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/metrics"
)

type countKey struct {
	Category Category
	Severity Severity
}

// Tracker stores classified error records, maintains rolling occurrence
// counts and computes rates over time windows. It owns the bounded history
// ring and the interval counts the alert engine evaluates against.
type Tracker struct {
	logger   *zap.Logger
	registry *metrics.Registry

	historyLimit int
	retention    time.Duration

	mu             sync.RWMutex
	history        []ErrorRecord
	counts         map[countKey]int
	endpointCounts map[string]int
	occurrences    map[countKey][]time.Time
	total          int64
	lastReset      time.Time

	// onTracked fires after a record is stored; the alert engine hooks in
	// here. Must never block.
	onTracked func(ErrorRecord)
}

// NewTracker creates a tracker with a bounded history ring.
func NewTracker(historyLimit int, retention time.Duration, registry *metrics.Registry, logger *zap.Logger) *Tracker {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Tracker{
		logger:         logger,
		registry:       registry,
		historyLimit:   historyLimit,
		retention:      retention,
		history:        make([]ErrorRecord, 0, historyLimit),
		counts:         make(map[countKey]int),
		endpointCounts: make(map[string]int),
		occurrences:    make(map[countKey][]time.Time),
		lastReset:      time.Now().UTC(),
	}
}

// OnTracked registers the post-track hook. Wiring happens once at Monitor
// construction, before any traffic flows.
func (t *Tracker) OnTracked(fn func(ErrorRecord)) {
	t.onTracked = fn
}

// Track stores a classified record: logs at a severity-derived level,
// increments the interval counts, appends to the bounded history and
// triggers threshold evaluation.
func (t *Tracker) Track(record ErrorRecord) {
	t.logRecord(record)

	if t.registry != nil {
		t.registry.Increment(metrics.ErrorsTotal, prometheus.Labels{
			"category": string(record.Category),
			"severity": string(record.Severity),
		}, 1)
	}

	key := countKey{Category: record.Category, Severity: record.Severity}

	t.mu.Lock()
	t.total++
	t.counts[key]++
	if record.Context.Endpoint != "" {
		t.endpointCounts[record.Context.Endpoint]++
	}
	t.occurrences[key] = append(t.occurrences[key], record.Timestamp)

	// Evict oldest past capacity
	t.history = append(t.history, record)
	if len(t.history) > t.historyLimit {
		t.history = t.history[len(t.history)-t.historyLimit:]
	}
	hook := t.onTracked
	t.mu.Unlock()

	if hook != nil {
		hook(record)
	}
}

func (t *Tracker) logRecord(record ErrorRecord) {
	fields := []zap.Field{
		zap.String("error_id", record.ID.String()),
		zap.String("category", string(record.Category)),
		zap.String("severity", string(record.Severity)),
		zap.String("endpoint", record.Context.Endpoint),
		zap.String("method", record.Context.Method),
	}
	if record.Context.RequestID != "" {
		fields = append(fields, zap.String("request_id", record.Context.RequestID))
	}

	switch record.Severity {
	case SeverityCritical, SeverityHigh:
		t.logger.Error(record.Message, fields...)
	case SeverityMedium:
		t.logger.Warn(record.Message, fields...)
	default:
		t.logger.Debug(record.Message, fields...)
	}
}

// WindowCount returns the number of occurrences of (category, severity)
// within the trailing window.
func (t *Tracker) WindowCount(category Category, severity Severity, window time.Duration) int {
	cutoff := time.Now().UTC().Add(-window)

	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, ts := range t.occurrences[countKey{Category: category, Severity: severity}] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// Count returns the interval count for (category, severity) since the last
// reset.
func (t *Tracker) Count(category Category, severity Severity) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[countKey{Category: category, Severity: severity}]
}

// Recent returns up to limit records matching the optional category and
// severity filters, newest first.
func (t *Tracker) Recent(category Category, severity Severity, limit int) []ErrorRecord {
	if limit <= 0 {
		limit = 50
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ErrorRecord, 0, limit)
	for i := len(t.history) - 1; i >= 0 && len(out) < limit; i-- {
		r := t.history[i]
		if category != "" && r.Category != category {
			continue
		}
		if severity != "" && r.Severity != severity {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Stats summarizes tracked errors for the dashboard.
func (t *Tracker) Stats(recentLimit int) ErrorStats {
	hourCutoff := time.Now().UTC().Add(-time.Hour)

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := ErrorStats{
		Total:      t.total,
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
		ByEndpoint: make(map[string]int, len(t.endpointCounts)),
	}
	for key, n := range t.counts {
		stats.ByCategory[key.Category] += n
		stats.BySeverity[key.Severity] += n
	}
	for ep, n := range t.endpointCounts {
		stats.ByEndpoint[ep] = n
	}
	for _, r := range t.history {
		if r.Timestamp.After(hourCutoff) {
			stats.LastHour++
		}
	}
	if recentLimit > 0 {
		start := len(t.history) - recentLimit
		if start < 0 {
			start = 0
		}
		recent := make([]ErrorRecord, len(t.history)-start)
		copy(recent, t.history[start:])
		stats.Recent = recent
	}
	return stats
}

// ResetCounts clears the interval counts so alert thresholds reflect recent
// behavior rather than all-time totals. Occurrence windows and history are
// unaffected.
func (t *Tracker) ResetCounts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[countKey]int)
	t.endpointCounts = make(map[string]int)
	t.lastReset = time.Now().UTC()
}

// LastReset reports when the interval counts were last cleared.
func (t *Tracker) LastReset() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastReset
}

// Prune drops history older than the retention cutoff and trims occurrence
// windows. Filtering builds new slices and swaps them in, so concurrent
// readers never observe a torn collection.
func (t *Tracker) Prune(now time.Time) {
	historyCutoff := now.Add(-t.retention)
	// Occurrence timestamps only matter inside the widest alert window.
	windowCutoff := now.Add(-time.Hour)

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := make([]ErrorRecord, 0, len(t.history))
	for _, r := range t.history {
		if r.Timestamp.After(historyCutoff) {
			kept = append(kept, r)
		}
	}
	t.history = kept

	for key, times := range t.occurrences {
		keptTimes := times[:0:0]
		for _, ts := range times {
			if ts.After(windowCutoff) {
				keptTimes = append(keptTimes, ts)
			}
		}
		if len(keptTimes) == 0 {
			delete(t.occurrences, key)
		} else {
			t.occurrences[key] = keptTimes
		}
	}
}
