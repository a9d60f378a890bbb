package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/metrics"
)

// Background jobs run on their own tickers, independent of request traffic.
// Each tick reads a consistent snapshot and writes results atomically, so a
// skipped or delayed tick under load never corrupts state. The scheduler is
// owned by the Monitor lifecycle: started once, stopped on shutdown.

type job struct {
	name     string
	interval time.Duration
	run      func(now time.Time)
}

// Start launches the periodic jobs. Safe to call once; Stop tears the
// tickers down.
func (m *Monitor) Start(ctx context.Context) {
	jobs := []job{
		{"metrics_snapshot", m.cfg.SnapshotInterval, m.snapshotTick},
		{"health_evaluation", m.cfg.HealthInterval, m.healthTick},
		{"alert_sweep", m.cfg.SweepInterval, m.sweepTick},
		{"retention_cleanup", m.cfg.CleanupInterval, m.cleanupTick},
	}

	for _, j := range jobs {
		m.wg.Add(1)
		go m.runJob(ctx, j)
	}

	m.logger.Info("monitoring scheduler started",
		zap.Duration("snapshot_interval", m.cfg.SnapshotInterval),
		zap.Duration("health_interval", m.cfg.HealthInterval),
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.Duration("cleanup_interval", m.cfg.CleanupInterval))
}

// Stop shuts the ticker goroutines down and waits for in-flight ticks.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) runJob(ctx context.Context, j job) {
	defer m.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.runProtected(j.name, now.UTC(), j.run)
		}
	}
}

// runProtected contains any tick fault; observability code must not be able
// to crash the service it observes.
func (m *Monitor) runProtected(name string, now time.Time, fn func(time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			m.registry.Increment(metrics.ObservabilityFaults, nil, 1)
			m.logger.Error("background job fault contained",
				zap.String("job", name),
				zap.Any("panic", r))
		}
	}()
	fn(now)
}

// snapshotTick caches the current metric series for cheap JSON reads.
func (m *Monitor) snapshotTick(_ time.Time) {
	snapshot, err := m.registry.Snapshot()
	if err != nil {
		m.logger.Warn("metrics snapshot failed", zap.Error(err))
		return
	}
	m.snapMu.Lock()
	m.lastSnapshot = snapshot
	m.snapMu.Unlock()
}

// healthTick recomputes all four checks and swaps the whole result.
func (m *Monitor) healthTick(_ time.Time) {
	result := m.health.Evaluate(m.healthSignals())
	if result.Status != StatusHealthy {
		m.logger.Warn("health degraded", zap.String("status", string(result.Status)))
	}
}

// sweepTick evaluates aggregate alert conditions.
func (m *Monitor) sweepTick(now time.Time) {
	lastHour := m.sampleWindow(now.Add(-time.Hour))
	failed := 0
	for _, s := range lastHour {
		if s.Failed() {
			failed++
		}
	}

	m.engine.Sweep(SweepInput{
		TotalRequests:   len(lastHour),
		FailedRequests:  failed,
		HeapUsedPercent: heapUsedPercent(),
		Endpoints:       m.endpointStats(),
	})
}

// cleanupTick prunes time-based retention buffers and resets the interval
// error counts once their reset interval has elapsed.
func (m *Monitor) cleanupTick(now time.Time) {
	m.pruneSamples(now)
	m.tracker.Prune(now)
	m.engine.Prune(now)

	if now.Sub(m.tracker.LastReset()) >= m.cfg.CountResetInterval {
		m.tracker.ResetCounts()
	}
}

// pruneSamples filters into a new slice and swaps, never mutating the slice
// under a concurrent reader's iteration.
func (m *Monitor) pruneSamples(now time.Time) {
	cutoff := now.Add(-m.cfg.SampleRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]RequestSample, 0, len(m.samples))
	for _, s := range m.samples {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples = kept
}
