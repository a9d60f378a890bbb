package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/literati-app/literati-backend/internal/infrastructure/cache"
	"github.com/literati-app/literati-backend/internal/infrastructure/database"
	"github.com/literati-app/literati-backend/internal/monitoring"
)

// MonitoringHandler serves the observability surface: probes, dashboard,
// alerts, tracked errors and the export bundle.
type MonitoringHandler struct {
	monitor *monitoring.Monitor
	cache   cache.Cache
	db      *database.Pool
}

// NewMonitoringHandler creates the handler. cache and db are optional; when
// present their stats and reachability feed the export bundle and the
// readiness probe.
func NewMonitoringHandler(monitor *monitoring.Monitor, c cache.Cache, db *database.Pool) *MonitoringHandler {
	return &MonitoringHandler{monitor: monitor, cache: c, db: db}
}

// handleMetrics serves the Prometheus text exposition.
func (h *MonitoringHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h.monitor.Registry().Handler().ServeHTTP(w, r)
}

// handleMetricsJSON serves the cached metric snapshot as JSON, gathering a
// fresh one only before the first snapshot tick has fired.
func (h *MonitoringHandler) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	snapshot := h.monitor.LatestSnapshot()
	if snapshot == nil {
		fresh, err := h.monitor.Registry().Snapshot()
		if err != nil {
			record := h.monitor.TrackError(err, errorContextFor(r, http.StatusInternalServerError))
			markErrorTracked(r)
			writeInternalError(w, record.ID.String())
			return
		}
		snapshot = fresh
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"series":       snapshot,
	})
}

// handleLivez reports process liveness; it has no dependencies and never
// fails while the process can serve.
func (h *MonitoringHandler) handleLivez(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": h.monitor.Uptime().Round(time.Second).String(),
	})
}

// handleReadyz gates traffic on the aggregate health verdict and, when a
// database is wired, on its reachability.
func (h *MonitoringHandler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	health := h.monitor.Health().Current()

	ready := health.Status != monitoring.StatusCritical && health.Status != monitoring.StatusError
	body := map[string]interface{}{
		"status": health.Status,
	}

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			ready = false
			body["database"] = "unreachable"
		} else {
			body["database"] = "ok"
		}
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handleHealth serves the full health check result: 200 for healthy or
// degraded, 503 for critical or error.
func (h *MonitoringHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := h.monitor.Health().Current()

	status := http.StatusOK
	if health.Status == monitoring.StatusCritical || health.Status == monitoring.StatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleDashboard serves the dashboard payload, memoized through the cache
// for DashboardTTL when one is wired. Cache trouble falls back to a fresh
// computation.
func (h *MonitoringHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	const key = cache.DashboardPrefix + "current"

	if h.cache != nil {
		var cached monitoring.DashboardPayload
		if err := h.cache.GetJSON(r.Context(), key, &cached); err == nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	payload := h.monitor.Dashboard()
	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), key, payload, cache.DashboardTTL); err != nil {
			h.monitor.TrackError(err, errorContextFor(r, http.StatusOK))
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleAlerts lists alerts newest first. Query params: unacknowledged
// (bool) and limit.
func (h *MonitoringHandler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	onlyUnacked := r.URL.Query().Get("unacknowledged") == "true"
	limit := queryInt(r, "limit", 100)

	alerts := h.monitor.Alerts().List(onlyUnacked, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAcknowledgeAlert marks one alert acknowledged. Acknowledging twice
// is a no-op, not an error.
func (h *MonitoringHandler) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ALERT_ID", "Alert id must be a UUID")
		return
	}

	alert, err := h.monitor.Alerts().Acknowledge(id)
	if err != nil {
		if errors.Is(err, monitoring.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "ALERT_NOT_FOUND", "No alert with that id")
			return
		}
		record := h.monitor.TrackError(err, errorContextFor(r, http.StatusInternalServerError))
		markErrorTracked(r)
		writeInternalError(w, record.ID.String())
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// handleErrors lists tracked errors newest first, filtered by the optional
// category and severity query params.
func (h *MonitoringHandler) handleErrors(w http.ResponseWriter, r *http.Request) {
	category := monitoring.Category(r.URL.Query().Get("category"))
	if category != "" && !validCategory(category) {
		writeError(w, http.StatusBadRequest, "INVALID_CATEGORY",
			fmt.Sprintf("Unknown category %q", category))
		return
	}

	severity := monitoring.Severity(r.URL.Query().Get("severity"))
	if severity != "" && !validSeverity(severity) {
		writeError(w, http.StatusBadRequest, "INVALID_SEVERITY",
			fmt.Sprintf("Unknown severity %q", severity))
		return
	}

	limit := queryInt(r, "limit", 50)
	records := h.monitor.Tracker().Recent(category, severity, limit)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": records,
		"count":  len(records),
	})
}

func (h *MonitoringHandler) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "recent", 10)
	writeJSON(w, http.StatusOK, h.monitor.Tracker().Stats(limit))
}

// handleExport serves the downloadable point-in-time bundle.
func (h *MonitoringHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	var cacheStats map[string]interface{}
	if h.cache != nil {
		cacheStats = h.cache.Stats()
	}

	bundle, err := h.monitor.Export(cacheStats)
	if err != nil {
		record := h.monitor.TrackError(err, errorContextFor(r, http.StatusInternalServerError))
		markErrorTracked(r)
		writeInternalError(w, record.ID.String())
		return
	}

	if h.db != nil {
		bundle.CacheStats = mergeStats(bundle.CacheStats, "database", h.db.Stats())
	}

	filename := fmt.Sprintf("literati-observability-%s.json", bundle.GeneratedAt.Format("20060102T150405Z"))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	writeJSON(w, http.StatusOK, bundle)
}

func mergeStats(stats map[string]interface{}, key string, extra map[string]interface{}) map[string]interface{} {
	if stats == nil {
		stats = make(map[string]interface{})
	}
	stats[key] = extra
	return stats
}

func markErrorTracked(r *http.Request) {
	if flag, ok := r.Context().Value(contextKeyErrorTracked).(*errorTrackedFlag); ok {
		flag.set()
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func validCategory(c monitoring.Category) bool {
	for _, known := range monitoring.Categories {
		if c == known {
			return true
		}
	}
	return false
}

func validSeverity(s monitoring.Severity) bool {
	for _, known := range monitoring.Severities {
		if s == known {
			return true
		}
	}
	return false
}
