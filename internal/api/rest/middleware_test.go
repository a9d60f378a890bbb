package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/metrics"
	"github.com/literati-app/literati-backend/internal/monitoring"
)

func testConfig() *config.Config {
	return &config.Config{
		Version:     "test",
		Environment: "development",
		LogLevel:    "error",
		Server: config.ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Security: config.SecurityConfig{
			JWTSecret:   "test-secret-used-only-in-tests!!",
			TokenExpiry: time.Hour,
			RateLimit: config.RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Monitoring: config.MonitoringConfig{
			SlowRequestWarning:    time.Second,
			SlowRequestCritical:   5 * time.Second,
			MemoryWarningPercent:  75,
			MemoryCriticalPercent: 95,
			ErrorRateWarning:      0.05,
			ErrorRateCritical:     0.10,
			ResponseTimeWarning:   500 * time.Millisecond,
			ResponseTimeCritical:  2 * time.Second,
			MaxActiveConnections:  1000,
			ErrorHistoryLimit:     1000,
			ErrorRetention:        7 * 24 * time.Hour,
			SampleRetention:       24 * time.Hour,
			AlertRetention:        24 * time.Hour,
			CountResetInterval:    time.Hour,
			EndpointSampleWindow:  100,
			SnapshotInterval:      30 * time.Second,
			HealthInterval:        60 * time.Second,
			SweepInterval:         120 * time.Second,
			CleanupInterval:       600 * time.Second,
			MaxLabelCardinality:   200,
		},
	}
}

func newTestMonitor(t *testing.T) *monitoring.Monitor {
	t.Helper()
	cfg := testConfig()
	registry, err := metrics.NewRegistry(cfg.Monitoring.MaxLabelCardinality, zap.NewNop())
	require.NoError(t, err)
	return monitoring.NewMonitor(cfg.Monitoring, registry, zap.NewNop())
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/books", nil)
		req.Header.Set("X-Request-ID", "req-abc-123")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "req-abc-123", seen)
		assert.Equal(t, "req-abc-123", rec.Header().Get("X-Request-ID"))
	})
}

func TestMonitorMiddleware_RecordsSample(t *testing.T) {
	monitor := newTestMonitor(t)

	handler := monitorMiddleware(monitor)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/books", nil))

	v := monitor.Registry().CounterValue(metrics.RequestsTotal, prometheus.Labels{
		"method": "GET", "endpoint": "/api/v1/books", "status": "201",
	})
	assert.Equal(t, float64(1), v)

	started := monitor.Registry().CounterValue(metrics.RequestsStarted, prometheus.Labels{
		"method": "GET", "endpoint": "/api/v1/books",
	})
	assert.Equal(t, float64(1), started)
	assert.Empty(t, monitor.Tracker().Recent("", "", 10))
}

func TestMonitorMiddleware_TracksServerErrors(t *testing.T) {
	monitor := newTestMonitor(t)

	handler := monitorMiddleware(monitor)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/shelves", nil))

	records := monitor.Tracker().Recent("", "", 10)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusBadGateway, records[0].Context.StatusCode)
	assert.Equal(t, "/api/v1/shelves", records[0].Context.Endpoint)
}

func TestMonitorMiddleware_ClientErrorsNotTracked(t *testing.T) {
	monitor := newTestMonitor(t)

	handler := monitorMiddleware(monitor)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/books/unknown", nil))

	assert.Empty(t, monitor.Tracker().Recent("", "", 10))
}

func TestRecoveryMiddleware_PanicTrackedOnce(t *testing.T) {
	monitor := newTestMonitor(t)

	handler := monitorMiddleware(monitor)(recoveryMiddleware(monitor)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/books", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotEmpty(t, body.Error.ErrorID)

	// The recovery middleware tracks the panic with its real cause and the
	// monitor middleware must not double count the resulting 500.
	records := monitor.Tracker().Recent("", "", 10)
	require.Len(t, records, 1)
	assert.Equal(t, monitoring.SeverityCritical, records[0].Severity)
	assert.Equal(t, body.Error.ErrorID, records[0].ID.String())
}

func TestRateLimiterMiddleware_LocalFallback(t *testing.T) {
	monitor := newTestMonitor(t)
	limiter := newRateLimiterMiddleware(nil, config.RateLimitConfig{
		RequestsPerSecond: 2,
		BurstSize:         2,
	}, monitor)

	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
		req.RemoteAddr = "203.0.113.9:52100"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, request().Code)
	assert.Equal(t, http.StatusOK, request().Code)

	rec := request()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	records := monitor.Tracker().Recent(monitoring.CategoryRateLimit, "", 10)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusTooManyRequests, records[0].Context.StatusCode)
}

func TestRateLimiterMiddleware_KeyedByClientIP(t *testing.T) {
	monitor := newTestMonitor(t)
	limiter := newRateLimiterMiddleware(nil, config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}, monitor)

	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Exhausting one client's bucket must not throttle another address.
	assert.Equal(t, http.StatusOK, request("203.0.113.9:52100").Code)
	assert.Equal(t, http.StatusTooManyRequests, request("203.0.113.9:52101").Code)
	assert.Equal(t, http.StatusOK, request("198.51.100.4:40000").Code)
}

func TestRateLimiterMiddleware_DisabledWhenZero(t *testing.T) {
	monitor := newTestMonitor(t)
	limiter := newRateLimiterMiddleware(nil, config.RateLimitConfig{}, monitor)

	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/books", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	handler := timeoutMiddleware(20 * time.Millisecond)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(500 * time.Millisecond):
				w.WriteHeader(http.StatusOK)
			case <-r.Context().Done():
			}
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/export", nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "REQUEST_TIMEOUT", decodeErrorBody(t, rec).Error.Code)
}

func TestTimeoutMiddleware_LateWriteDiscarded(t *testing.T) {
	wrote := make(chan struct{})
	handler := timeoutMiddleware(20 * time.Millisecond)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			time.Sleep(50 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("too late"))
			close(wrote)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/export", nil))
	<-wrote

	// The handler's post-deadline write must not clobber the 504 body.
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "REQUEST_TIMEOUT")
	assert.NotContains(t, body, "too late")
}

func TestTimeoutMiddleware_CompletedResponseStands(t *testing.T) {
	handler := timeoutMiddleware(20 * time.Millisecond)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("done"))
			<-r.Context().Done()
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/export", nil))

	// A response already in flight when the deadline fires is left alone.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "done", rec.Body.String())
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	handler := corsMiddleware([]string{"http://localhost:3000"})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/books", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "198.51.100.4:33000",
			want:       "198.51.100.4",
		},
		{
			name:       "forwarded for takes first hop",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.50, 10.0.0.1"},
			want:       "203.0.113.50",
		},
		{
			name:       "real ip",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.77"},
			want:       "203.0.113.77",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
