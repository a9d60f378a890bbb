package metrics

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(10, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRegistry_CounterIncrement(t *testing.T) {
	r := newTestRegistry(t)
	labels := prometheus.Labels{"method": "GET", "endpoint": "/books", "status": "200"}

	r.Increment(RequestsTotal, labels, 1)
	r.Increment(RequestsTotal, labels, 2)

	assert.Equal(t, float64(3), r.CounterValue(RequestsTotal, labels))
}

func TestRegistry_CounterNeverDecreases(t *testing.T) {
	r := newTestRegistry(t)
	labels := prometheus.Labels{"class": ClassSuccess}

	r.Increment(ResponseClassTotal, labels, 5)
	r.Increment(ResponseClassTotal, labels, -3)

	assert.Equal(t, float64(5), r.CounterValue(ResponseClassTotal, labels))
}

func TestRegistry_ConcurrentIncrements(t *testing.T) {
	r := newTestRegistry(t)
	labels := prometheus.Labels{"method": "GET", "endpoint": "/books", "status": "200"}

	const goroutines = 20
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				r.Increment(RequestsTotal, labels, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(goroutines*perGoroutine), r.CounterValue(RequestsTotal, labels))
}

func TestRegistry_GaugeSetAndAdd(t *testing.T) {
	r := newTestRegistry(t)

	r.Set(ActiveConnections, nil, 5)
	assert.Equal(t, float64(5), r.GaugeValue(ActiveConnections, nil))

	r.Add(ActiveConnections, nil, 1)
	r.Add(ActiveConnections, nil, -2)
	assert.Equal(t, float64(4), r.GaugeValue(ActiveConnections, nil))
}

func TestRegistry_UnknownSeriesDropped(t *testing.T) {
	r := newTestRegistry(t)

	// Must not panic, must not register anything new
	r.Increment("literati_nonexistent_total", nil, 1)
	r.Observe("literati_nonexistent_seconds", nil, 0.5)
	r.Set("literati_nonexistent_gauge", nil, 1)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	for _, s := range snap {
		assert.NotContains(t, s.Name, "nonexistent")
	}
}

func TestRegistry_CardinalityGuard(t *testing.T) {
	r, err := NewRegistry(3, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.Increment(SlowRequestsTotal, prometheus.Labels{
			"endpoint": fmt.Sprintf("/books/%d/notes", i),
			"severity": "warning",
		}, 1)
	}

	// Endpoint sanitization buckets the numeric segment, so all ten samples
	// collapse into a single label set via the interceptor path. Here we call
	// the registry directly with pre-sanitized distinct values to exercise
	// the cap itself.
	r2, err := NewRegistry(3, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		r2.Increment(SlowRequestsTotal, prometheus.Labels{
			"endpoint": fmt.Sprintf("/route-%d", i),
			"severity": "warning",
		}, 1)
	}

	snap, err := r2.Snapshot()
	require.NoError(t, err)

	count := 0
	for _, s := range snap {
		if s.Name == SlowRequestsTotal {
			count++
		}
	}
	assert.Equal(t, 3, count, "series past the cardinality cap must be dropped")
}

func TestRegistry_HistogramObserve(t *testing.T) {
	r := newTestRegistry(t)
	labels := prometheus.Labels{"method": "GET", "endpoint": "/books"}

	r.Observe(RequestDuration, labels, 0.03)
	r.Observe(RequestDuration, labels, 0.3)
	r.Observe(RequestDuration, labels, 3)

	snap, err := r.Snapshot()
	require.NoError(t, err)

	var found *Series
	for i := range snap {
		if snap[i].Name == RequestDuration {
			found = &snap[i]
			break
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, uint64(3), found.Count)
	assert.InDelta(t, 3.33, found.Sum, 0.01)

	// buckets are cumulative
	assert.Equal(t, uint64(1), found.Buckets["0.05"])
	assert.Equal(t, uint64(2), found.Buckets["0.5"])
	assert.Equal(t, uint64(3), found.Buckets["10"])
}

func TestRegistry_TextExposition(t *testing.T) {
	r := newTestRegistry(t)
	r.Increment(RequestsTotal, prometheus.Labels{"method": "GET", "endpoint": "/books", "status": "200"}, 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, "# HELP literati_http_requests_total")
	assert.Contains(t, body, "# TYPE literati_http_requests_total counter")
	assert.Contains(t, body, `literati_http_requests_total{endpoint="/books",method="GET",status="200"} 1`)
	// default process/Go collectors are part of the exposition
	assert.Contains(t, body, "go_goroutines")
}

func TestRegistry_Reset(t *testing.T) {
	r := newTestRegistry(t)
	labels := prometheus.Labels{"class": ClassServerError}

	r.Increment(ResponseClassTotal, labels, 7)
	require.Equal(t, float64(7), r.CounterValue(ResponseClassTotal, labels))

	r.Reset()
	assert.Equal(t, float64(0), r.CounterValue(ResponseClassTotal, labels))
}

func TestSanitizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/v1/books/12345", "/api/v1/books/:id"},
		{"/api/v1/books/550e8400-e29b-41d4-a716-446655440000/notes", "/api/v1/books/:id/notes"},
		{"/health", "/health"},
		{"", "/"},
		{"/api/v1/" + strings.Repeat("x", 200), "/api/v1/" + strings.Repeat("x", 92)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeEndpoint(tt.in), "input %q", tt.in)
	}
}
