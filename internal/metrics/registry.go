package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// Application series names. All series are pre-declared at registry
// construction; unknown names fail closed.
const (
	RequestsTotal       = "literati_http_requests_total"
	RequestsStarted     = "literati_http_requests_started_total"
	RequestDuration     = "literati_http_request_duration_seconds"
	ActiveConnections   = "literati_http_active_connections"
	ResponseClassTotal  = "literati_http_responses_total"
	SlowRequestsTotal   = "literati_http_slow_requests_total"
	ErrorsTotal         = "literati_errors_total"
	AlertsTotal         = "literati_alerts_total"
	CacheOpsTotal       = "literati_cache_operations_total"
	ObservabilityFaults = "literati_observability_faults_total"
)

// Response classes for ResponseClassTotal.
const (
	ClassSuccess     = "success"
	ClassClientError = "client_error"
	ClassServerError = "server_error"
)

const maxLabelValueLen = 100

// Registry is the process-wide collection of named counters, gauges and
// histograms, backed by a private Prometheus registry. It is constructed
// explicitly and passed by reference; there is no package-level instance.
type Registry struct {
	reg    *prometheus.Registry
	logger *zap.Logger

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string

	// cardinality guard state
	maxCardinality int
	seen           map[string]map[string]struct{}
	guardLogged    map[string]bool
}

// NewRegistry creates a registry with all application series declared and
// the standard Go/process collectors attached. maxCardinality caps the
// number of distinct label sets per series; samples beyond the cap are
// dropped rather than creating new series.
func NewRegistry(maxCardinality int, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if maxCardinality <= 0 {
		maxCardinality = 200
	}

	r := &Registry{
		reg:            prometheus.NewRegistry(),
		logger:         logger,
		counters:       make(map[string]*prometheus.CounterVec),
		gauges:         make(map[string]*prometheus.GaugeVec),
		histograms:     make(map[string]*prometheus.HistogramVec),
		labelNames:     make(map[string][]string),
		maxCardinality: maxCardinality,
		seen:           make(map[string]map[string]struct{}),
		guardLogged:    make(map[string]bool),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := r.declareApplicationSeries(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) declareApplicationSeries() error {
	decls := []struct {
		kind    string
		name    string
		help    string
		labels  []string
		buckets []float64
	}{
		{"counter", RequestsTotal, "Total number of HTTP requests.", []string{"method", "endpoint", "status"}, nil},
		{"counter", RequestsStarted, "HTTP requests accepted, counted before completion.", []string{"method", "endpoint"}, nil},
		{"histogram", RequestDuration, "Duration of HTTP requests in seconds.", []string{"method", "endpoint"},
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}},
		{"gauge", ActiveConnections, "Number of requests currently in flight.", nil, nil},
		{"counter", ResponseClassTotal, "HTTP responses by status class.", []string{"class"}, nil},
		{"counter", SlowRequestsTotal, "Requests exceeding the slow-request thresholds.", []string{"endpoint", "severity"}, nil},
		{"counter", ErrorsTotal, "Tracked application errors.", []string{"category", "severity"}, nil},
		{"counter", AlertsTotal, "Alerts raised by the alert engine.", []string{"type", "severity"}, nil},
		{"counter", CacheOpsTotal, "Cache operations by result.", []string{"operation", "result"}, nil},
		{"counter", ObservabilityFaults, "Internal observability faults swallowed without affecting requests.", nil, nil},
	}

	for _, d := range decls {
		var err error
		switch d.kind {
		case "counter":
			err = r.RegisterCounter(d.name, d.help, d.labels)
		case "gauge":
			err = r.RegisterGauge(d.name, d.help, d.labels)
		case "histogram":
			err = r.RegisterHistogram(d.name, d.help, d.labels, d.buckets)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RegisterCounter declares a counter series.
func (r *Registry) RegisterCounter(name, help string, labels []string) error {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	if err := r.reg.Register(vec); err != nil {
		return fmt.Errorf("registering counter %s: %w", name, err)
	}
	r.mu.Lock()
	r.counters[name] = vec
	r.labelNames[name] = labels
	r.mu.Unlock()
	return nil
}

// RegisterGauge declares a gauge series.
func (r *Registry) RegisterGauge(name, help string, labels []string) error {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	if err := r.reg.Register(vec); err != nil {
		return fmt.Errorf("registering gauge %s: %w", name, err)
	}
	r.mu.Lock()
	r.gauges[name] = vec
	r.labelNames[name] = labels
	r.mu.Unlock()
	return nil
}

// RegisterHistogram declares a histogram series with explicit buckets.
func (r *Registry) RegisterHistogram(name, help string, labels []string, buckets []float64) error {
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	if err := r.reg.Register(vec); err != nil {
		return fmt.Errorf("registering histogram %s: %w", name, err)
	}
	r.mu.Lock()
	r.histograms[name] = vec
	r.labelNames[name] = labels
	r.mu.Unlock()
	return nil
}

// Increment adds delta to a counter. Unknown series and over-cardinality
// label sets are dropped, never grown.
func (r *Registry) Increment(name string, labels prometheus.Labels, delta float64) {
	if delta < 0 {
		return
	}
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.dropSample(name, "unknown counter")
		return
	}
	labels = r.sanitizeLabels(name, labels)
	if !r.admitLabelSet(name, labels) {
		return
	}
	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Add(delta)
	} else {
		r.dropSample(name, err.Error())
	}
}

// Set assigns a gauge value.
func (r *Registry) Set(name string, labels prometheus.Labels, value float64) {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		r.dropSample(name, "unknown gauge")
		return
	}
	labels = r.sanitizeLabels(name, labels)
	if !r.admitLabelSet(name, labels) {
		return
	}
	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Set(value)
	} else {
		r.dropSample(name, err.Error())
	}
}

// Add adjusts a gauge by delta (used for active-connection tracking).
func (r *Registry) Add(name string, labels prometheus.Labels, delta float64) {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		r.dropSample(name, "unknown gauge")
		return
	}
	labels = r.sanitizeLabels(name, labels)
	if !r.admitLabelSet(name, labels) {
		return
	}
	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Add(delta)
	} else {
		r.dropSample(name, err.Error())
	}
}

// Observe records a histogram observation.
func (r *Registry) Observe(name string, labels prometheus.Labels, value float64) {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		r.dropSample(name, "unknown histogram")
		return
	}
	labels = r.sanitizeLabels(name, labels)
	if !r.admitLabelSet(name, labels) {
		return
	}
	if h, err := vec.GetMetricWith(labels); err == nil {
		h.Observe(value)
	} else {
		r.dropSample(name, err.Error())
	}
}

// admitLabelSet enforces the per-series cardinality cap. The first rejected
// sample per series is logged; subsequent drops are silent.
func (r *Registry) admitLabelSet(name string, labels prometheus.Labels) bool {
	if len(labels) == 0 {
		return true
	}
	fp := fingerprint(labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.seen[name]
	if !ok {
		set = make(map[string]struct{})
		r.seen[name] = set
	}
	if _, exists := set[fp]; exists {
		return true
	}
	if len(set) >= r.maxCardinality {
		if !r.guardLogged[name] {
			r.guardLogged[name] = true
			r.logger.Warn("metric cardinality cap reached, dropping new label sets",
				zap.String("series", name),
				zap.Int("cap", r.maxCardinality))
		}
		return false
	}
	set[fp] = struct{}{}
	return true
}

func (r *Registry) sanitizeLabels(name string, labels prometheus.Labels) prometheus.Labels {
	if len(labels) == 0 {
		return labels
	}
	out := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		out[k] = SanitizeLabelValue(v)
	}
	return out
}

func (r *Registry) dropSample(name, reason string) {
	r.mu.Lock()
	logged := r.guardLogged["drop:"+name]
	if !logged {
		r.guardLogged["drop:"+name] = true
	}
	r.mu.Unlock()
	if !logged {
		r.logger.Warn("metric sample dropped",
			zap.String("series", name),
			zap.String("reason", reason))
	}
}

func fingerprint(labels prometheus.Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(';')
	}
	return b.String()
}

// SanitizeLabelValue truncates caller-controlled values so they cannot blow
// up series cardinality or the exposition payload.
func SanitizeLabelValue(v string) string {
	if len(v) > maxLabelValueLen {
		return v[:maxLabelValueLen]
	}
	return v
}

// SanitizeEndpoint buckets variable path segments (ids, uuids) so each route
// maps to one label value regardless of the concrete resource hit.
func SanitizeEndpoint(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if isIdentifierSegment(seg) {
			segments[i] = ":id"
		}
	}
	return SanitizeLabelValue(strings.Join(segments, "/"))
}

func isIdentifierSegment(seg string) bool {
	if len(seg) == 36 && strings.Count(seg, "-") == 4 {
		return true
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(seg) > 0
}

// Series is one exported metric series with its current value(s).
type Series struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Help   string            `json:"help,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`

	// Histogram-only fields
	Count   uint64            `json:"count,omitempty"`
	Sum     float64           `json:"sum,omitempty"`
	Buckets map[string]uint64 `json:"buckets,omitempty"`
}

// Snapshot gathers every series with its current values. The underlying
// gather holds no long-lived locks, so writers are never blocked beyond the
// copy itself.
func (r *Registry) Snapshot() ([]Series, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	var out []Series
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			s := Series{
				Name: mf.GetName(),
				Type: strings.ToLower(mf.GetType().String()),
				Help: mf.GetHelp(),
			}
			if len(m.GetLabel()) > 0 {
				s.Labels = make(map[string]string, len(m.GetLabel()))
				for _, lp := range m.GetLabel() {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				s.Value = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				s.Count = h.GetSampleCount()
				s.Sum = h.GetSampleSum()
				s.Buckets = make(map[string]uint64, len(h.GetBucket()))
				for _, b := range h.GetBucket() {
					s.Buckets[fmt.Sprintf("%g", b.GetUpperBound())] = b.GetCumulativeCount()
				}
			case dto.MetricType_SUMMARY:
				s.Count = m.GetSummary().GetSampleCount()
				s.Sum = m.GetSummary().GetSampleSum()
			default:
				s.Value = m.GetUntyped().GetValue()
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// CounterValue returns the current value of a counter for the given label
// set, or zero when the series does not exist yet.
func (r *Registry) CounterValue(name string, labels prometheus.Labels) float64 {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue returns the current value of a gauge for the given label set.
func (r *Registry) GaugeValue(name string, labels prometheus.Labels) float64 {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Handler returns the pull-based text exposition handler for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}

// Reset clears the values of every application series and the cardinality
// guard state. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, vec := range r.counters {
		vec.Reset()
	}
	for _, vec := range r.gauges {
		vec.Reset()
	}
	for _, vec := range r.histograms {
		vec.Reset()
	}
	r.seen = make(map[string]map[string]struct{})
	r.guardLogged = make(map[string]bool)
}
