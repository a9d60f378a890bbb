package monitoring

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the ordinal classification of how urgently an error needs
// attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Category is the functional classification of what subsystem an error
// originated from.
type Category string

const (
	CategoryDatabase       Category = "database"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategoryFileUpload     Category = "file_upload"
	CategoryExternalAPI    Category = "external_api"
	CategoryRateLimit      Category = "rate_limit"
	CategorySystem         Category = "system"
	CategoryBusinessLogic  Category = "business_logic"
)

// Severities and Categories enumerate the full taxonomy, in display order.
var (
	Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
	Categories = []Category{
		CategoryDatabase, CategoryAuthentication, CategoryAuthorization,
		CategoryValidation, CategoryFileUpload, CategoryExternalAPI,
		CategoryRateLimit, CategorySystem, CategoryBusinessLogic,
	}
)

// ErrorContext carries the request context an error was raised under.
type ErrorContext struct {
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	UserID    string `json:"user_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// StatusCode is the HTTP status the handler responded with, when known.
	StatusCode int `json:"status_code,omitempty"`
}

// ErrorRecord is an immutable classified error occurrence.
type ErrorRecord struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Stack     string                 `json:"stack,omitempty"`
	Severity  Severity               `json:"severity"`
	Category  Category               `json:"category"`
	Context   ErrorContext           `json:"context"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RequestSample is one completed request, retained for latency and error
// rate computation until the sample retention cutoff.
type RequestSample struct {
	Timestamp  time.Time     `json:"timestamp"`
	Endpoint   string        `json:"endpoint"`
	Method     string        `json:"method"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	UserID     string        `json:"user_id,omitempty"`
}

// Failed reports whether the sample counts against the error rate.
func (s RequestSample) Failed() bool {
	return s.StatusCode >= 500
}

// AlertType identifies which threshold rule raised an alert.
type AlertType string

const (
	AlertErrorThresholdExceeded AlertType = "ERROR_THRESHOLD_EXCEEDED"
	AlertHighErrorRate          AlertType = "HIGH_ERROR_RATE"
	AlertHighMemoryUsage        AlertType = "HIGH_MEMORY_USAGE"
	AlertSlowEndpoint           AlertType = "SLOW_ENDPOINT"
	AlertEndpointErrorRate      AlertType = "ENDPOINT_ERROR_RATE"
)

// Alert is a raised notification with an acknowledge lifecycle. Alerts are
// immutable after creation except for acknowledgment.
type Alert struct {
	ID             uuid.UUID              `json:"id"`
	Type           AlertType              `json:"type"`
	Severity       Severity               `json:"severity"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
}

// CheckState is the verdict of a single health check.
type CheckState string

const (
	CheckHealthy  CheckState = "healthy"
	CheckWarning  CheckState = "warning"
	CheckCritical CheckState = "critical"
)

// OverallStatus is the aggregate health verdict.
type OverallStatus string

const (
	StatusHealthy  OverallStatus = "healthy"
	StatusDegraded OverallStatus = "degraded"
	StatusCritical OverallStatus = "critical"
	StatusError    OverallStatus = "error"
)

// CheckResult is one named health check inside a HealthCheckResult.
type CheckResult struct {
	Status  CheckState             `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckResult is the whole-health verdict recomputed on every tick.
// The previous result is fully replaced, never partially updated.
type HealthCheckResult struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    OverallStatus          `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
}

// ErrorStats summarizes the tracker's state for dashboards.
type ErrorStats struct {
	Total      int64            `json:"total"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByEndpoint map[string]int   `json:"by_endpoint"`
	Recent     []ErrorRecord    `json:"recent,omitempty"`
	LastHour   int              `json:"last_hour"`
}

// EndpointStats aggregates the most recent samples for one endpoint.
type EndpointStats struct {
	Endpoint    string        `json:"endpoint"`
	Requests    int           `json:"requests"`
	Errors      int           `json:"errors"`
	ErrorRate   float64       `json:"error_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}
