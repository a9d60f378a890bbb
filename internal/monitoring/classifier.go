package monitoring

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	domainErrors "github.com/literati-app/literati-backend/internal/domain/errors"
)

// Classifier maps a raised error plus request context into a structured
// ErrorRecord. Classification is deterministic and total: every error gets
// exactly one severity and one category, with medium/system as catch-alls,
// so downstream aggregation always has a well-formed record.
type Classifier struct {
	severityRules []severityRule
	categoryRules []categoryRule
}

type severityRule struct {
	match    func(msg string, ctx ErrorContext, appErr *domainErrors.AppError) bool
	severity Severity
}

type categoryRule struct {
	keywords []string
	category Category
}

// NewClassifier builds the ordered rule tables. Rules are evaluated
// top-to-bottom; the first match wins.
func NewClassifier() *Classifier {
	return &Classifier{
		severityRules: []severityRule{
			// Known critical infrastructure failures
			{severity: SeverityCritical, match: func(msg string, _ ErrorContext, _ *domainErrors.AppError) bool {
				return containsAny(msg,
					"connection refused", "no such host", "out of memory",
					"deadlock", "connection pool exhausted", "disk full",
					"panic", "fatal")
			}},
			// Auth and upload failures, and anything surfaced as a 5xx
			{severity: SeverityHigh, match: func(msg string, ctx ErrorContext, appErr *domainErrors.AppError) bool {
				if ctx.StatusCode >= 500 {
					return true
				}
				if appErr != nil && (appErr.Type == domainErrors.ErrorTypeUnauthorized ||
					appErr.Type == domainErrors.ErrorTypeForbidden) {
					return true
				}
				return containsAny(msg, "authentication failed", "token expired",
					"invalid signature", "upload failed", "file rejected")
			}},
			// Validation and other 4xx-class failures
			{severity: SeverityLow, match: func(msg string, ctx ErrorContext, appErr *domainErrors.AppError) bool {
				if appErr != nil && appErr.Type == domainErrors.ErrorTypeValidation {
					return true
				}
				if ctx.StatusCode >= 400 && ctx.StatusCode < 500 {
					return true
				}
				return containsAny(msg, "validation", "invalid input", "malformed", "missing required")
			}},
		},
		categoryRules: []categoryRule{
			{category: CategoryDatabase, keywords: []string{
				"sql", "database", "pgx", "postgres", "deadlock", "connection pool",
				"relation", "duplicate key", "transaction"}},
			{category: CategoryAuthentication, keywords: []string{
				"token", "jwt", "login", "unauthorized", "authentication", "credentials", "session"}},
			{category: CategoryAuthorization, keywords: []string{
				"forbidden", "permission", "access denied", "authorization", "not allowed"}},
			{category: CategoryValidation, keywords: []string{
				"validation", "invalid", "malformed", "missing required", "out of range"}},
			{category: CategoryFileUpload, keywords: []string{
				"upload", "file too large", "multipart", "mime type", "cover image"}},
			{category: CategoryRateLimit, keywords: []string{
				"rate limit", "too many requests", "throttle"}},
			{category: CategoryExternalAPI, keywords: []string{
				"upstream", "external", "api key", "completion", "openai", "timeout",
				"bad gateway", "service unavailable"}},
			{category: CategoryBusinessLogic, keywords: []string{
				"reading session", "achievement", "already exists", "book limit",
				"subscription", "entitlement"}},
		},
	}
}

// Classify produces the ErrorRecord for err in the given request context.
func (c *Classifier) Classify(err error, ctx ErrorContext) ErrorRecord {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)

	var appErr *domainErrors.AppError
	errors.As(err, &appErr)

	severity := c.classifySeverity(lower, ctx, appErr)
	category := c.classifyCategory(lower, appErr)

	record := ErrorRecord{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Message:   msg,
		Severity:  severity,
		Category:  category,
		Context:   ctx,
	}

	if meta := enrich(category, lower, appErr); len(meta) > 0 {
		record.Metadata = meta
	}

	return record
}

func (c *Classifier) classifySeverity(msg string, ctx ErrorContext, appErr *domainErrors.AppError) Severity {
	for _, rule := range c.severityRules {
		if rule.match(msg, ctx, appErr) {
			return rule.severity
		}
	}
	return SeverityMedium
}

func (c *Classifier) classifyCategory(msg string, appErr *domainErrors.AppError) Category {
	// Typed errors carry their own classification and take precedence over
	// keyword matching.
	if appErr != nil {
		switch appErr.Type {
		case domainErrors.ErrorTypeValidation:
			return CategoryValidation
		case domainErrors.ErrorTypeUnauthorized:
			return CategoryAuthentication
		case domainErrors.ErrorTypeForbidden:
			return CategoryAuthorization
		case domainErrors.ErrorTypeRateLimit:
			return CategoryRateLimit
		case domainErrors.ErrorTypeExternal:
			return CategoryExternalAPI
		case domainErrors.ErrorTypeBusiness:
			return CategoryBusinessLogic
		}
	}

	for _, rule := range c.categoryRules {
		if containsAny(msg, rule.keywords...) {
			return rule.category
		}
	}
	return CategorySystem
}

var tableNamePattern = regexp.MustCompile(`(?:relation|table) "?([a-z_][a-z0-9_]*)"?`)

// enrich attaches category-specific metadata to the record.
func enrich(category Category, msg string, appErr *domainErrors.AppError) map[string]interface{} {
	meta := make(map[string]interface{})

	switch category {
	case CategoryDatabase:
		for _, op := range []string{"select", "insert", "update", "delete"} {
			if strings.Contains(msg, op) {
				meta["operation"] = op
				break
			}
		}
		if m := tableNamePattern.FindStringSubmatch(msg); m != nil {
			meta["table"] = m[1]
		}
	case CategoryFileUpload:
		if strings.Contains(msg, "file too large") {
			meta["reason"] = "size_limit"
		}
		if strings.Contains(msg, "mime type") {
			meta["reason"] = "unsupported_type"
		}
	case CategoryExternalAPI:
		if strings.Contains(msg, "timeout") {
			meta["reason"] = "timeout"
		}
	}

	if appErr != nil {
		meta["code"] = appErr.Code
		for k, v := range appErr.Details {
			meta[k] = v
		}
	}

	if len(meta) == 0 {
		return nil
	}
	return meta
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
