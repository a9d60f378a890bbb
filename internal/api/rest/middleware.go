package rest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	domainErrors "github.com/literati-app/literati-backend/internal/domain/errors"
	"github.com/literati-app/literati-backend/internal/infrastructure/cache"
	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/monitoring"
)

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

type contextKey string

const (
	contextKeyRequestID    contextKey = "request_id"
	contextKeyUserID       contextKey = "user_id"
	contextKeyRole         contextKey = "role"
	contextKeyErrorTracked contextKey = "error_tracked"
)

// errorTrackedFlag lets the recovery middleware tell the outer monitor
// middleware that the 5xx it is about to see was already tracked with its
// real cause.
type errorTrackedFlag struct {
	mu      sync.Mutex
	tracked bool
}

func (f *errorTrackedFlag) set() {
	f.mu.Lock()
	f.tracked = true
	f.mu.Unlock()
}

func (f *errorTrackedFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked
}

// RequestIDFrom returns the request id attached by requestIDMiddleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// UserIDFrom returns the authenticated user id, if any.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyUserID).(string)
	return id
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	status       int
	written      bool
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(status int) {
	if !rw.written {
		rw.status = status
		rw.written = true
		rw.ResponseWriter.WriteHeader(status)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Hijack is needed for the WebSocket upgrade to pass through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestIDMiddleware ensures every request has a unique ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs all HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		slog.InfoContext(r.Context(), "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFrom(r.Context()),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// monitorMiddleware feeds every request through the observability pipeline:
// in-flight gauge, duration histogram, status classing and error tracking
// for 5xx responses.
func monitorMiddleware(monitor *monitoring.Monitor) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			monitor.RequestStarted(r.Method, r.URL.Path)

			flag := &errorTrackedFlag{}
			r = r.WithContext(context.WithValue(r.Context(), contextKeyErrorTracked, flag))

			wrapped := &responseWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)

			sample := monitoring.RequestSample{
				Timestamp:  start.UTC(),
				Endpoint:   r.URL.Path,
				Method:     r.Method,
				StatusCode: wrapped.status,
				Duration:   time.Since(start),
				UserID:     UserIDFrom(r.Context()),
			}
			monitor.RequestCompleted(sample)

			// Panics are tracked by the recovery middleware with the real
			// cause; everything else surfacing as a 5xx is tracked here.
			if wrapped.status >= 500 && !flag.isSet() {
				monitor.TrackError(
					fmt.Errorf("request failed with status %d: %s", wrapped.status, http.StatusText(wrapped.status)),
					errorContextFor(r, wrapped.status),
				)
			}
		})
	}
}

// recoveryMiddleware converts panics into tracked errors and a sanitized
// 500 response carrying only the opaque error id.
func recoveryMiddleware(monitor *monitoring.Monitor) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					record := monitor.TrackError(
						fmt.Errorf("panic: %v", rec),
						errorContextFor(r, http.StatusInternalServerError),
					)

					slog.ErrorContext(r.Context(), "panic recovered",
						"error", rec,
						"error_id", record.ID.String(),
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
					)

					if flag, ok := r.Context().Value(contextKeyErrorTracked).(*errorTrackedFlag); ok {
						flag.set()
					}
					writeInternalError(w, record.ID.String())
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func errorContextFor(r *http.Request, status int) monitoring.ErrorContext {
	return monitoring.ErrorContext{
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		UserID:     UserIDFrom(r.Context()),
		RequestID:  RequestIDFrom(r.Context()),
		StatusCode: status,
	}
}

// securityHeadersMiddleware adds the standard security headers.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for the reading apps.
func corsMiddleware(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin(r, allowedOrigins))
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(r *http.Request, allowed []string) string {
	origin := r.Header.Get("Origin")
	for _, a := range allowed {
		if origin == a {
			return origin
		}
	}
	if len(allowed) > 0 {
		return allowed[0]
	}
	return "*"
}

// timeoutWriter serializes access between the handler goroutine and the
// timeout path. Once the deadline fires, handler writes are discarded so
// the 504 body is never interleaved with a late response.
type timeoutWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	timedOut bool
	wrote    bool
}

func (tw *timeoutWriter) WriteHeader(status int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.wrote = true
	return tw.ResponseWriter.Write(b)
}

func (tw *timeoutWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	tw.mu.Lock()
	tw.wrote = true
	tw.mu.Unlock()
	return hj.Hijack()
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// markTimeout claims the writer for the 504 path. It fails if the handler
// already produced output, in which case the response stands as written.
func (tw *timeoutWriter) markTimeout() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.wrote {
		return false
	}
	tw.timedOut = true
	return true
}

// timeoutMiddleware bounds request handling time.
func timeoutMiddleware(timeout time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			r = r.WithContext(ctx)
			tw := &timeoutWriter{ResponseWriter: w}

			done := make(chan struct{})
			go func() {
				defer func() {
					// Let the request goroutine die quietly; the recovery
					// middleware inside it already handled the panic.
					recover()
					close(done)
				}()
				next.ServeHTTP(tw, r)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded && tw.markTimeout() {
					writeError(w, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request timed out")
				}
			}
		})
	}
}

// localRateLimiter is the in-process token bucket fallback used when Redis
// is unavailable or not configured.
type localRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newLocalRateLimiter(rps, burst int) *localRateLimiter {
	return &localRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *localRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
		// Crude memory bound; entries are cheap to rebuild
		if len(rl.limiters) > 10000 {
			rl.limiters = map[string]*rate.Limiter{key: limiter}
		}
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// rateLimiterMiddleware enforces per-client limits, preferring the shared
// Redis sliding window and falling back to the local token bucket.
type rateLimiterMiddleware struct {
	shared  cache.RateLimiter
	local   *localRateLimiter
	cfg     config.RateLimitConfig
	monitor *monitoring.Monitor
}

func newRateLimiterMiddleware(shared cache.RateLimiter, cfg config.RateLimitConfig, monitor *monitoring.Monitor) *rateLimiterMiddleware {
	return &rateLimiterMiddleware{
		shared:  shared,
		local:   newLocalRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize),
		cfg:     cfg,
		monitor: monitor,
	}
}

func (rl *rateLimiterMiddleware) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.cfg.RequestsPerSecond <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := rl.clientKey(r)
			if rl.allow(r, key) {
				next.ServeHTTP(w, r)
				return
			}

			rl.monitor.TrackError(
				domainErrors.NewRateLimitError("rate limit exceeded for "+key),
				errorContextFor(r, http.StatusTooManyRequests),
			)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerSecond))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests")
		})
	}
}

func (rl *rateLimiterMiddleware) allow(r *http.Request, key string) bool {
	if rl.shared != nil {
		allowed, err := rl.shared.Allow(r.Context(), key, rl.cfg.RequestsPerSecond, time.Second)
		if err == nil {
			return allowed
		}
		// Redis trouble must not take requests down with it
	}
	return rl.local.Allow(key)
}

// clientKey buckets by client IP. The limiter runs ahead of auth, so no
// user identity exists yet at this point in the chain.
func (rl *rateLimiterMiddleware) clientKey(r *http.Request) string {
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}
