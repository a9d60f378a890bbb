package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(expiry time.Duration) *AuthMiddleware {
	return NewAuthMiddleware(&AuthConfig{
		JWTSecret:   []byte("test-secret-used-only-in-tests!!"),
		TokenExpiry: expiry,
		Issuer:      "literati-backend",
		Audience:    []string{"api"},
	})
}

func authProtectedHandler(auth *AuthMiddleware, roles ...string) (http.Handler, *string) {
	var seenUserID string
	handler := auth.Middleware(roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUserID = UserIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &seenUserID
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	auth := newTestAuth(time.Hour)
	handler, seenUserID := authProtectedHandler(auth, "admin", "operator")

	token, err := auth.GenerateToken("user-42", "operator")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", *seenUserID)
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	auth := newTestAuth(time.Hour)
	handler, _ := authProtectedHandler(auth, "admin")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/dashboard", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Equal(t, "UNAUTHORIZED", decodeErrorBody(t, rec).Error.Code)
}

func TestAuthMiddleware_MalformedHeader(t *testing.T) {
	auth := newTestAuth(time.Hour)
	handler, _ := authProtectedHandler(auth, "admin")

	for _, header := range []string{"Bearer", "Basic dXNlcjpwYXNz", "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/dashboard", nil)
		req.Header.Set("Authorization", header)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestAuthMiddleware_InvalidSignature(t *testing.T) {
	auth := newTestAuth(time.Hour)
	handler, _ := authProtectedHandler(auth, "admin")

	other := NewAuthMiddleware(&AuthConfig{
		JWTSecret:   []byte("a-completely-different-secret!!!"),
		TokenExpiry: time.Hour,
		Issuer:      "literati-backend",
	})
	token, err := other.GenerateToken("user-42", "admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	auth := newTestAuth(-time.Minute)
	handler, _ := authProtectedHandler(auth, "admin")

	token, err := auth.GenerateToken("user-42", "admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_RoleNotAllowed(t *testing.T) {
	auth := newTestAuth(time.Hour)
	handler, _ := authProtectedHandler(auth, "admin", "operator")

	token, err := auth.GenerateToken("user-42", "reader")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeErrorBody(t, rec).Error.Code)
}
