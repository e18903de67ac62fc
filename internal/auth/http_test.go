// ABOUTME: Tests for the echo authentication middleware
// ABOUTME: Covers bearer and query tokens, disabled auth and the admin gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whoami(c echo.Context) error {
	id := FromContext(c.Request().Context())
	if id == nil {
		return c.String(http.StatusOK, "none")
	}
	return c.String(http.StatusOK, id.Subject+"/"+id.Role)
}

func newAuthServer(verifier TokenVerifier) *echo.Echo {
	e := echo.New()
	g := e.Group("", Middleware(verifier, nil))
	g.GET("/me", whoami)
	g.GET("/admin", whoami, RequireAdmin())
	return e
}

func do(e *echo.Echo, path, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	e := newAuthServer(v)

	agent, err := v.Generate(Identity{Subject: "agent-7", Role: RoleAgent}, time.Hour)
	require.NoError(t, err)
	admin, err := v.Generate(Identity{Subject: "ops", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)
	expired, err := v.Generate(Identity{Subject: "ops", Role: RoleAdmin}, -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"missing header", "/me", "", http.StatusUnauthorized, "missing authorization header"},
		{"bad format", "/me", "Token abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"invalid token", "/me", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"expired", "/me", "Bearer " + expired, http.StatusUnauthorized, "token expired"},
		{"agent", "/me", "Bearer " + agent, http.StatusOK, "agent-7/agent"},
		{"query token", "/me?access_token=" + agent, "", http.StatusOK, "agent-7/agent"},
		{"agent on admin route", "/admin", "Bearer " + agent, http.StatusForbidden, "admin role required"},
		{"admin on admin route", "/admin", "Bearer " + admin, http.StatusOK, "ops/admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.path, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	e := newAuthServer(nil)

	rec := do(e, "/admin", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous/admin", rec.Body.String())
}
