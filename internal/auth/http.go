// ABOUTME: Echo middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the identity to the request context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware authenticates every request with verifier. Browsers cannot set
// headers on websocket upgrades, so an access_token query parameter is also
// accepted. A nil verifier disables authentication: every request runs as
// Anonymous, which is logged once at startup.
func Middleware(verifier TokenVerifier, logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		logger.Warn("auth.jwt_secret is empty, admin API is unauthenticated")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if verifier == nil {
				return next(withIdentity(c, Anonymous))
			}

			token, errMsg := extractBearerToken(c.Request().Header.Get("Authorization"))
			if errMsg != "" {
				if q := c.QueryParam("access_token"); q != "" {
					token, errMsg = q, ""
				}
			}
			if errMsg != "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": errMsg, "code": "unauthenticated"})
			}

			id, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": msg, "code": "unauthenticated"})
			}
			return next(withIdentity(c, id))
		}
	}
}

// RequireAdmin rejects callers without the admin role. Must be used after Middleware.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := FromContext(c.Request().Context())
			if id == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "not authenticated", "code": "unauthenticated"})
			}
			if !id.IsAdmin() {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "admin role required", "code": "policy_denied"})
			}
			return next(c)
		}
	}
}

func withIdentity(c echo.Context, id *Identity) echo.Context {
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
	return c
}
