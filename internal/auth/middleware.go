package auth

import (
	"strings"

	"github.com/basekick-labs/elf/internal/metrics"
	"github.com/gofiber/fiber/v2"
)

// MiddlewareConfig configures bearer token checks. A nil Verifier disables them.
type MiddlewareConfig struct {
	Verifier *Verifier

	// Routes that don't require authentication
	PublicRoutes []string
}

// DefaultMiddlewareConfig returns default middleware config
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		PublicRoutes: []string{
			"/health",
			"/ready",
		},
	}
}

// NewMiddleware creates authentication middleware for Fiber
func NewMiddleware(config MiddlewareConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if config.Verifier == nil {
			return c.Next()
		}

		path := c.Path()
		for _, route := range config.PublicRoutes {
			if path == route {
				return c.Next()
			}
		}

		token := ExtractTokenFromRequest(c)
		if token == "" {
			return unauthorized(c, "authentication required")
		}
		if !config.Verifier.Verify(token) {
			return unauthorized(c, "invalid token")
		}
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, msg string) error {
	metrics.Get().IncAuthFailures()
	c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="elf"`)
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": msg,
		"kind":  "auth",
	})
}

// ExtractTokenFromRequest extracts auth token from Fiber request headers.
// Checks in order: Authorization Bearer, Authorization plain, x-api-key.
func ExtractTokenFromRequest(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if authHeader != "" {
		return authHeader
	}
	return c.Get("x-api-key")
}
