package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string // "api-key" or "none"
	APIKey string // from env API_KEY
}

// isProbe reports paths that bypass auth and rate limiting.
func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware validates the Authorization header (Bearer) or X-API-Key.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == "" || cfg.Mode == AuthNone {
			return c.Next()
		}

		path := c.Path()
		if isProbe(path) || c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		token := c.Get("X-API-Key")
		if token == "" {
			authHeader := c.Get(fiber.HeaderAuthorization)
			if authHeader == "" {
				return problemResponse(c, fiber.StatusUnauthorized,
					"missing_auth", "Unauthorized",
					"Authorization header is required")
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_auth_scheme", "Unauthorized",
					"Authorization header must use Bearer scheme")
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
			return c.Next()
		}

		logger.Warn().
			Str("path", path).
			Str("method", c.Method()).
			Msg("unauthorized request: invalid API key")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}
