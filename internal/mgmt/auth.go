package mgmt

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Role is the access granted by a management API key.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

const roleKey = "role"

// AuthConfig holds the management API keys. An empty APIKey disables
// authentication and every caller acts as an operator.
type AuthConfig struct {
	APIKey      string
	ReadOnlyKey string
}

func isOpsEndpoint(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

func readOnly(method string) bool {
	return method == fiber.MethodGet || method == fiber.MethodHead || method == fiber.MethodOptions
}

func keyMatches(token, key string) bool {
	return key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}

// NewAuthMiddleware returns a Fiber middleware that resolves the bearer token to
// a Role. Viewer keys are limited to read requests.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isOpsEndpoint(c.Path()) {
			return c.Next()
		}
		if cfg.APIKey == "" {
			c.Locals(roleKey, RoleOperator)
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		switch {
		case keyMatches(token, cfg.APIKey):
			c.Locals(roleKey, RoleOperator)
			return c.Next()
		case keyMatches(token, cfg.ReadOnlyKey):
			if !readOnly(c.Method()) {
				return problemResponse(c, fiber.StatusForbidden,
					"read_only_key", "Forbidden",
					"This API key may only read")
			}
			c.Locals(roleKey, RoleViewer)
			return c.Next()
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unauthorized request: invalid API key")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

func roleOf(c *fiber.Ctx) Role {
	r, _ := c.Locals(roleKey).(Role)
	return r
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
