package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// APIKeyAuthMiddleware admits requests whose X-API-Key header or bearer token
// matches key. With no key configured every request is refused.
func APIKeyAuthMiddleware(key string) fiber.Handler {
	key = strings.TrimSpace(key)
	return func(c *fiber.Ctx) error {
		if key == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "API key not configured"})
		}

		if extractAPIKeyFromHeader(c) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if !HasAPIKey(c, key) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		return c.Next()
	}
}

// HasAPIKey reports whether the request carries key. An empty key never
// matches.
func HasAPIKey(c *fiber.Ctx, key string) bool {
	key = strings.TrimSpace(key)
	apiKey := extractAPIKeyFromHeader(c)
	if key == "" || apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
