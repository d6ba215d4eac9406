package httpapi

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
)

// UserIDHeader carries the caller's id, set by the auth gateway in front of the service.
const UserIDHeader = "X-User-ID"

const userIDKey = "userID"

// apiKeyGuard requires header to equal key. With an empty key the routes stay
// open when openWhenUnset is set and are refused otherwise.
func apiKeyGuard(header, key string, status int, openWhenUnset bool) fiber.Handler {
	if key == "" {
		if openWhenUnset {
			return func(c *fiber.Ctx) error { return c.Next() }
		}
		return func(c *fiber.Ctx) error {
			return fiber.NewError(status, header+" is not configured on this server")
		}
	}
	return keyauth.New(keyauth.Config{
		KeyLookup: "header:" + header,
		Validator: func(_ *fiber.Ctx, got string) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1 {
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: func(_ *fiber.Ctx, _ error) error {
			return fiber.NewError(status, "invalid or missing "+header)
		},
	})
}

func requireUser(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Get(UserIDHeader))
	if id == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing "+UserIDHeader)
	}
	c.Locals(userIDKey, id)
	return c.Next()
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDKey).(string)
	return id
}
