package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// OwnerHeader carries the opaque owner id set by the identity gateway.
const OwnerHeader = "X-Owner-ID"

const ownerLocalsKey = "owner"

// RequireOwner copies the owner id from OwnerHeader into the request locals
// and rejects requests without one.
func RequireOwner() fiber.Handler {
	return func(c *fiber.Ctx) error {
		owner := strings.TrimSpace(c.Get(OwnerHeader))
		if owner == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing " + OwnerHeader + " header",
			})
		}
		c.Locals(ownerLocalsKey, utils.CopyString(owner))
		return c.Next()
	}
}

// Owner returns the owner stored by RequireOwner, or "".
func Owner(c *fiber.Ctx) string {
	owner, _ := c.Locals(ownerLocalsKey).(string)
	return owner
}
