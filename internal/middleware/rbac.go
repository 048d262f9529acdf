package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/setu-sync/internal/utils"
)

// RequireRole admits authenticated users whose role claim matches one of roles,
// case-insensitively. It must run after JWTProtected.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := normalizeRoleName(role); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		if userID, _ := c.Locals("user_id").(string); userID == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		role, _ := c.Locals("user_role").(string)
		if _, ok := allowed[normalizeRoleName(role)]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

func normalizeRoleName(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
