package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"docvault/internal/identity"
	"docvault/internal/model"
)

// AccessTokenCookie is read when no Authorization header is sent.
const AccessTokenCookie = "access_token"

const identityLocalKey = "identity"

// TokenVerifier turns a bearer token into the caller's identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (model.Identity, error)
}

// Authenticate requires a valid token and stores the caller's identity
// both in locals and in the request's user context.
func Authenticate(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		who, err := v.Verify(c.UserContext(), bearerToken(c))
		if err != nil {
			if errors.Is(err, identity.ErrRevocationCheck) {
				return fiber.NewError(fiber.StatusServiceUnavailable, "identity check unavailable")
			}
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}
		c.Locals(identityLocalKey, who)
		c.SetUserContext(identity.WithIdentity(c.UserContext(), who))
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	h := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return c.Cookies(AccessTokenCookie)
}

func identityFrom(c *fiber.Ctx) (model.Identity, bool) {
	who, ok := c.Locals(identityLocalKey).(model.Identity)
	return who, ok
}
