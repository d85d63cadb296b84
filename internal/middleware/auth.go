package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/auth"
	"github.com/makeasinger/songforge/pkg/response"
)

// AuthMiddleware resolves the caller from a bearer token.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string // fallback for legacy tokens
}

// NewAuthMiddleware accepts a nil verifier (legacy HMAC only) or an empty
// secret (JWKS only).
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates the Authorization header. Websocket upgrades may
// pass the token as ?token= since browsers cannot set headers there.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var tokenString string
		if header := c.Get("Authorization"); header != "" {
			tok, err := auth.BearerToken(header)
			if err != nil {
				return response.Unauthorized(c, "Invalid authorization header format")
			}
			tokenString = tok
		} else if q := c.Query("token"); q != "" && c.Get("Upgrade") != "" {
			tokenString = q
		} else {
			return response.Unauthorized(c, "Missing authorization header")
		}

		id, err := auth.Verify(m.verifier, m.jwtSecret, tokenString)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", id.UserID)
		c.Locals("email", id.Email)
		c.Locals("name", id.Name)
		return c.Next()
	}
}

// GetUserID returns the authenticated owner id, or "".
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
