package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/auth"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Verify handles GET /auth/verify, called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	tokenString, err := auth.BearerToken(c.Get("Authorization"))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id, err := auth.Verify(h.verifier, h.jwtSecret, tokenString)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	c.Set("X-User-Name", id.Name)
	return c.SendStatus(fiber.StatusOK)
}
