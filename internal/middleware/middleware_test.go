package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/auth"
	"github.com/makeasinger/songforge/internal/logger"
)

func newAuthApp(m fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Get("/me", m, func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})
	return app
}

func TestAuthenticate(t *testing.T) {
	app := newAuthApp(NewAuthMiddleware(nil, "secret").Authenticate())
	token, err := auth.IssueLegacyToken("secret", "user-1", "", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"malformed", "Token abc", fiber.StatusUnauthorized},
		{"bad token", "Bearer nope", fiber.StatusUnauthorized},
		{"ok", "Bearer " + token, fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.status == fiber.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, "user-1", string(body))
			}
		})
	}
}

func TestAuthenticate_QueryTokenOnlyForUpgrade(t *testing.T) {
	app := newAuthApp(NewAuthMiddleware(nil, "secret").Authenticate())
	token, err := auth.IssueLegacyToken("secret", "user-1", "", time.Hour)
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest("GET", "/me?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/me?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestGatewayAuth(t *testing.T) {
	app := newAuthApp(GatewayAuthMiddleware())

	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-Id", "gw-user")
	resp, err = app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "gw-user", string(body))
}

func TestRateLimiter_WithoutRedisPasses(t *testing.T) {
	rl := NewRateLimiter(nil, logger.NewNop())
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		c.Locals("userId", "u1")
		return c.Next()
	}, rl.GenerateLimit(1), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	}
}
