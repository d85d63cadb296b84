package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/app"
	"github.com/makeasinger/songforge/internal/auth"
	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/testutil"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testCallbackToken = "test-callback-token"
	testUserID        = "test-user-123"
)

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	core     *app.App
	provider *client.TestProvider
}

// testConfig is a local-dispatch setup with only the in-process test
// provider and no redis.
func testConfig() *config.Config {
	return &config.Config{
		Server:       config.ServerConfig{Port: "0", Env: "test", LogLevel: "error"},
		Database:     config.DatabaseConfig{Driver: "sqlite"},
		JWT:          config.JWTConfig{Secret: testJWTSecret},
		RateLimit:    config.RateLimitConfig{GeneratePerHour: 10000, PipelinePerHour: 10000},
		TestProvider: config.TestProviderConfig{Enabled: true, Delay: 50 * time.Millisecond, MaxPolls: 500},
		Generation: config.GenerationConfig{
			DefaultProvider: "test",
			PollInterval:    10 * time.Millisecond,
			SubmitAttempts:  3,
			SubmitRetryBase: time.Millisecond,
		},
		Dispatch: config.DispatchConfig{Mode: app.DispatchLocal},
		Reaper:   config.ReaperConfig{StaleAfter: 15 * time.Minute, Interval: time.Minute},
		Callback: config.CallbackConfig{Token: testCallbackToken},
		Events:   config.EventsConfig{Channel: "songforge:test"},
	}
}

// setupApp builds the same app cmd/server runs, over a temp sqlite database.
func setupApp(t *testing.T, mutate ...func(*config.Config)) *testApp {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	core, err := app.New(context.Background(), cfg, logger.NewNop(), app.Options{DB: testutil.DB(t)})
	require.NoError(t, err)
	t.Cleanup(core.Close)

	p, err := core.Clients.Providers.Get("test")
	require.NoError(t, err)
	provider, ok := p.(*client.TestProvider)
	require.True(t, ok)

	return &testApp{app: core.Fiber, core: core, provider: provider}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(testJWTSecret, userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as testUserID.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	return doAuthRequestAs(t, app, testUserID, method, path, body)
}

func doAuthRequestAs(t *testing.T, app *fiber.App, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, userID),
	})
	require.NoError(t, err)
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &result), "body: %s", body)
	return result
}

// decode parses the response body into out.
func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	body := readBody(t, resp)
	require.NoError(t, json.Unmarshal([]byte(body), out), "body: %s", body)
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
