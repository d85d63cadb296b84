package app

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/handler"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/middleware"
	ws "github.com/makeasinger/songforge/internal/websocket"
	"github.com/makeasinger/songforge/pkg/response"
)

type routerDeps struct {
	cfg      *config.Config
	log      *logger.Logger
	clients  Clients
	services Services
	hub      *ws.Hub
	gatherer prometheus.Gatherer
}

func wireRouter(d routerDeps) *fiber.App {
	cfg := d.cfg
	validate := validator.New()

	generation := handler.NewGenerationHandler(d.services.Jobs, validate)
	pipelines := handler.NewPipelineHandler(d.services.Pipelines, validate)
	admin := handler.NewAdminHandler(d.services.Reaper, d.log)
	callbacks := handler.NewCallbackHandler(d.services.Jobs, cfg.Callback.Token, d.log)
	authHandler := handler.NewAuthHandler(d.clients.Verifier, cfg.JWT.Secret)

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		d.log.Info("gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddleware(d.clients.Verifier, cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(d.clients.Redis, d.log)

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"providers": d.clients.Providers.Names(),
				"r2":        d.clients.Storage != nil,
				"llm":       d.clients.LLM != nil,
				"redis":     d.clients.Redis != nil,
				"auth":      d.clients.Verifier != nil || cfg.JWT.Secret != "",
				"dispatch":  dispatchMode(cfg),
			},
			"running": d.services.Registry.Len(),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	app.Post("/callbacks/:provider", callbacks.Handle)

	api := app.Group("/api", apiAuth)

	api.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generation.Generate)
	api.Get("/jobs/:jobId", generation.Status)
	api.Post("/jobs/:jobId/reset", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generation.Reset)

	api.Post("/pipeline", rateLimiter.PipelineLimit(cfg.RateLimit.PipelinePerHour), pipelines.Create)
	api.Post("/pipeline/status", pipelines.StatusByBody)
	api.Get("/pipeline/:pipelineId", pipelines.Status)

	api.Post("/admin/cleanup-stuck-jobs", admin.CleanupStuckJobs)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:id", apiAuth, websocket.New(func(c *websocket.Conn) {
		ownerID, _ := c.Locals("userId").(string)
		d.hub.HandleConnection(c, c.Params("id"), ownerID)
	}))

	return app
}

func dispatchMode(cfg *config.Config) string {
	if cfg.Dispatch.Mode == "" {
		return DispatchLocal
	}
	return cfg.Dispatch.Mode
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	switch code {
	case fiber.StatusNotFound:
		return response.NotFound(c, message)
	case fiber.StatusInternalServerError:
		return response.ServiceError(c, message)
	default:
		return response.Error(c, code, response.CodeServiceError, message, nil)
	}
}
