package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/store"
	ws "github.com/makeasinger/songforge/internal/websocket"
	"github.com/makeasinger/songforge/internal/worker"
)

// Options override what New would otherwise build from config.
type Options struct {
	// DB is used as-is (already migrated) and not closed by the app.
	DB *gorm.DB
	// Metrics defaults to a fresh registry with Go and process collectors.
	Metrics *prometheus.Registry
}

type App struct {
	Cfg      *config.Config
	Log      *logger.Logger
	DB       *gorm.DB
	Clients  Clients
	Services Services
	Hub      *ws.Hub
	Fiber    *fiber.App
	Metrics  *prometheus.Registry

	ownsDB bool
	cancel context.CancelFunc
}

// New connects every dependency and wires services and routes. Background
// loops do not start until Run.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Cfg: cfg, Log: log, DB: opts.DB, Metrics: opts.Metrics}

	if a.DB == nil {
		db, err := store.Open(cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		if err := store.Migrate(db); err != nil {
			return nil, fmt.Errorf("database migrate: %w", err)
		}
		a.DB = db
		a.ownsDB = true
	}

	if a.Metrics == nil {
		a.Metrics = prometheus.NewRegistry()
		a.Metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	clients, err := wireClients(ctx, cfg, log)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.Clients = clients

	// Units dispatched in-process outlive the request that created them.
	base, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	services, err := wireServices(base, a.DB, cfg, clients, a.Metrics, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Services = services

	a.Hub = ws.NewHub(log)
	a.Fiber = wireRouter(routerDeps{
		cfg:      cfg,
		log:      log,
		clients:  clients,
		services: services,
		hub:      a.Hub,
		gatherer: a.Metrics,
	})
	return a, nil
}

// Run serves HTTP and runs the background loops until ctx ends or one of
// them fails. In queue mode the asynq worker server and reaper scheduler
// run here too; in local mode the reaper runs on a ticker.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})

	if err := a.Services.Bus.StartForwarder(ctx, a.Hub.Forward); err != nil {
		return fmt.Errorf("start event forwarder: %w", err)
	}

	if a.Services.Queue != nil {
		if err := a.startWorkers(ctx, g); err != nil {
			return err
		}
	} else {
		g.Go(func() error {
			a.Services.Reaper.Run(ctx, a.Cfg.Reaper.Interval)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if err := a.Fiber.ShutdownWithTimeout(10 * time.Second); err != nil {
			a.Log.Error("server shutdown error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		addr := ":" + a.Cfg.Server.Port
		a.Log.Info("server starting", "addr", addr, "dispatch", dispatchMode(a.Cfg))
		if err := a.Fiber.Listen(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		// Listen returns nil after shutdown; stop the other loops.
		return context.Canceled
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group) error {
	handlers := worker.NewHandlers(a.Services.Jobs, a.Services.Pipelines, a.Services.Reaper, a.Log)
	srv := worker.NewServer(a.Cfg.Redis, a.Cfg.Dispatch.Concurrency, a.Cfg.Server.LogLevel, a.Log)
	if err := srv.Start(worker.NewServeMux(handlers)); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	scheduler, err := worker.NewScheduler(a.Cfg.Redis, a.Cfg.Reaper.Interval, a.Cfg.Server.LogLevel, a.Log)
	if err != nil {
		srv.Shutdown()
		return err
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()
		scheduler.Shutdown()
		srv.Shutdown()
		return nil
	})
	return nil
}

// Close stops in-process units, waits for them and releases connections.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Local != nil {
		a.Services.Local.Wait()
	}
	if a.Services.Bus != nil {
		_ = a.Services.Bus.Close()
	}
	a.Clients.Close()
	a.closeDB()
	a.Log.Sync()
}

func (a *App) closeDB() {
	if !a.ownsDB || a.DB == nil {
		return
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.ownsDB = false
}
