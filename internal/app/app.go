package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/strandlabs/strand/internal/data/repos"
	"github.com/strandlabs/strand/internal/db"
	"github.com/strandlabs/strand/internal/modules/chat/steps"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/pkg/logger"
	"github.com/strandlabs/strand/internal/realtime"
	"github.com/strandlabs/strand/internal/services"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Clients  Clients
	Repos    repos.All
	Services Services
	Tools    *steps.ToolRegistry
	Hub      *realtime.Hub

	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
}

// New wires the whole server. Tools registered on the returned
// registry before Start are available to generation and approvals.
func New(tools ...steps.Tool) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.Init(context.Background(), log, observability.Config{
		ServiceName: "strand",
		Environment: os.Getenv("APP_ENV"),
		Version:     os.Getenv("APP_VERSION"),
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := realtime.NewHub(log)

	clientset, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	registry, err := steps.NewToolRegistry(tools...)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init tool registry: %w", err)
	}

	notifier := services.NewChatNotifier(hub, clientset.Bus, log)
	reposet := wireRepos(theDB, log, services.NewMessageObserver(notifier))

	serviceset := wireServices(theDB, log, cfg, clientset, reposet, notifier, registry)

	handlerset := wireHandlers(log, serviceset, hub)
	middlewareset := wireMiddleware(log, cfg)
	router := wireRouter(handlerset, middlewareset)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Cfg:          cfg,
		Clients:      clientset,
		Repos:        reposet,
		Services:     serviceset,
		Tools:        registry,
		Hub:          hub,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background loops: the thread reaper and, when a
// bus is configured, the cross-instance realtime forwarder.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Reaper != nil {
		go a.Services.Reaper.Run(ctx)
	}
	if a.Clients.Bus != nil {
		if err := a.Clients.Bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
			a.Log.Warn("realtime forwarder failed to start", "error", err)
		}
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Clients.Bus != nil {
		if err := a.Clients.Bus.Close(); err != nil {
			a.Log.Warn("bus close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(context.Background()); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
