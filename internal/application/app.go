// Copyright 2026 Promptwire Authors. All rights reserved.

// Package application assembles the proxy: configuration, backends,
// session store, command processing, the failover coordinator and the HTTP
// surface.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptwire/promptwire/internal/application/usecase"
	"github.com/promptwire/promptwire/internal/domain/repository"
	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
	_ "github.com/promptwire/promptwire/internal/infrastructure/backend/anthropic" // register anthropic adapter factory
	_ "github.com/promptwire/promptwire/internal/infrastructure/backend/gemini"    // register gemini adapter factory
	_ "github.com/promptwire/promptwire/internal/infrastructure/backend/openai"    // register openai adapter factory
	"github.com/promptwire/promptwire/internal/infrastructure/capture"
	"github.com/promptwire/promptwire/internal/infrastructure/config"
	"github.com/promptwire/promptwire/internal/infrastructure/failover"
	"github.com/promptwire/promptwire/internal/infrastructure/monitoring"
	"github.com/promptwire/promptwire/internal/infrastructure/persistence"
	"github.com/promptwire/promptwire/internal/infrastructure/ratelimit"
	httpServer "github.com/promptwire/promptwire/internal/interfaces/http"
	"github.com/promptwire/promptwire/internal/interfaces/websocket"
	"github.com/promptwire/promptwire/pkg/safego"
)

// App is the dependency-injection container.
type App struct {
	config *config.Config
	logger *zap.Logger

	db       *gorm.DB
	registry *backend.Registry
	repo     repository.SessionRepository
	recorder *capture.Recorder
	redactor *service.Redactor
	metrics  *monitoring.Metrics
	state    *proxyState

	processChat *usecase.ProcessChat
	httpServer  *httpServer.Server
	wiretap     *websocket.Hub
	watcher     *config.Watcher

	wiretapCancel context.CancelFunc
}

// NewApp builds the container.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("bootstrap failed", zap.Error(err))
	}

	app := &App{
		config:  cfg,
		logger:  logger,
		metrics: monitoring.NewMetrics(),
	}

	if err := app.initBackends(); err != nil {
		return nil, fmt.Errorf("init backends: %w", err)
	}
	if err := app.initRepository(); err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}
	app.initCapture()
	if err := app.initPipeline(); err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	app.initInterfaces()
	app.initWatcher()

	return app, nil
}

// initBackends creates one adapter per configured backend and discovers
// its API keys from the environment.
func (app *App) initBackends() error {
	app.registry = backend.NewRegistry()
	names := make([]string, 0, len(app.config.Backends))
	for _, bc := range app.config.Backends {
		names = append(names, bc.Name)
	}
	keys := config.DiscoverKeys(names)

	for _, bc := range app.config.Backends {
		headers := app.config.Identity.Merge(bc.Identity).Headers()
		for k, v := range bc.ExtraHeaders {
			headers[k] = v
		}
		adapter, err := backend.Create(backend.Config{
			Name:         bc.Name,
			Type:         bc.Type,
			BaseURL:      bc.BaseURL,
			Timeout:      bc.Timeout,
			ExtraHeaders: headers,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		app.registry.Register(adapter, keys[bc.Name])
	}

	functional := app.registry.Functional()
	app.logger.Info("backends registered",
		zap.Int("total", len(app.config.Backends)),
		zap.Strings("functional", functional))
	if len(functional) == 0 {
		app.logger.Warn("no backend has API keys; only proxy commands will work")
	}
	return nil
}

func (app *App) initRepository() error {
	switch app.config.Database.Type {
	case "memory":
		app.repo = persistence.NewMemorySessionRepository(app.config.Proxy.SessionTTL, app.logger)
	default:
		db, err := persistence.NewDBConnection(app.config.Database)
		if err != nil {
			return err
		}
		app.db = db
		app.repo = persistence.NewGormSessionRepository(db, app.logger)
	}
	return nil
}

func (app *App) initCapture() {
	app.recorder = capture.NewRecorder(capture.Config{
		File:           app.config.Capture.File,
		MaxBytes:       app.config.Capture.MaxBytes,
		MaxFiles:       app.config.Capture.MaxFiles,
		RotateInterval: time.Duration(app.config.Capture.RotateIntervalSeconds) * time.Second,
		TotalMaxBytes:  app.config.Capture.TotalMaxBytes,
		TruncateBytes:  app.config.Capture.TruncateBytes,
	}, app.logger)
}

// initPipeline wires the chat orchestrator: redaction, commands, the
// response chain and failover.
func (app *App) initPipeline() error {
	cfg := app.config

	app.redactor = service.NewRedactor(app.registry.AllSecrets(), cfg.Proxy.CommandPrefix)
	app.redactor.SetEnabled(cfg.Proxy.Redaction)

	app.state = newProxyState(cfg, app.registry, app.redactor, app.logger)

	cmdRegistry := service.NewCommandRegistry()
	service.RegisterBuiltins(cmdRegistry, !cfg.Proxy.DisableInteractiveCommands)
	processor := service.NewCommandProcessor(cmdRegistry, app.state, service.CommandProcessorConfig{
		Disabled: cfg.Proxy.DisableCommands,
	}, app.logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Store == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.NewRedisLimiter(client, "", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	breakers := failover.NewBreakerSet(failover.BreakerConfig{
		Enabled:          cfg.Breaker.Enabled,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})
	coordinator := failover.NewCoordinator(limiter, breakers, app.logger)

	precisionCfg := service.DefaultEditPrecisionConfig()
	precisionCfg.Enabled = cfg.Proxy.EditPrecision.Enabled
	if cfg.Proxy.EditPrecision.TargetTemperature > 0 {
		precisionCfg.TargetTemperature = cfg.Proxy.EditPrecision.TargetTemperature
	}
	if cfg.Proxy.EditPrecision.MinTopP > 0 {
		precisionCfg.MinTopP = cfg.Proxy.EditPrecision.MinTopP
	}
	precisionCfg.ApplyTopP = cfg.Proxy.EditPrecision.ApplyTopP
	precision := service.NewEditPrecisionTracker(precisionCfg, app.logger)

	emptyCfg := service.DefaultEmptyResponseConfig()
	emptyCfg.Enabled = cfg.Proxy.EmptyRetry

	loopCfg := service.DefaultLoopDetectionConfig()
	loopCfg.Enabled = cfg.Proxy.LoopDetection.Enabled
	if cfg.Proxy.LoopDetection.MinPatternLength > 0 {
		loopCfg.MinPatternLength = cfg.Proxy.LoopDetection.MinPatternLength
	}
	if cfg.Proxy.LoopDetection.MaxPatternLength > 0 {
		loopCfg.MaxPatternLength = cfg.Proxy.LoopDetection.MaxPatternLength
	}
	if cfg.Proxy.LoopDetection.Threshold > 0 {
		loopCfg.Threshold = cfg.Proxy.LoopDetection.Threshold
	}

	chain := service.NewResponseChain(app.logger,
		service.NewLoopDetectionMiddleware(loopCfg, service.NewToolLoopTracker(), app.logger),
		service.NewEditPrecisionMiddleware(precisionCfg, precision),
		service.NewJSONRepairMiddleware(service.JSONRepairConfig{Enabled: cfg.Proxy.JSONRepair}, app.logger),
		service.NewRedactionMiddleware(app.redactor),
		service.NewEmptyResponseMiddleware(emptyCfg),
	)

	app.processChat = usecase.NewProcessChat(
		app.state,
		app.repo,
		service.NewSessionResolver(cfg.Proxy.SessionPrefix),
		processor,
		app.registry,
		coordinator,
		chain,
		app.redactor,
		precision,
		app.recorder,
		app.metrics,
		usecase.Config{
			ThinkingBudget: cfg.Proxy.ThinkingBudget,
			EmptyRetry:     cfg.Proxy.EmptyRetry,
		},
		app.logger,
	)
	return nil
}

func (app *App) initInterfaces() {
	if app.config.Wiretap.Enabled {
		app.wiretap = websocket.NewHub(app.logger)
		app.wiretap.Attach(app.recorder)
	}

	app.httpServer = httpServer.NewServer(httpServer.Config{
		Host:           app.config.Server.Host,
		Port:           app.config.Server.Port,
		Mode:           app.config.Server.Mode,
		AuthKeys:       app.config.Server.AuthKeys,
		DisableAuth:    app.config.Server.DisableAuth,
		WiretapEnabled: app.config.Wiretap.Enabled,
	}, app.processChat, app.registry, app.wiretap, app.logger)
}

// initWatcher hot-reloads API keys and redaction secrets when a config
// file changes. Listener and store changes still need a restart.
func (app *App) initWatcher() {
	watcher, err := config.NewWatcher(app.logger, func(next *config.Config) {
		names := make([]string, 0, len(next.Backends))
		for _, bc := range next.Backends {
			names = append(names, bc.Name)
		}
		keys := config.DiscoverKeys(names)
		for _, name := range names {
			app.registry.SetKeys(name, keys[name])
		}
		app.redactor.SetSecrets(app.registry.AllSecrets())
		app.logger.Info("backend keys reloaded",
			zap.Strings("functional", app.registry.Functional()))
	})
	if err != nil {
		app.logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}
	app.watcher = watcher
}

// Start brings up the wiretap hub, the config watcher and the HTTP
// listener.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("starting", zap.String("version", Version))

	if app.wiretap != nil {
		hubCtx, cancel := context.WithCancel(context.Background())
		app.wiretapCancel = cancel
		safego.Go(app.logger, "wiretap_hub", func() {
			app.wiretap.Run(hubCtx)
		})
	}

	if app.watcher != nil {
		if err := app.watcher.Start(); err != nil {
			app.logger.Warn("config watcher start failed", zap.Error(err))
		}
	}

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	app.logger.Info("started",
		zap.String("addr", fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port)),
		zap.Strings("backends", app.registry.Functional()))
	return nil
}

// Stop shuts down in reverse order and flushes the capture log.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("stopping")

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("HTTP server stop failed", zap.Error(err))
	}
	if app.watcher != nil {
		app.watcher.Stop()
	}
	if app.wiretapCancel != nil {
		app.wiretapCancel()
	}
	if closer, ok := app.repo.(interface{ Close() }); ok {
		closer.Close()
	}
	if err := app.recorder.Close(); err != nil {
		app.logger.Warn("capture close failed", zap.Error(err))
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("database close failed", zap.Error(err))
			}
		}
	}

	app.logger.Info("stopped")
	return nil
}

// ProcessChat exposes the orchestrator for diagnostic commands.
func (app *App) ProcessChat() *usecase.ProcessChat { return app.processChat }

// Registry exposes the backend registry for diagnostic commands.
func (app *App) Registry() *backend.Registry { return app.registry }

// AppConfig returns the loaded configuration.
func (app *App) AppConfig() *config.Config { return app.config }
