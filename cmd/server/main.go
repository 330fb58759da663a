package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/capability-router/internal/config"
	"github.com/mir00r/capability-router/internal/deploy"
	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/internal/handler"
	"github.com/mir00r/capability-router/internal/middleware"
	"github.com/mir00r/capability-router/internal/repository"
	"github.com/mir00r/capability-router/internal/server"
	"github.com/mir00r/capability-router/internal/service"
	"github.com/mir00r/capability-router/internal/transport"
	"github.com/mir00r/capability-router/pkg/logger"
)

const version = "1.0.0"

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	configFile := config.ConfigFile()
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Server.Port = getPort(cfg.Server.Port)

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, configFile, log); err != nil {
		log.WithError(err).Fatal("Capability router failed")
	}
}

func run(cfg *config.Config, configFile string, log *logger.Logger) error {
	log.WithFields(map[string]interface{}{
		"version":  version,
		"config":   configFile,
		"strategy": cfg.LoadBalancer.Strategy,
		"store":    cfg.Persistence.Driver,
		"provider": cfg.Deployment.Provider,
		"groups":   len(cfg.Groups),
		"process":  getProcessInfo(),
	}).Info("Starting capability router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := repository.New(ctx, cfg.Persistence, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Failed to close store")
		}
	}()

	router := transport.NewRouter(cfg.Transport, log)
	defer router.Close()

	provider, stopProvider, providerStats := newProvider(cfg.Deployment, log)

	bus := service.NewEventBus()
	defer bus.Close()

	registry, err := service.NewRegistry(cfg.RegistryConfig(), store, router, bus, log)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	events, unsubscribe := bus.Subscribe(128)
	go watchEvents(events, router, log)

	orchestrator := service.NewOrchestrator(cfg.OrchestratorConfig(), registry, router, provider, log)
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	reload := service.NewConfigReloadService(orchestrator, config.StateSource(configFile), cfg.Reload.Interval, log)
	if _, err := reload.Apply(ctx, cfg.DesiredState()); err != nil {
		log.WithError(err).Error("Some configured groups failed to deploy")
	}
	if cfg.Reload.Interval > 0 {
		if err := reload.StartWatcher(ctx); err != nil {
			log.WithError(err).Error("Failed to start configuration watcher")
		}
	}

	httpHandler, health, err := newAdminServer(cfg, registry, orchestrator, reload, router, providerStats, log)
	if err != nil {
		return err
	}
	adminServer, err := server.NewAdminServer(cfg.Server.Listener(), httpHandler, log)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := adminServer.Start(); err != nil {
			serverErr <- err
		}
	}()
	health.SetReady(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("admin HTTP server failed: %w", err)
	}

	health.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	_ = adminServer.Shutdown(shutdownCtx)
	reload.StopWatcher()
	if err := orchestrator.Stop(); err != nil {
		log.WithError(err).Error("Error stopping orchestrator")
	}
	if err := registry.Stop(); err != nil {
		log.WithError(err).Error("Error stopping registry")
	}
	unsubscribe()
	if stopProvider != nil {
		if err := stopProvider(shutdownCtx); err != nil {
			log.WithError(err).Error("Error stopping deployed instances")
		}
	}

	log.Info("Capability router stopped gracefully")
	return runErr
}

// newProvider builds the configured deployment provider. A nil provider
// disables scaling and rollouts.
func newProvider(cfg config.DeploymentConfig, log *logger.Logger) (domain.DeploymentProvider, func(context.Context) error, handler.StatsSource) {
	switch cfg.Provider {
	case config.ProviderStatic:
		p := deploy.NewStaticProvider(cfg.Static, log)
		return p, nil, p.GetStats
	case config.ProviderProcess:
		p := deploy.NewProcessProvider(cfg.Process, log)
		return p, p.Close, p.GetStats
	default:
		log.Info("No deployment provider configured; groups are managed by registration only")
		return nil, nil, nil
	}
}

func newAdminServer(
	cfg *config.Config,
	registry *service.Registry,
	orchestrator *service.Orchestrator,
	reload *service.ConfigReloadService,
	router *transport.Router,
	providerStats handler.StatsSource,
	log *logger.Logger,
) (http.Handler, *handler.HealthHandler, error) {
	auth, err := middleware.NewJWTAuthMiddleware(cfg.Admin.Auth, log, handler.PublicPaths...)
	if err != nil {
		return nil, nil, fmt.Errorf("configure admin auth: %w", err)
	}

	middlewares := []mux.MiddlewareFunc{
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	}
	admin := handler.NewAdminHandler(registry, orchestrator, reload, log)
	admin.AddStatsSource("transport", router.GetStats)
	admin.AddStatsSource("auth", auth.GetStats)
	if providerStats != nil {
		admin.AddStatsSource("deployment", providerStats)
	}
	if cfg.Admin.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.Admin.RateLimit, log)
		middlewares = append(middlewares, limiter.RateLimitMiddleware())
		admin.AddStatsSource("rate_limit", limiter.GetStats)
		log.Info("Admin rate limiting enabled")
	}
	middlewares = append(middlewares, auth.JWTAuth())

	health := handler.NewHealthHandler(registry, version)
	metrics := handler.NewPrometheusHandler(registry, orchestrator.Metrics())
	return handler.NewRouter(admin, health, metrics, middlewares...), health, nil
}

// watchEvents logs rollout progress and drops cached connections of
// removed instances
func watchEvents(events <-chan domain.Event, router *transport.Router, log *logger.Logger) {
	eventLog := log.WithField("component", "events")
	for evt := range events {
		switch evt.Type {
		case domain.EventInstanceUnregistered:
			if evt.Address != nil {
				router.Forget(*evt.Address)
			}
		case domain.EventRolloutStarted, domain.EventRolloutCompleted:
			eventLog.WithFields(map[string]interface{}{
				"type":     evt.Type,
				"group":    evt.Group,
				"revision": evt.Revision,
			}).Info(evt.Message)
		case domain.EventRolloutFailed:
			eventLog.WithFields(map[string]interface{}{
				"group":    evt.Group,
				"revision": evt.Revision,
				"at":       evt.Timestamp.Format(time.RFC3339),
			}).Warn(evt.Message)
		}
	}
}
