package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/iview-tiler/config"
	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/data"
	"github.com/target/iview-tiler/internal/observability/statsd"
	"github.com/target/iview-tiler/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Repo          core.TileJobRepository
	Cache         core.CacheRepository // nil when Redis is disabled
	Queue         *service.TilingQueue
	Status        *service.TilingStatusService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// Sink returns the metrics sink, or nil when metrics are disabled.
//
//nolint:ireturn // a nil interface keeps callers from emitting into a disabled client.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	Store       *Store
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures metrics adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:       true,
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			Logger:        obsLogger,
			GlobalTags:    cfg.Metrics.Tags,
			FlushInterval: cfg.Metrics.FlushInterval,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildStatusCache returns the Redis status cache, or nil when Redis is not configured.
//
//nolint:ireturn // nil interface signals "no cache" to the status service.
func buildStatusCache(client redis.UniversalClient, cfg *config.AppConfig) core.CacheRepository {
	if client == nil {
		return nil
	}
	prefix := ""
	if cfg != nil {
		prefix = cfg.Redis.KeyPrefix
	}
	return data.NewRedisTilingStatusCache(client, prefix)
}

// NewServices wires the tiling services on top of an opened store.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Store == nil || deps.Store.Repo == nil {
		return ServiceContainer{}, errors.New("tile job store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	observability := buildObservability(logger, appCfg.Observability)

	cache := buildStatusCache(deps.RedisClient, appCfg)
	status, err := service.NewTilingStatusService(service.TilingStatusServiceOptions{
		Repo:   deps.Store.Repo,
		Cache:  cache,
		TTL:    appCfg.Cache.StatusTTL,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create tiling status service: %w", err)
	}

	queue, err := service.NewTilingQueue(service.TilingQueueOptions{
		Repo:         deps.Store.Repo,
		PrefetchSize: appCfg.Tiling.PrefetchSize,
		Status:       status,
		Logger:       logger,
		Metrics:      observability.Sink(),
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create tiling queue: %w", err)
	}

	return ServiceContainer{
		Repo:          deps.Store.Repo,
		Cache:         cache,
		Queue:         queue,
		Status:        status,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Store    *Store
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newTilerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeTiler,
		name: "tiler",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Store == nil {
				return errors.New("tiler requires a job store")
			}
			var tilingCfg config.TilingConfig
			if deps.cfg.Config != nil {
				tilingCfg = deps.cfg.Config.Tiling
			}
			return RunTiler(ctx, TilerConfig{
				Repo:    deps.cfg.Store.Repo,
				Waiter:  deps.cfg.Store.Waiter,
				Queue:   deps.cfg.Services.Queue,
				Status:  deps.cfg.Services.Status,
				Config:  tilingCfg,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Observability.Sink(),
			})
		},
	}
}

func newIntakeBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeIntake,
		name: "intake",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Queue == nil {
				return errors.New("intake requires a tiling queue")
			}
			var amqpCfg config.AMQPConfig
			if deps.cfg.Config != nil {
				amqpCfg = deps.cfg.Config.AMQP
			}
			return RunIntake(ctx, IntakeConfig{
				Enqueuer: deps.cfg.Services.Queue,
				Config:   amqpCfg,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.Sink(),
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	services := make([]backgroundService, 0, 2)
	if deps.cfg.Config == nil || deps.cfg.Config.IsTilerEnabled() {
		services = append(services, newTilerBackgroundService(deps))
	} else {
		deps.logger.InfoContext(deps.ctx, "tiling disabled; tiler mode only serves the job store")
	}
	services = append(services, newIntakeBackgroundService(deps))
	return services
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	return waitForShutdown(shutdownConfig{
		quit:        quit,
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: backgrounds,
		waitTimeout: shutdownWaitTimeout + cfg.Config.Tiling.ShutdownTimeout,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	quit        <-chan os.Signal
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
	waitTimeout time.Duration
}

// waitForShutdown waits for a shutdown signal or a service error, then stops everything.
func waitForShutdown(cfg shutdownConfig) error {
	select {
	case <-cfg.quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.waitTimeout, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, timeout time.Duration, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(timeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
