package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/target/iview-tiler/config"
	"github.com/target/iview-tiler/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	logger := bootstrap.InitLogger(&cfg)

	// Log startup info
	logStartupInfo(ctx, logger, &cfg)

	// Validate configuration
	if err = bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	// Initialize infrastructure
	store, redisClient, err := initInfrastructure(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close job store failed", "error", cerr)
		}
	}()
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}

	// Initialize and run services
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cfg,
		Store:       store,
		RedisClient: redisClient,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if sink := services.Observability.MetricsSink; sink != nil {
		defer func() {
			if cerr := sink.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close statsd client failed", "error", cerr)
			}
		}()
	}

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:   &cfg,
		Services: services,
		Store:    store,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	enabledServices := bootstrap.GetEnabledServices(cfg)
	attrs := []any{
		"store_driver", cfg.Store.Driver,
		"enabled_services", enabledServices,
		"workers", cfg.Tiling.Workers,
		"stale_after", cfg.Tiling.StaleAfter,
	}
	if cfg.Store.Driver == config.StoreDriverPostgres {
		attrs = append(attrs, "db_host", cfg.Postgres.Host, "db_port", cfg.Postgres.Port, "db_name", cfg.Postgres.Name)
	} else {
		attrs = append(attrs, "sqlite_path", cfg.Store.SQLitePath)
	}
	logger.InfoContext(ctx, "starting tiler service", attrs...)
}

// initInfrastructure opens the job store and, when enabled, Redis.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func initInfrastructure(
	ctx context.Context,
	cfg *config.AppConfig,
	logger *slog.Logger,
) (*bootstrap.Store, redis.UniversalClient, error) {
	dbCfg := bootstrap.DatabaseConfig{
		StoreConfig: cfg.Store,
		DBConfig:    cfg.Postgres,
		RedisConfig: cfg.Redis,
		Logger:      logger,
	}
	store, err := bootstrap.OpenStore(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}

	if !cfg.Redis.Enabled {
		logger.InfoContext(ctx, "redis disabled; tiling status answers are not cached")
		return store, nil, nil
	}

	redisClient, err := bootstrap.ConnectRedis(dbCfg)
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close job store after redis connect failure", "error", cerr)
			return nil, nil, fmt.Errorf("connect redis: %w", errors.Join(err, fmt.Errorf("close job store: %w", cerr)))
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	return store, redisClient, nil
}
