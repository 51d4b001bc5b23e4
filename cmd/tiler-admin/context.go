package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/target/iview-tiler/config"
	"github.com/target/iview-tiler/internal/bootstrap"
)

// commandContext lazily loads configuration and opens the job store for subcommands.
type commandContext struct {
	jsonOutput bool

	cfg      *config.AppConfig
	logger   *slog.Logger
	store    *bootstrap.Store
	redis    redis.UniversalClient
	services *bootstrap.ServiceContainer
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) ensureConfig(logOut io.Writer) (*config.AppConfig, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return nil, err
	}
	c.cfg = &cfg
	c.logger = bootstrap.NewLogger(logOut, &cfg)
	return c.cfg, nil
}

func (c *commandContext) databaseConfig() bootstrap.DatabaseConfig {
	return bootstrap.DatabaseConfig{
		StoreConfig: c.cfg.Store,
		DBConfig:    c.cfg.Postgres,
		RedisConfig: c.cfg.Redis,
		Logger:      c.logger,
	}
}

// ensureServices opens the store, Redis when enabled, and the tiling services on first use.
func (c *commandContext) ensureServices(ctx context.Context) (*bootstrap.ServiceContainer, error) {
	if c.services != nil {
		return c.services, nil
	}
	if c.cfg == nil {
		return nil, errors.New("configuration not loaded")
	}

	store, err := bootstrap.OpenStore(ctx, c.databaseConfig())
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	c.store = store

	if c.cfg.Redis.Enabled {
		client, redisErr := bootstrap.ConnectRedis(c.databaseConfig())
		if redisErr != nil {
			return nil, fmt.Errorf("connect redis: %w", redisErr)
		}
		c.redis = client
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      c.cfg,
		Store:       store,
		RedisClient: c.redis,
		Logger:      c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.services = &services
	return c.services, nil
}

// close releases everything opened by ensureServices.
func (c *commandContext) close() error {
	var errs []error
	if c.services != nil {
		c.services.Queue.Shutdown()
		if sink := c.services.Observability.MetricsSink; sink != nil {
			errs = append(errs, sink.Close())
		}
		c.services = nil
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
		c.redis = nil
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
		c.store = nil
	}
	return errors.Join(errs...)
}

// withServices runs fn against the opened services and always releases them afterwards.
func (c *commandContext) withServices(
	cmd *cobra.Command,
	fn func(ctx context.Context, services *bootstrap.ServiceContainer) error,
) (err error) {
	ctx := cmd.Context()
	defer func() {
		err = errors.Join(err, c.close())
	}()

	services, err := c.ensureServices(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, services)
}
