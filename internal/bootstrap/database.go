package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/target/iview-tiler/config"
	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/data"
	"github.com/target/iview-tiler/internal/domain/job"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	StoreConfig config.StoreConfig
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// Store is an opened tile job store.
type Store struct {
	DB     *sql.DB
	Driver config.StoreDriver
	Repo   core.TileJobRepository
	// Waiter relays cross-process notifications. It is nil for SQLite, which is single-process.
	Waiter job.Waiter
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStore opens the configured tile job store. PostgreSQL migrations run when enabled.
func OpenStore(ctx context.Context, cfg DatabaseConfig) (*Store, error) {
	repoCfg := data.RepoConfig{Logger: cfg.Logger}

	if cfg.StoreConfig.Driver == config.StoreDriverSQLite {
		db, err := data.OpenSQLite(ctx, cfg.StoreConfig.SQLitePath)
		if err != nil {
			return nil, err
		}
		if cfg.Logger != nil {
			cfg.Logger.InfoContext(ctx, "sqlite job store opened", "path", cfg.StoreConfig.SQLitePath)
		}
		return &Store{
			DB:     db,
			Driver: config.StoreDriverSQLite,
			Repo:   data.NewSQLiteTileJobRepo(db, repoCfg),
		}, nil
	}

	db, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DBConfig.RunMigrationsOnStart {
		if err := RunMigrations(ctx, db, cfg.Logger); err != nil {
			if cerr := db.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close database: %w", cerr))
			}
			return nil, err
		}
	} else if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}

	repo := data.NewTileJobRepo(db, repoCfg)
	return &Store{
		DB:     db,
		Driver: config.StoreDriverPostgres,
		Repo:   repo,
		Waiter: repo,
	}, nil
}

// ConnectDB establishes a connection to the PostgreSQL database.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	// Build DSN using url.URL to safely handle special characters in credentials
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBConfig.User, cfg.DBConfig.Password),
		Host:   net.JoinHostPort(cfg.DBConfig.Host, strconv.Itoa(cfg.DBConfig.Port)),
		Path:   "/" + cfg.DBConfig.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.DBConfig.SSLMode)
	u.RawQuery = q.Encode()
	dsn := u.String()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name,
		)
	}

	return db, nil
}

// RunMigrations runs database migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	applied, err := data.RunMigrations(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed", "applied", len(applied))
	}

	return nil
}
