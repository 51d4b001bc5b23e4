package config

import (
	"strings"
	"time"
)

// StoreDriver selects the job store backend.
type StoreDriver string

const (
	// StoreDriverPostgres stores jobs in PostgreSQL and enables cross-process wake-ups.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverSQLite stores jobs in an embedded SQLite file for single-node deployments.
	StoreDriverSQLite StoreDriver = "sqlite"
)

// StoreConfig selects and locates the job store.
type StoreConfig struct {
	Driver     StoreDriver `env:"STORE_DRIVER" envDefault:"postgres"`
	SQLitePath string      `env:"SQLITE_PATH"  envDefault:"data/tile_jobs.db"`
}

// Sanitize normalises the driver name; unknown drivers fall back to postgres.
func (s *StoreConfig) Sanitize() {
	s.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(string(s.Driver))))
	if s.Driver != StoreDriverSQLite {
		s.Driver = StoreDriverPostgres
	}
	s.SQLitePath = strings.TrimSpace(s.SQLitePath)
}

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"iview"`
	Password string `env:"PASSWORD"                envDefault:"iview"`
	Name     string `env:"NAME"                    envDefault:"iview"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	// Enabled turns on the tiling status cache. Without Redis every status query hits the store.
	Enabled            bool     `env:"ENABLED"              envDefault:"false"`
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	KeyPrefix          string   `env:"KEY_PREFIX"           envDefault:"iview:tiling:"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// CacheConfig contains cache configuration (Redis-based).
type CacheConfig struct {
	// StatusTTL bounds how long a cached "fully tiled" answer is served.
	StatusTTL time.Duration `env:"CACHE_STATUS_TTL" envDefault:"30s"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.StatusTTL < time.Second {
		c.StatusTTL = time.Second
	}
}
