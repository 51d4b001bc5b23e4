package config

import (
	"log/slog"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: job store, PostgreSQL, Redis and cache configuration
//   - services.go: service modes, tiling and AMQP intake configuration
//   - observability.go: metrics configuration
type AppConfig struct {
	// IsDev switches to human-readable console logs.
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Job store configuration
	Store    StoreConfig
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"tiler"`

	// Tiling pipeline configuration
	Tiling TilingConfig

	// AMQP intake configuration
	AMQP AMQPConfig `envPrefix:"AMQP_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Store.Sanitize()
	c.Cache.Sanitize()
	c.Tiling.Sanitize()
	c.AMQP.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// Level parses LogLevel, falling back to info.
func (c *AppConfig) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsTilerEnabled returns true if the tiling master should run in this process.
func (c *AppConfig) IsTilerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeTiler] && c.Tiling.Enabled
}

// IsIntakeEnabled returns true if the AMQP intake consumer should run in this process.
func (c *AppConfig) IsIntakeEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeIntake]
}
