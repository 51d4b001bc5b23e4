package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/target/iview-tiler/config"
)

// InitLogger initializes the structured logger.
// Development mode gets colored console output; everything else logs JSON.
func InitLogger(cfg *config.AppConfig) *slog.Logger {
	logger := NewLogger(os.Stdout, cfg)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a logger writing to w without installing it as the default.
func NewLogger(w io.Writer, cfg *config.AppConfig) *slog.Logger {
	level := slog.LevelInfo
	dev := false
	if cfg != nil {
		level = cfg.Level()
		dev = cfg.IsDev
	}

	if dev {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig validates that at least one service is enabled.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}

	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	if services[config.ServiceModeIntake] && cfg.AMQP.URL == "" {
		return errors.New("intake service requires AMQP_URL")
	}
	if services[config.ServiceModeIntake] && cfg.AMQP.Queue == "" {
		return errors.New("intake service requires AMQP_QUEUE")
	}

	return nil
}

// GetEnabledServices returns a sorted list of enabled service names.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		// Return empty list on error - validation will catch this
		return []string{}
	}

	enabledServices := make([]string, 0, len(services))
	for svc := range services {
		switch svc {
		case config.ServiceModeTiler:
			if cfg.Tiling.Enabled {
				enabledServices = append(enabledServices, "tiler")
			}
		case config.ServiceModeIntake:
			enabledServices = append(enabledServices, "intake")
		}
	}
	sort.Strings(enabledServices)

	return enabledServices
}
