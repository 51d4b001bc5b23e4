package config

import (
	"strings"
	"time"
)

// ObservabilityConfig groups configuration that controls metrics emission.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
}

// ObservabilityMetricsConfig controls StatsD emission for the tiling pipeline.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"OBSERVABILITY_METRICS_PREFIX"         envDefault:"iview"`
	// Tags are attached to every metric, written as "key:value,key:value".
	Tags map[string]string `env:"OBSERVABILITY_METRICS_TAGS"`
	// FlushInterval bounds how long a partially filled packet is held back.
	FlushInterval time.Duration `env:"OBSERVABILITY_METRICS_FLUSH_INTERVAL" envDefault:"1s"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), ".")
	if c.FlushInterval < 100*time.Millisecond || c.FlushInterval > time.Minute {
		c.FlushInterval = time.Second
	}
}

// IsEnabled reports whether metrics should be sent after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}
