// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/edgefw/netreject/internal/divert"
	"github.com/edgefw/netreject/internal/log"
)

// Config is the full runtime configuration. Every field can come from
// the YAML file, an environment variable with the NETREJECT_ prefix
// (e.g. NETREJECT_FILTER), or a command-line flag, in ascending
// precedence.
type Config struct {
	// Filter selects the traffic to block. Startup fails when it does
	// not parse.
	Filter string `mapstructure:"filter"`

	// Priority orders this handle against other diversion consumers;
	// higher values see traffic first.
	Priority int16 `mapstructure:"priority"`

	Handle  HandleConfig      `mapstructure:"handle"`
	Log     *log.LoggerConfig `mapstructure:"log"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
}

// HandleConfig selects the diversion backend and its backend-specific
// options, decoded by the handle factory.
type HandleConfig struct {
	Type    string                 `mapstructure:"type"`
	Options map[string]interface{} `mapstructure:"options"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// Load reads the configuration from path, or from defaults and the
// environment alone when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NETREJECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts that would otherwise only fail deep inside
// startup: the filter expression and the handle type.
func (c *Config) Validate() error {
	if err := divert.ValidateFilter(c.Filter); err != nil {
		return err
	}
	switch c.Handle.Type {
	case "memory", "replay":
	default:
		return fmt.Errorf("unknown handle type %q", c.Handle.Type)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics enabled but no listen address")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("filter", "true")
	v.SetDefault("priority", 0)

	v.SetDefault("handle.type", "memory")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pattern", "%time [%level] %msg%n")
	v.SetDefault("log.time", "2006-01-02 15:04:05")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")
}
