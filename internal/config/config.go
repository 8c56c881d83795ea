// Package config loads the mirror configuration from a YAML file and
// CLOUDMIRROR_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. CLOUDMIRROR_SERVER_URL.
const EnvPrefix = "CLOUDMIRROR"

// Config holds all mirror configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Decode  DecodeConfig  `mapstructure:"decode"`
	Retry   retry.Config  `mapstructure:"retry"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig points at the API server.
type ServerConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// MasterKey is the account master key, base64 encoded.
	MasterKey string `mapstructure:"master_key" validate:"omitempty,base64"`
}

// CacheConfig controls the local graph cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir" validate:"required_if=Enabled true"`
}

// DecodeConfig sizes the attribute decode pipeline.
type DecodeConfig struct {
	Threshold int `mapstructure:"threshold" validate:"gte=1"`
	Workers   int `mapstructure:"workers" validate:"gte=1,lte=64"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=1"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
	Output string `mapstructure:"output"`
}

// MetricsConfig controls the prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// Logger converts to the logging package's config.
func (c LoggingConfig) Logger() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format, OutputPath: c.Output}
}

// Master decodes the configured master key.
func (c ServerConfig) Master() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(c.MasterKey)
}

var validate = validator.New()

// Load reads configuration with precedence env > file > defaults. An empty
// path searches the default location and tolerates a missing file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, path string) {
	for _, d := range defaults {
		v.SetDefault(d.key, d.value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(Dir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	if cfg.Decode.QueueSize < cfg.Decode.Workers {
		return fmt.Errorf("decode.queue_size (%d) must be at least decode.workers (%d)", cfg.Decode.QueueSize, cfg.Decode.Workers)
	}
	if key, err := cfg.Server.Master(); err == nil && key != nil && len(key) != 32 {
		return fmt.Errorf("server.master_key must decode to 32 bytes, got %d", len(key))
	}
	return nil
}

// Dir returns $XDG_CONFIG_HOME/cloudmirror, falling back to ~/.config.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cloudmirror")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cloudmirror")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}
