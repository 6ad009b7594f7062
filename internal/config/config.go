// Package config loads runtime configuration from defaults, an optional
// config file and environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported session store backends.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds settings for session consumers such as sessionctl.
type Config struct {
	APIBaseURL  string        `mapstructure:"api_base_url"`
	Store       string        `mapstructure:"session_store"`
	SessionFile string        `mapstructure:"session_file"`
	Namespace   string        `mapstructure:"session_namespace"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
	// MetricsFile, when set, receives the session counters in Prometheus
	// text format after each command, for a textfile collector to pick up.
	MetricsFile string `mapstructure:"metrics_file"`
}

// Load reads configuration. cfgFile may be empty, in which case
// .sessionctl.yaml is searched for in the working directory and
// $HOME/.config/sessionctl; a missing file is not an error.
func Load(cfgFile string) (Config, error) {
	v := newViper()
	v.SetDefault("api_base_url", "http://127.0.0.1:8000/api")
	v.SetDefault("session_store", StoreFile)
	v.SetDefault("session_file", "")
	v.SetDefault("session_namespace", "default")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("metrics_file", "")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".sessionctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/sessionctl")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.Namespace = strings.TrimSpace(c.Namespace)
	c.MetricsFile = strings.TrimSpace(c.MetricsFile)
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Store == StoreFile && strings.TrimSpace(c.SessionFile) == "" {
		c.SessionFile = defaultSessionFile(c.Namespace)
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	switch c.Store {
	case StoreFile, StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres session store")
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("REDIS_URL is required for the redis session store")
		}
	default:
		return fmt.Errorf("unknown SESSION_STORE %q", c.Store)
	}
	return nil
}

func defaultSessionFile(namespace string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "sessionctl", fmt.Sprintf("session-%s.json", namespace))
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
