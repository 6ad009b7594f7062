package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StubConfig configures the development auth stub server.
type StubConfig struct {
	Port       string `mapstructure:"port"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	JWTIssuer  string `mapstructure:"jwt_issuer"`
	TTLMinutes int    `mapstructure:"jwt_ttl_minutes"`
	Seed       bool   `mapstructure:"stub_seed"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	// CORSOrigins is a comma separated list; "*" allows any origin.
	CORSOrigins string `mapstructure:"cors_allowed_origins"`
}

// LoadStub reads stub settings from the environment.
func LoadStub() (StubConfig, error) {
	v := newViper()
	v.SetDefault("port", "8000")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "edu-session-stub")
	v.SetDefault("jwt_ttl_minutes", 60)
	v.SetDefault("stub_seed", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("cors_allowed_origins", "*")

	var cfg StubConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return StubConfig{}, fmt.Errorf("unmarshal stub config: %w", err)
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		return StubConfig{}, errors.New("JWT_SECRET is required")
	}
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = 60
	}
	return cfg, nil
}

// JWTTTL is the access token lifetime.
func (c StubConfig) JWTTTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c StubConfig) HTTPAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// AllowedOrigins splits CORSOrigins, dropping blanks.
func (c StubConfig) AllowedOrigins() []string {
	var out []string
	for _, part := range strings.Split(c.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
