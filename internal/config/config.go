package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the config file name used when no path is given.
const defaultConfigFile = "dashboard.yaml"

// Config holds the full dashboard configuration.
type Config struct {
	Listen      string           `yaml:"listen"`
	DatabaseDSN string           `yaml:"database-dsn"`
	JWT         JWTConfig        `yaml:"jwt"`
	Management  ManagementConfig `yaml:"management"`
	Collector   CollectorConfig  `yaml:"collector"`
	Log         LogConfig        `yaml:"log"`
}

// JWTConfig holds admin session token settings.
type JWTConfig struct {
	Secret      string `yaml:"secret"`
	ExpiryHours int    `yaml:"expiry-hours"`
}

// Expiry returns the configured token lifetime.
func (c JWTConfig) Expiry() time.Duration {
	hours := c.ExpiryHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// ManagementConfig holds the upstream proxy management endpoint settings.
type ManagementConfig struct {
	BaseURL string `yaml:"base-url"`
	Secret  string `yaml:"secret"`
}

// CollectorConfig holds usage collector settings.
type CollectorConfig struct {
	// Secret authenticates scheduled collection triggers (cron).
	Secret string `yaml:"secret"`
	// AllowedOrigins lists origins accepted on interactive admin triggers.
	AllowedOrigins []string `yaml:"allowed-origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// ResolveConfigPath returns the effective config file path.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		return filepath.Clean(trimmed)
	}
	wd, errWd := os.Getwd()
	if errWd != nil {
		return defaultConfigFile
	}
	return filepath.Join(wd, defaultConfigFile)
}

// Load reads configuration from a YAML file, .env, and environment overrides.
// A missing config file is not an error; env values alone can carry a deploy.
func Load(path string) (*Config, error) {
	if errLoad := godotenv.Load(); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Debug("config: no .env file loaded")
		}
	}

	cfg := &Config{}
	resolved := ResolveConfigPath(path)
	data, errRead := os.ReadFile(resolved)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", resolved, errUnmarshal)
		}
	case os.IsNotExist(errRead):
		log.Debugf("config: %s not found, using environment only", resolved)
	default:
		return nil, fmt.Errorf("config: read %s: %w", resolved, errRead)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return nil, errors.New("config: database dsn is required (DATABASE_DSN)")
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, errors.New("config: jwt secret is required (JWT_SECRET)")
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over file values.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_DSN")); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.JWT.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("MANAGEMENT_BASE_URL")); v != "" {
		cfg.Management.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MANAGEMENT_SECRET")); v != "" {
		cfg.Management.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("COLLECTOR_SECRET")); v != "" {
		cfg.Collector.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FILE")); v != "" {
		cfg.Log.File = v
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = ":8317"
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}
