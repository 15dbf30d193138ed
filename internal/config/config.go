package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

type DatabaseConfig struct {
	Driver       string `yaml:"driver" env:"DRIVER"` // "sqlite" or "postgres"
	DSN          string `yaml:"dsn" env:"DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

type TokenGateConfig struct {
	OracleURL string        `yaml:"oracle_url" env:"ORACLE_URL"`
	APIKey    string        `yaml:"api_key" env:"API_KEY"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type InviteConfig struct {
	CodeBytes     int    `yaml:"code_bytes" env:"CODE_BYTES"`
	PurgeSchedule string `yaml:"purge_schedule" env:"PURGE_SCHEDULE"` // cron spec
}

// RateLimitConfig holds requests-per-minute budgets.
type RateLimitConfig struct {
	Global int `yaml:"global" env:"GLOBAL"`
	Join   int `yaml:"join" env:"JOIN"`
	Invite int `yaml:"invite" env:"INVITE"`
}

type ServerConfig struct {
	Name        string          `yaml:"name" env:"NAME"`
	Description string          `yaml:"description" env:"DESCRIPTION"`
	Port        string          `yaml:"port,omitempty" env:"PORT"` // Server port, e.g. ":8080"
	LogLevel    string          `yaml:"log_level" env:"LOG_LEVEL"`
	Database    DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Auth        AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	TokenGate   TokenGateConfig `yaml:"token_gate" envPrefix:"TOKEN_GATE_"`
	Invites     InviteConfig    `yaml:"invites" envPrefix:"INVITES_"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// LoadConfig reads path (a missing file is fine), applies RELAY_* environment
// overrides and fills defaults.
func LoadConfig(path string) (ServerConfig, error) {
	var c ServerConfig

	f, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(f, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return c, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&c, env.Options{Prefix: "RELAY_"}); err != nil {
		return c, fmt.Errorf("parse environment: %w", err)
	}

	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *ServerConfig) {
	if c.Port == "" {
		c.Port = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/access.db"
	}
	// SQLite allows a single writer; serialising the pool keeps the
	// conditional invite update free of SQLITE_BUSY errors.
	if c.Database.MaxOpenConns == 0 && c.Database.Driver == "sqlite" {
		c.Database.MaxOpenConns = 1
	}
	if c.TokenGate.Timeout == 0 {
		c.TokenGate.Timeout = 5 * time.Second
	}
	if c.Invites.CodeBytes == 0 {
		c.Invites.CodeBytes = 16
	}
	if c.Invites.PurgeSchedule == "" {
		c.Invites.PurgeSchedule = "@every 10m"
	}
	if c.RateLimit.Global == 0 {
		c.RateLimit.Global = 100
	}
	if c.RateLimit.Join == 0 {
		c.RateLimit.Join = 5
	}
	if c.RateLimit.Invite == 0 {
		c.RateLimit.Invite = 3
	}
}

// SaveConfig writes c back to path in the same format LoadConfig reads.
func SaveConfig(path string, c ServerConfig) error {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// EnsureFile writes c to path when no file exists there yet and reports
// whether it did. An existing file is never overwritten.
func EnsureFile(path string, c ServerConfig) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := SaveConfig(path, c); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
