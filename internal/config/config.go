// Package config loads server configuration. The primary source is the
// SINKRON_CONFIG environment variable holding a JSON object; individual
// SINKRON_* variables override single fields on top of it, which keeps
// container deployments simple.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const EnvVar = "SINKRON_CONFIG"

type DB struct {
	Host     string `json:"host" env:"SINKRON_DB_HOST"`
	Port     int    `json:"port" env:"SINKRON_DB_PORT"`
	User     string `json:"user" env:"SINKRON_DB_USER"`
	Password string `json:"password" env:"SINKRON_DB_PASSWORD"`
	Database string `json:"database" env:"SINKRON_DB_DATABASE"`
}

// ConnString builds a pgx connection URL.
func (d DB) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	return u.String()
}

type Config struct {
	Host              string `json:"host" env:"SINKRON_HOST"`
	Port              int    `json:"port" env:"SINKRON_PORT"`
	APIToken          string `json:"apiToken" env:"SINKRON_API_TOKEN"`
	SyncAuthURL       string `json:"syncAuthUrl" env:"SINKRON_SYNC_AUTH_URL"`
	SyncAuthJWTSecret string `json:"syncAuthJwtSecret" env:"SINKRON_SYNC_AUTH_JWT_SECRET"`
	LogLevel          string `json:"logLevel" env:"SINKRON_LOG_LEVEL"`
	LogFormat         string `json:"logFormat" env:"SINKRON_LOG_FORMAT"`
	MsgRate           int    `json:"msgRate" env:"SINKRON_MSG_RATE"`
	MsgBurst          int    `json:"msgBurst" env:"SINKRON_MSG_BURST"`
	MaxMessageSize    int64  `json:"maxMessageSize" env:"SINKRON_MAX_MESSAGE_SIZE"`
	DB                DB     `json:"db"`
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func defaults() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           3000,
		LogLevel:       "info",
		LogFormat:      "json",
		MsgRate:        200,
		MsgBurst:       400,
		MaxMessageSize: 8 << 20,
		DB:             DB{Port: 5432},
	}
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if raw := os.Getenv(EnvVar); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvVar, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.APIToken == "" {
		return fmt.Errorf("apiToken is required")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logFormat %q", c.LogFormat)
	}
	if c.MsgRate < 0 || c.MsgBurst < 0 {
		return fmt.Errorf("message rate limits must not be negative")
	}
	if c.MaxMessageSize < 1024 {
		return fmt.Errorf("maxMessageSize %d is too small", c.MaxMessageSize)
	}
	if c.DB.Host == "" {
		return fmt.Errorf("db.host is required")
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		return fmt.Errorf("invalid db.port %d", c.DB.Port)
	}
	if c.DB.User == "" {
		return fmt.Errorf("db.user is required")
	}
	if c.DB.Database == "" {
		return fmt.Errorf("db.database is required")
	}
	return nil
}
