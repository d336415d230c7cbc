// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/whisper/dm-chat/internal/ws"
)

// Config is the full runtime configuration of the chat server. An empty
// DatabaseURL selects in-memory stores; an empty RedisAddr or NATSURL turns
// the corresponding integration off.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerName string `env:"SERVER_NAME"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	NATSURL     string `env:"NATS_URL"`

	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	SendQueueSize  int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`

	MessageRateLimit  int           `env:"MESSAGE_RATE_LIMIT" envDefault:"20"`
	MessageRateWindow time.Duration `env:"MESSAGE_RATE_WINDOW" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json or console
	GinMode   string `env:"GIN_MODE" envDefault:"release"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// SeedUsers lists username:role pairs created at startup when running on
	// in-memory stores.
	SeedUsers []string `env:"SEED_USERS" envSeparator:","`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
		if cfg.ServerName == "" {
			cfg.ServerName = "ws-1"
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("config: SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize)
	case c.MaxConnections <= 0:
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	case c.ReadTimeout <= 0 || c.WriteTimeout <= 0:
		return fmt.Errorf("config: READ_TIMEOUT and WRITE_TIMEOUT must be positive")
	case c.MessageRateLimit < 0:
		return fmt.Errorf("config: MESSAGE_RATE_LIMIT must not be negative")
	case c.MessageRateLimit > 0 && c.MessageRateWindow <= 0:
		return fmt.Errorf("config: MESSAGE_RATE_WINDOW must be positive when rate limiting is on")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "console" {
		return fmt.Errorf("config: LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// Level returns the parsed zerolog level.
func (c Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.MaxConnections = c.MaxConnections
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	sc.SendQueue = c.SendQueueSize
	return sc
}
