package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all demo-app configuration.
//
// Priority: ENV vars > .env file > defaults. The engine itself has no
// config file; every knob here maps onto a builder option.
type Config struct {
	Addr      string `env:"NITRAM_ADDR" envDefault:":3000"`
	StaticDir string `env:"NITRAM_STATIC_DIR" envDefault:"static"`

	// NATS fan-out is optional; empty disables it and the app runs
	// single-instance.
	NATSUrl string `env:"NITRAM_NATS_URL"`

	PingInterval time.Duration `env:"NITRAM_PING_INTERVAL" envDefault:"5s"`
	Timeout      time.Duration `env:"NITRAM_TIMEOUT" envDefault:"10s"`
	PushInterval time.Duration `env:"NITRAM_PUSH_INTERVAL"` // unset: pushes ride the ping tick
	MaxFrameSize int64         `env:"NITRAM_MAX_FRAME" envDefault:"131072"`

	// Per-connection inbound pacing; 0 disables the limiter.
	MessageRate  float64 `env:"NITRAM_MSG_RATE"`
	MessageBurst int     `env:"NITRAM_MSG_BURST" envDefault:"1"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment, then validates it.
func LoadConfig() (*Config, error) {
	// OK if the file does not exist; production supplies real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("NITRAM_ADDR is required")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("NITRAM_PING_INTERVAL must be > 0, got %v", c.PingInterval)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("NITRAM_TIMEOUT must be > 0, got %v", c.Timeout)
	}
	if c.PushInterval < 0 {
		return fmt.Errorf("NITRAM_PUSH_INTERVAL must be >= 0, got %v", c.PushInterval)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("NITRAM_MAX_FRAME must be > 0, got %d", c.MaxFrameSize)
	}
	if c.MessageRate < 0 {
		return fmt.Errorf("NITRAM_MSG_RATE must be >= 0, got %f", c.MessageRate)
	}
	if c.MessageRate > 0 && c.MessageBurst < 1 {
		return fmt.Errorf("NITRAM_MSG_BURST must be >= 1 when rate limiting, got %d", c.MessageBurst)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}
