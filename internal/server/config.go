// Package server loads and sanitizes runtime settings for the relay from the
// process environment.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	defaultPort           = "3000"
	defaultMaxMessageSize = 4096
	defaultBurst          = 5
	defaultRefill         = time.Second
	defaultSendBuffer     = 256
	defaultShutdown       = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server settings. LoadConfig fills it from the
// environment variables tagged on envSettings.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	SendBuffer      int
	LogLevel        string
	ShutdownTimeout time.Duration
}

// NewConfig returns a Config populated with defaults.
func NewConfig() Config {
	return Config{
		Port:            defaultPort,
		AllowedOrigins:  []string{"http://localhost:3000"},
		MaxMessageSize:  defaultMaxMessageSize,
		RateLimit:       RateLimitConfig{Burst: defaultBurst, RefillInterval: defaultRefill},
		SendBuffer:      defaultSendBuffer,
		LogLevel:        "info",
		ShutdownTimeout: defaultShutdown,
	}
}

// LoadConfig reads the configuration from environment variables, falling
// back to defaults for anything unset, unparseable or out of range.
func LoadConfig() (Config, error) {
	var env envSettings
	if err := envconfig.Process("", &env); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return env.config().Sanitize(), nil
}

// envSettings mirrors Config with lenient numeric fields so a malformed value
// falls back to its default instead of failing the load.
type envSettings struct {
	Port           string   `envconfig:"PORT" default:"3000"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	MaxMessageSize envInt   `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	RateLimit      struct {
		Burst          envInt      `envconfig:"BURST" default:"5"`
		RefillInterval envDuration `envconfig:"REFILL_INTERVAL" default:"1s"`
	} `envconfig:"RATE_LIMIT"`
	SendBuffer      envInt      `envconfig:"SEND_BUFFER" default:"256"`
	LogLevel        string      `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout envDuration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func (e envSettings) config() Config {
	return Config{
		Port:           e.Port,
		AllowedOrigins: e.AllowedOrigins,
		MaxMessageSize: int64(e.MaxMessageSize),
		RateLimit: RateLimitConfig{
			Burst:          int(e.RateLimit.Burst),
			RefillInterval: time.Duration(e.RateLimit.RefillInterval),
		},
		SendBuffer:      int(e.SendBuffer),
		LogLevel:        e.LogLevel,
		ShutdownTimeout: time.Duration(e.ShutdownTimeout),
	}
}

// envInt decodes a base 10 integer. Anything else decodes to zero, which
// Sanitize replaces with the default.
type envInt int64

// Decode implements envconfig.Decoder.
func (n *envInt) Decode(value string) error {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		parsed = 0
	}
	*n = envInt(parsed)
	return nil
}

// envDuration decodes a Go duration such as "1500ms" or a bare number of
// whole seconds. Anything else decodes to zero.
type envDuration time.Duration

// Decode implements envconfig.Decoder.
func (d *envDuration) Decode(value string) error {
	value = strings.TrimSpace(value)
	if parsed, err := time.ParseDuration(value); err == nil {
		*d = envDuration(parsed)
		return nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		*d = envDuration(time.Duration(seconds) * time.Second)
		return nil
	}
	*d = 0
	return nil
}

// Sanitize replaces empty or non-positive settings with their defaults and
// trims the origin list.
func (c Config) Sanitize() Config {
	c.Port = strings.TrimPrefix(strings.TrimSpace(c.Port), ":")
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRefill
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdown
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.AllowedOrigins = origins
	return c
}

// Addr is the listen address built from Port.
func (c Config) Addr() string {
	return net.JoinHostPort("", c.Port)
}

// Level parses LogLevel, defaulting to info when it is not a slog level name.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
