// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/joeshaw/envdecode"
)

// Config holds all application configuration.
type Config struct {
	Port           string `env:"PORT,default=8080"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	DBPath         string `env:"DB_PATH,default=./data/gateway.db"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=*"`

	AgentRuntimeAddr string `env:"AGENT_RUNTIME_ADDR"`

	Auth     AuthConfig
	Session  SessionConfig
	Presence PresenceConfig

	LimitsFile    string `env:"LIMITS_FILE"`
	ToolsDisabled string `env:"TOOLS_DISABLED"` // comma separated tool names

	// Limits is populated from defaults and LIMITS_FILE, not the environment.
	Limits Limits
}

// AuthConfig controls how claimed user IDs are validated.
type AuthConfig struct {
	JWTSecret      string `env:"AUTH_JWT_SECRET"`
	AllowAnonymous bool   `env:"AUTH_ALLOW_ANONYMOUS,default=true"`
	DefaultTier    string `env:"DEFAULT_TIER,default=free"`
}

// SessionConfig holds connection and turn timing.
type SessionConfig struct {
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout    time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s"`
	RateLimitSweep      time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL,default=1m"`
	TurnStallTimeout    time.Duration `env:"TURN_STALL_TIMEOUT,default=2m"`
	OutboundQueueSize   int           `env:"OUTBOUND_QUEUE_SIZE,default=256"`
	HistoryWriteTimeout time.Duration `env:"HISTORY_WRITE_TIMEOUT,default=5s"`
	HistoryRetention    time.Duration `env:"HISTORY_RETENTION,default=720h"` // 0 keeps turns forever
}

// PresenceConfig enables the optional Redis presence mirror.
type PresenceConfig struct {
	RedisAddr string        `env:"REDIS_ADDR"`
	KeyPrefix string        `env:"PRESENCE_KEY_PREFIX,default=agentgate:session:"`
	TTL       time.Duration `env:"PRESENCE_TTL,default=90s"`
}

// Load reads configuration from environment variables and the optional limits file.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.Limits = DefaultLimits()
	if cfg.LimitsFile != "" {
		limits, err := LoadLimits(cfg.LimitsFile)
		if err != nil {
			return nil, fmt.Errorf("load limits file: %w", err)
		}
		cfg.Limits = limits
	}
	cfg.Limits.Disable(cfg.DisabledTools()...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if _, err := domain.ParseTier(c.Auth.DefaultTier); err != nil {
		return fmt.Errorf("DEFAULT_TIER: %w", err)
	}
	if !c.Auth.AllowAnonymous && c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when AUTH_ALLOW_ANONYMOUS is false")
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Session.HeartbeatTimeout <= 0 || c.Session.HeartbeatTimeout > c.Session.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be > 0 and <= HEARTBEAT_INTERVAL")
	}
	if c.Session.RateLimitSweep <= 0 {
		return fmt.Errorf("RATE_LIMIT_SWEEP_INTERVAL must be > 0")
	}
	if c.Session.TurnStallTimeout < 0 || c.Session.HistoryRetention < 0 {
		return fmt.Errorf("TURN_STALL_TIMEOUT and HISTORY_RETENTION cannot be negative")
	}
	if c.Session.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.Presence.RedisAddr != "" && c.Presence.TTL <= c.Session.HeartbeatInterval {
		return fmt.Errorf("PRESENCE_TTL must exceed HEARTBEAT_INTERVAL")
	}
	return c.Limits.Validate()
}

// DefaultTier returns the parsed fallback tier.
func (c *Config) DefaultTier() domain.Tier {
	t, err := domain.ParseTier(c.Auth.DefaultTier)
	if err != nil {
		return domain.TierFree
	}
	return t
}

// DisabledTools returns the tool names listed in TOOLS_DISABLED.
func (c *Config) DisabledTools() []string {
	return splitList(c.ToolsDisabled)
}

// Origins returns the WebSocket/CORS origin allowlist.
func (c *Config) Origins() []string {
	origins := splitList(c.AllowedOrigins)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
