// Package config loads the immutable process configuration from the
// environment. Every recognized knob lives here; components receive the
// parsed struct at construction and never read the environment themselves.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	DeploymentName string `env:"DEPLOYMENT_NAME" envDefault:"schedulezero" validate:"required,max=128"`
	Env            string `env:"ENV"             envDefault:"local"        validate:"required,oneof=local staging production"`
	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"         validate:"oneof=debug info warn error"`

	HTTPListen         string `env:"HTTP_LISTEN"         envDefault:":8080" validate:"required"`
	RegistrationListen string `env:"REGISTRATION_LISTEN" envDefault:":7070" validate:"required"`
	MetricsListen      string `env:"METRICS_LISTEN"      envDefault:":9091" validate:"required"`

	StoreURL string `env:"STORE_URL" envDefault:"memory://" validate:"required"`

	PerAttemptTimeoutMS   int `env:"PER_ATTEMPT_TIMEOUT_MS"  envDefault:"30000"  validate:"min=1"`
	MaxAttempts           int `env:"MAX_ATTEMPTS"            envDefault:"3"      validate:"min=1,max=20"`
	RingCapacity          int `env:"RING_CAPACITY"           envDefault:"1000"   validate:"min=1"`
	DispatcherPool        int `env:"DISPATCHER_POOL"         envDefault:"32"     validate:"min=1,max=1024"`
	PerHandlerConcurrency int `env:"PER_HANDLER_CONCURRENCY" envDefault:"4"      validate:"min=1,max=64"`
	HeartbeatIntervalMS   int `env:"HEARTBEAT_INTERVAL_MS"   envDefault:"5000"   validate:"min=100"`
	HeartbeatTimeoutMS    int `env:"HEARTBEAT_TIMEOUT_MS"    envDefault:"15000"  validate:"min=100"`
	HandlerPurgeAfterMS   int `env:"HANDLER_PURGE_AFTER_MS"  envDefault:"600000" validate:"min=0"`
	MisfireGraceMS        int `env:"MISFIRE_GRACE_MS"        envDefault:"60000"  validate:"min=0"`

	EventBusEnabled   bool     `env:"EVENT_BUS_ENABLED" envDefault:"false"`
	EventBusPublish   string   `env:"EVENT_BUS_PUBLISH"`
	EventBusSubscribe []string `env:"EVENT_BUS_SUBSCRIBE"`

	InstanceID   string `env:"INSTANCE_ID"`
	CronTZ       string `env:"CRON_TZ"       envDefault:"UTC"`
	SnapshotPath string `env:"SNAPSHOT_PATH" envDefault:"handlers.json"`
	PIDFile      string `env:"PID_FILE"      envDefault:"schedulezero.pid"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.EventBusEnabled && cfg.EventBusPublish == "" {
		return nil, fmt.Errorf("invalid config: EVENT_BUS_PUBLISH is required when the event bus is enabled")
	}
	if _, err := time.LoadLocation(cfg.CronTZ); err != nil {
		return nil, fmt.Errorf("invalid config: unknown CRON_TZ %q", cfg.CronTZ)
	}

	if cfg.InstanceID == "" {
		hostname, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CronLocation is safe after Load: the zone was validated there.
func (c *Config) CronLocation() *time.Location {
	loc, err := time.LoadLocation(c.CronTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) PerAttemptTimeout() time.Duration {
	return time.Duration(c.PerAttemptTimeoutMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

func (c *Config) HandlerPurgeAfter() time.Duration {
	return time.Duration(c.HandlerPurgeAfterMS) * time.Millisecond
}

func (c *Config) MisfireGrace() time.Duration {
	return time.Duration(c.MisfireGraceMS) * time.Millisecond
}
