// Package config loads the daemon configuration from an optional YAML file,
// a .env file and environment overrides, in that order of increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/faceauth/internal/lockout"
	"github.com/example/faceauth/internal/session"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		JWTAudience string `yaml:"jwt_audience"`
	} `yaml:"auth"`

	// Storage backs the template registry and the event audit log.
	Storage struct {
		// memory | postgres
		Kind            string        `yaml:"kind"`
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"storage"`

	Lockout struct {
		// memory | redis
		Store               string        `yaml:"store"`
		RedisAddr           string        `yaml:"redis_addr"`
		RedisDB             int           `yaml:"redis_db"`
		TimedThreshold      int           `yaml:"timed_threshold"`
		PermanentThreshold  int           `yaml:"permanent_threshold"`
		BaseDuration        time.Duration `yaml:"base_duration"`
		MaxDuration         time.Duration `yaml:"max_duration"`
		CountVendorFailures bool          `yaml:"count_vendor_failures"`
	} `yaml:"lockout"`

	Engine struct {
		// simulated | grpc
		Kind        string `yaml:"kind"`
		Addr        string `yaml:"addr"`
		EnrollSteps uint32 `yaml:"enroll_steps"`
	} `yaml:"engine"`

	HAT struct {
		Secret string        `yaml:"secret"`
		MaxAge time.Duration `yaml:"max_age"`
	} `yaml:"hat"`

	Session struct {
		MaxTemplates    int `yaml:"max_templates"`
		FrameQueueDepth int `yaml:"frame_queue_depth"`
	} `yaml:"session"`

	Events struct {
		SubscriberBuffer int `yaml:"subscriber_buffer"`
		AuditBuffer      int `yaml:"audit_buffer"`
	} `yaml:"events"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	var c Config
	c.App.Env = "prod"
	c.App.LogLevel = "info"
	c.Server.Addr = ":8080"
	c.Server.ShutdownTimeout = 15 * time.Second
	c.Storage.Kind = "memory"
	c.Storage.MaxOpenConns = 10
	c.Storage.MaxIdleConns = 5
	c.Storage.ConnMaxLifetime = time.Hour

	p := lockout.DefaultPolicy()
	c.Lockout.Store = "memory"
	c.Lockout.TimedThreshold = p.TimedThreshold
	c.Lockout.PermanentThreshold = p.PermanentThreshold
	c.Lockout.BaseDuration = p.BaseDuration
	c.Lockout.MaxDuration = p.MaxDuration

	c.Engine.Kind = "simulated"
	c.Engine.EnrollSteps = 3
	c.HAT.MaxAge = 10 * time.Minute

	s := session.DefaultConfig()
	c.Session.MaxTemplates = s.MaxTemplates
	c.Session.FrameQueueDepth = s.FrameQueueDepth

	c.Events.SubscriberBuffer = 32
	c.Events.AuditBuffer = 256
	return c
}

// Load reads .env (if present), then the YAML file at path (if path is not
// empty), then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := map[string]*string{
		"APP_ENV":      &c.App.Env,
		"LOG_LEVEL":    &c.App.LogLevel,
		"FACED_ADDR":   &c.Server.Addr,
		"JWT_SECRET":   &c.Auth.JWTSecret,
		"JWT_AUDIENCE": &c.Auth.JWTAudience,
		"HAT_SECRET":   &c.HAT.Secret,
	}
	for key, dst := range overrides {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	// setting a backend address also selects that backend
	if v, ok := lookup("DATABASE_DSN"); ok {
		c.Storage.Kind, c.Storage.DSN = "postgres", v
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Lockout.Store, c.Lockout.RedisAddr = "redis", v
	}
	if v, ok := lookup("ENGINE_ADDR"); ok {
		c.Engine.Kind, c.Engine.Addr = "grpc", v
	}
	if v, ok := lookup("FACED_MAX_TEMPLATES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: FACED_MAX_TEMPLATES: %w", err)
		}
		c.Session.MaxTemplates = n
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Dev reports whether the daemon runs in development mode.
func (c Config) Dev() bool {
	return strings.EqualFold(c.App.Env, "dev")
}

// LockoutPolicy converts the lockout section.
func (c Config) LockoutPolicy() lockout.Policy {
	return lockout.Policy{
		TimedThreshold:      c.Lockout.TimedThreshold,
		PermanentThreshold:  c.Lockout.PermanentThreshold,
		BaseDuration:        c.Lockout.BaseDuration,
		MaxDuration:         c.Lockout.MaxDuration,
		CountVendorFailures: c.Lockout.CountVendorFailures,
	}
}

// SessionConfig converts the session section.
func (c Config) SessionConfig() session.Config {
	return session.Config{MaxTemplates: c.Session.MaxTemplates, FrameQueueDepth: c.Session.FrameQueueDepth}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if err := c.LockoutPolicy().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Session.MaxTemplates <= 0 {
		return errors.New("config: session.max_templates must be positive")
	}
	if c.HAT.MaxAge <= 0 {
		return errors.New("config: hat.max_age must be positive")
	}

	switch c.Storage.Kind {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown storage kind %q", c.Storage.Kind)
	}

	switch c.Lockout.Store {
	case "memory":
	case "redis":
		if c.Lockout.RedisAddr == "" {
			return errors.New("config: lockout.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("config: unknown lockout store %q", c.Lockout.Store)
	}

	switch c.Engine.Kind {
	case "simulated":
		if c.Engine.EnrollSteps == 0 {
			return errors.New("config: engine.enroll_steps must be positive")
		}
	case "grpc":
		if c.Engine.Addr == "" {
			return errors.New("config: engine.addr is required for grpc")
		}
	default:
		return fmt.Errorf("config: unknown engine kind %q", c.Engine.Kind)
	}

	if !c.Dev() {
		if c.HAT.Secret == "" {
			return errors.New("config: hat.secret is required outside dev")
		}
		if c.Auth.JWTSecret == "" {
			return errors.New("config: auth.jwt_secret is required outside dev")
		}
	}
	return nil
}
