package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/fmdesk/fmdesk-web/internal/rbac"
)

// Refresh dispatch modes.
const (
	RefreshModePool  = "pool"
	RefreshModeQueue = "queue"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	SessionSecret string        `envconfig:"SESSION_SECRET" required:"true"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"8h"`

	CSRFSecret string `envconfig:"CSRF_SECRET" required:"true"`

	AuthCookieSecret string        `envconfig:"AUTH_COOKIE_SECRET" required:"true"`
	AuthCookieTTL    time.Duration `envconfig:"AUTH_COOKIE_TTL" default:"720h"`

	BackendBaseURL      string        `envconfig:"BACKEND_BASE_URL" default:"http://127.0.0.1:5000/api"`
	BackendTimeout      time.Duration `envconfig:"BACKEND_TIMEOUT" default:"30s"`
	BackendClientID     string        `envconfig:"BACKEND_CLIENT_ID" default:"fmdesk-web"`
	BackendClientSecret string        `envconfig:"BACKEND_CLIENT_SECRET"`

	PrivilegeStaleAfter     time.Duration `envconfig:"PRIVILEGE_STALE_AFTER" default:"30m"`
	PrivilegeRefreshMode    string        `envconfig:"PRIVILEGE_REFRESH_MODE" default:"pool"`
	PrivilegeRefreshWorkers int64         `envconfig:"PRIVILEGE_REFRESH_WORKERS" default:"8"`
	// PrivilegeRefreshTimeout bounds one background refresh. Zero derives it from
	// BACKEND_TIMEOUT and the loader's retry schedule.
	PrivilegeRefreshTimeout time.Duration `envconfig:"PRIVILEGE_REFRESH_TIMEOUT"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return errors.New("session secret must be provided")
	}
	if c.CSRFSecret == "" {
		return errors.New("csrf secret must be provided")
	}
	if len(c.AuthCookieSecret) < 16 {
		return errors.New("auth cookie secret must be at least 16 characters")
	}
	switch c.PrivilegeRefreshMode {
	case RefreshModePool, RefreshModeQueue:
	default:
		return fmt.Errorf("unknown privilege refresh mode %q", c.PrivilegeRefreshMode)
	}
	if c.PrivilegeStaleAfter <= 0 {
		return errors.New("privilege stale threshold must be positive")
	}
	if c.PrivilegeRefreshWorkers <= 0 {
		c.PrivilegeRefreshWorkers = 1
	}
	if c.PrivilegeRefreshTimeout < 0 {
		return errors.New("privilege refresh timeout must not be negative")
	}
	return nil
}

// RefreshTimeout returns the budget of one background privilege refresh.
func (c *Config) RefreshTimeout() time.Duration {
	if c.PrivilegeRefreshTimeout > 0 {
		return c.PrivilegeRefreshTimeout
	}
	return rbac.RefreshBudget(c.BackendTimeout, rbac.DefaultBackoff)
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
