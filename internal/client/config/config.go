package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Environment variables consulted by the loader.
const (
	EnvEnvironment  = "APICORE_ENV"
	EnvDeviceSecret = "APICORE_DEVICE_SECRET"
)

// Config holds runtime settings for the client core and the CLI.
//
// Units: durations are time.Duration; ReplayRatePerSecond is replays per
// second during a sync pass (0 disables pacing).
type Config struct {
	Environment         Environment   `validate:"oneof=development staging production"`
	BaseURL             string        `validate:"required,url"`
	EnforcePinning      bool
	RequestTimeout      time.Duration `validate:"gt=0"`
	MaxRetryAttempts    int           `validate:"gte=0,lte=10"`
	DatabasePath        string        `validate:"required"`
	OnlineCheckInterval time.Duration `validate:"gt=0"`
	HealthPath          string        `validate:"required,startswith=/"`
	RefreshPath         string        `validate:"required,startswith=/"`
	LoginPath           string        `validate:"required,startswith=/"`
	QueueableEndpoints  []string      `validate:"dive,startswith=/"`
	QueueMaxAge         time.Duration `validate:"gt=0"`
	QueueMaxRetries     int           `validate:"gt=0"`
	ReplayRatePerSecond float64       `validate:"gte=0"`
	// PinManifest is a manifest on disk; empty selects the embedded bundle.
	PinManifest  string
	DeviceSecret string `validate:"required"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `validate:"omitempty,hostname_port"`
}

// LoadDefaults populates c with the profile of env.
func (c *Config) LoadDefaults(env Environment) {
	*c = Config{
		Environment:         env,
		DatabasePath:        "apicore.db",
		OnlineCheckInterval: 5 * time.Second,
		HealthPath:          "/health",
		RefreshPath:         "/api/v1/auth/refresh",
		LoginPath:           "/api/v1/auth/login",
		QueueableEndpoints:  []string{"/api/v1/chat/send"},
		QueueMaxAge:         24 * time.Hour,
		QueueMaxRetries:     3,
		ReplayRatePerSecond: 5,
	}

	switch env {
	case Production:
		c.BaseURL = "https://api.apicore.app"
		c.RequestTimeout = 30 * time.Second
		c.MaxRetryAttempts = 3
		c.EnforcePinning = true
	case Staging:
		c.BaseURL = "https://staging-api.apicore.app"
		c.RequestTimeout = 45 * time.Second
		c.MaxRetryAttempts = 3
		c.EnforcePinning = true
	default:
		c.BaseURL = "http://127.0.0.1:8080"
		c.RequestTimeout = 60 * time.Second
		c.MaxRetryAttempts = 2
		c.EnforcePinning = false
		c.DeviceSecret = "development-device-secret"
	}
}

// Normalize applies invariants no source may override: production always
// enforces pinning.
func (c *Config) Normalize() {
	if c.Environment == Production {
		c.EnforcePinning = true
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig builds a Config from the environment profile, then overlays
// the JSON file (if any) and the command-line flags in args. Later sources
// take precedence over earlier ones.
func LoadConfig(args []string) (*Config, error) {
	path := configPath(args)

	var jc *JsonConfig
	if path != "" {
		var err error
		if jc, err = readJson(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	cfg.LoadDefaults(selectEnvironment(args, jc))
	if jc != nil {
		jc.apply(cfg)
	}
	if secret := os.Getenv(EnvDeviceSecret); secret != "" {
		cfg.DeviceSecret = secret
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selectEnvironment picks the profile: -e flag, then JSON, then APICORE_ENV,
// then development.
func selectEnvironment(args []string, jc *JsonConfig) Environment {
	if env := envFlag(args); env != "" {
		return Environment(env)
	}
	if jc != nil && jc.Environment != nil {
		return Environment(*jc.Environment)
	}
	if env := os.Getenv(EnvEnvironment); env != "" {
		return Environment(env)
	}
	return Development
}
