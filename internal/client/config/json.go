package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/apicore/internal/flagx"
	"github.com/dmitrijs2005/apicore/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Absent
// fields leave the profile default untouched. Durations use timex.Duration,
// so JSON may carry strings like "30s" or integer nanoseconds.
type JsonConfig struct {
	Environment         *string         `json:"environment"`
	BaseURL             *string         `json:"base_url"`
	EnforcePinning      *bool           `json:"enforce_pinning"`
	RequestTimeout      *timex.Duration `json:"request_timeout"`
	MaxRetryAttempts    *int            `json:"max_retry_attempts"`
	DatabasePath        *string         `json:"database_path"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval"`
	HealthPath          *string         `json:"health_path"`
	RefreshPath         *string         `json:"refresh_path"`
	LoginPath           *string         `json:"login_path"`
	QueueableEndpoints  []string        `json:"queueable_endpoints"`
	QueueMaxAge         *timex.Duration `json:"queue_max_age"`
	QueueMaxRetries     *int            `json:"queue_max_retries"`
	ReplayRatePerSecond *float64        `json:"replay_rate_per_second"`
	PinManifest         *string         `json:"pin_manifest"`
	DeviceSecret        *string         `json:"device_secret"`
	MetricsAddr         *string         `json:"metrics_addr"`
}

func configPath(args []string) string {
	return flagx.ConfigPath(args)
}

func readJson(path string) (*JsonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &jc, nil
}

func (jc *JsonConfig) apply(cfg *Config) {
	setString(&cfg.BaseURL, jc.BaseURL)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	setString(&cfg.HealthPath, jc.HealthPath)
	setString(&cfg.RefreshPath, jc.RefreshPath)
	setString(&cfg.LoginPath, jc.LoginPath)
	setString(&cfg.PinManifest, jc.PinManifest)
	setString(&cfg.DeviceSecret, jc.DeviceSecret)
	setString(&cfg.MetricsAddr, jc.MetricsAddr)

	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.QueueMaxAge, jc.QueueMaxAge)

	if jc.EnforcePinning != nil {
		cfg.EnforcePinning = *jc.EnforcePinning
	}
	if jc.MaxRetryAttempts != nil {
		cfg.MaxRetryAttempts = *jc.MaxRetryAttempts
	}
	if jc.QueueMaxRetries != nil {
		cfg.QueueMaxRetries = *jc.QueueMaxRetries
	}
	if jc.ReplayRatePerSecond != nil {
		cfg.ReplayRatePerSecond = *jc.ReplayRatePerSecond
	}
	if jc.QueueableEndpoints != nil {
		cfg.QueueableEndpoints = append([]string(nil), jc.QueueableEndpoints...)
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
