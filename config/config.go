// Package config defines the tasktrack application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level tasktrack configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
	Users     []UserConfig  `json:"users" yaml:"users"`
}

// UserConfig is a login allowed to call the API.
type UserConfig struct {
	ID           string `json:"id" yaml:"id"`
	Role         string `json:"role" yaml:"role"`                   // "admin" or "employee"
	PasswordHash string `json:"password_hash" yaml:"password_hash"` // bcrypt hash
}

// LifecycleConfig holds the SLA windows and retry policy of the task engine.
type LifecycleConfig struct {
	// ReopenSLAWindow is how long an employee has to respond to a reopen.
	ReopenSLAWindow time.Duration `json:"reopen_sla_window" yaml:"reopen_sla_window"`

	// MonitorInterval is how often the reopen SLA monitor sweeps.
	MonitorInterval time.Duration `json:"monitor_interval" yaml:"monitor_interval"`

	// ModificationRequestSLA is how long a modification request stays pending.
	ModificationRequestSLA time.Duration `json:"modification_request_sla" yaml:"modification_request_sla"`

	MaxConflictRetries int `json:"max_conflict_retries" yaml:"max_conflict_retries"`
	MinReasonLength    int `json:"min_reason_length" yaml:"min_reason_length"`
}

// NotifyConfig controls notification fan-out.
type NotifyConfig struct {
	NATSURL       string `json:"nats_url" yaml:"nats_url"` // empty disables NATS
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	HistorySize   int    `json:"history_size" yaml:"history_size"`
}

// DefaultLifecycle returns the engine defaults.
func DefaultLifecycle() LifecycleConfig {
	return LifecycleConfig{
		ReopenSLAWindow:        72 * time.Hour,
		MonitorInterval:        time.Hour,
		ModificationRequestSLA: 24 * time.Hour,
		MaxConflictRetries:     3,
		MinReasonLength:        10,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Lifecycle: DefaultLifecycle(),
		Notify: NotifyConfig{
			SubjectPrefix: "tasktrack.notify",
			HistorySize:   1000,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed, validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Lifecycle.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	for i, u := range c.Auth.Users {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d].id is required", i))
		}
		if u.Role != "admin" && u.Role != "employee" {
			errs = append(errs, fmt.Errorf("auth.users[%d].role must be admin or employee, got %q", i, u.Role))
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Validate checks the lifecycle windows.
func (l LifecycleConfig) Validate() error {
	var errs []error
	if l.ReopenSLAWindow <= 0 {
		errs = append(errs, errors.New("lifecycle.reopen_sla_window must be positive"))
	}
	if l.MonitorInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.monitor_interval must be positive"))
	}
	if l.ModificationRequestSLA <= 0 {
		errs = append(errs, errors.New("lifecycle.modification_request_sla must be positive"))
	}
	if l.MaxConflictRetries < 0 {
		errs = append(errs, errors.New("lifecycle.max_conflict_retries must not be negative"))
	}
	if l.MinReasonLength < 0 {
		errs = append(errs, errors.New("lifecycle.min_reason_length must not be negative"))
	}
	return errors.Join(errs...)
}
