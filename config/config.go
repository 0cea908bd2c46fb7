// Package config defines the planwright daemon configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PLANWRIGHT_EVENTS_SECRET.
const EnvPrefix = "PLANWRIGHT"

// Config is the top-level planwright configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth" mapstructure:"auth"`
	DataDir   string          `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format" mapstructure:"log_format"` // "text" or "json"
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" mapstructure:"scheduler"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" mapstructure:"cache"`
	Events    EventsConfig    `json:"events" yaml:"events" mapstructure:"events"`
	Recovery  RecoveryConfig  `json:"recovery" yaml:"recovery" mapstructure:"recovery"`
	Backend   BackendConfig   `json:"backend" yaml:"backend" mapstructure:"backend"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace" mapstructure:"workspace"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret" yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AdminUser     string `json:"admin_user" yaml:"admin_user" mapstructure:"admin_user"`
	AdminPassHash string `json:"admin_pass_hash" yaml:"admin_pass_hash" mapstructure:"admin_pass_hash"` // bcrypt
}

// SchedulerConfig bounds plan execution.
type SchedulerConfig struct {
	Workers     int           `json:"workers" yaml:"workers" mapstructure:"workers"`
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout" mapstructure:"task_timeout"`
	PlanTimeout time.Duration `json:"plan_timeout" yaml:"plan_timeout" mapstructure:"plan_timeout"`
}

// CacheConfig selects the fingerprint cache.
type CacheConfig struct {
	Backend       string        `json:"backend" yaml:"backend" mapstructure:"backend"` // "memory" or "badger"
	TTL           time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Path          string        `json:"path,omitempty" yaml:"path" mapstructure:"path"`
}

// EventsConfig controls outbound event delivery.
type EventsConfig struct {
	SinkURL        string        `json:"sink_url" yaml:"sink_url" mapstructure:"sink_url"` // empty logs events only
	Secret         string        `json:"secret" yaml:"secret" mapstructure:"secret"`
	Rate           float64       `json:"rate" yaml:"rate" mapstructure:"rate"` // events per second, all plans
	Burst          int           `json:"burst" yaml:"burst" mapstructure:"burst"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" mapstructure:"initial_backoff"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
}

// RecoveryConfig tunes the cycle recovery ladder.
type RecoveryConfig struct {
	MaxDropPasses   int  `json:"max_drop_passes" yaml:"max_drop_passes" mapstructure:"max_drop_passes"`
	BackendRepair   bool `json:"backend_repair" yaml:"backend_repair" mapstructure:"backend_repair"`
	LinearFallback  bool `json:"linear_fallback" yaml:"linear_fallback" mapstructure:"linear_fallback"`
	RequireApproval bool `json:"require_approval" yaml:"require_approval" mapstructure:"require_approval"`
}

// BackendConfig selects the generative backend provider.
type BackendConfig struct {
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"` // "mock", "anthropic", "openai"
	Model    string `json:"model,omitempty" yaml:"model" mapstructure:"model"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url" mapstructure:"base_url"`
}

// WorkspaceConfig locates the directory task handlers write into.
type WorkspaceConfig struct {
	Root string `json:"root,omitempty" yaml:"root" mapstructure:"root"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":9090"},
		Auth:      AuthConfig{AdminUser: "admin"},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Scheduler: SchedulerConfig{
			Workers:     4,
			TaskTimeout: 60 * time.Second,
			PlanTimeout: 15 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			TTL:           time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Events: EventsConfig{
			Rate:           15,
			Burst:          5,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxDropPasses:  16,
			BackendRepair:  true,
			LinearFallback: true,
		},
		Backend: BackendConfig{Provider: "mock"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and PLANWRIGHT_* environment variables, in that order.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seed viper with every default key so env overrides apply even when
	// the file does not mention a key.
	defaults, err := Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 1 || c.Scheduler.Workers > 64 {
		return fmt.Errorf("scheduler.workers must be between 1 and 64, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.TaskTimeout <= 0 || c.Scheduler.PlanTimeout <= 0 {
		return fmt.Errorf("scheduler timeouts must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("cache.backend %q: want memory or badger", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 || c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.ttl and cache.sweep_interval must be positive")
	}
	if c.Events.Rate <= 0 || c.Events.Burst < 1 {
		return fmt.Errorf("events.rate and events.burst must be positive")
	}
	if c.Events.MaxAttempts < 1 {
		return fmt.Errorf("events.max_attempts must be at least 1")
	}
	if c.Recovery.MaxDropPasses < 1 {
		return fmt.Errorf("recovery.max_drop_passes must be at least 1")
	}
	switch c.Backend.Provider {
	case "mock", "anthropic", "openai":
	default:
		return fmt.Errorf("backend.provider %q: want mock, anthropic or openai", c.Backend.Provider)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}
	return nil
}

// DBPath is the SQLite file holding plans, tasks and the event outbox.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "planwright.db") }

// CachePath is the badger directory, defaulting under DataDir.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	return filepath.Join(c.DataDir, "cache")
}

// WorkspaceRoot is where work handlers materialize artifacts.
func (c *Config) WorkspaceRoot() string {
	if c.Workspace.Root != "" {
		return c.Workspace.Root
	}
	return filepath.Join(c.DataDir, "workspace")
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// Write saves cfg as YAML at path, refusing to overwrite an existing file.
func Write(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
