package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cellhost configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	API      APIConfig      `yaml:"api"`
	Clock    ClockConfig    `yaml:"clock"`
	Bundles  BundlesConfig  `yaml:"bundles"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Cells    []CellConfig   `yaml:"cells,omitempty"`
	Include  []string       `yaml:"include,omitempty"`

	// SourceFiles maps absolute file paths to their parsed YAML nodes.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig contains core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile, when set, sends logs to a rotated file.
	LogFile       string `yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb,omitempty"`
	LogMaxBackups int    `yaml:"log_max_backups,omitempty"`
}

// StoreConfig contains durable store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the dispatcher and invocation limits.
type EngineConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	// MaxSteps bounds Starlark execution per call. Zero means unbounded.
	MaxSteps uint64 `yaml:"max_steps,omitempty"`
	// ScheduleTick is how often schedules are checked for due runs.
	ScheduleTick time.Duration `yaml:"schedule_tick,omitempty"`
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Listen  string     `yaml:"listen"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds bearer tokens and the scopes each grants.
type AuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
	// Agents lists the provenances this token may assert. Empty means any,
	// including the called cell's own agent.
	Agents []string `yaml:"agents,omitempty"`
}

// ClockConfig selects the verified clock. With no sources the local clock
// is trusted.
type ClockConfig struct {
	RequireAttested bool          `yaml:"require_attested"`
	Sources         []string      `yaml:"sources,omitempty"`
	Min             int           `yaml:"min,omitempty"`
	Skew            time.Duration `yaml:"skew,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	MaxElapsed      time.Duration `yaml:"max_elapsed,omitempty"`
}

// BundlesConfig controls how DNA bundles are located.
type BundlesConfig struct {
	// BaseDir resolves relative local paths. Defaults to the directory of
	// the root config file.
	BaseDir      string        `yaml:"base_dir"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxBytes     int64         `yaml:"max_bytes"`
}

// CellConfig declares a cell installed at startup.
type CellConfig struct {
	Name string `yaml:"name"`
	// Exactly one of Path and URL is set.
	Path     string `yaml:"path,omitempty"`
	URL      string `yaml:"url,omitempty"`
	Checksum string `yaml:"checksum,omitempty"`
	// AgentSeed is a hex ed25519 seed. Empty generates a fresh agent.
	AgentSeed string           `yaml:"agent_seed,omitempty"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

// ScheduleConfig invokes a zome function of its cell periodically.
type ScheduleConfig struct {
	Zome    string         `yaml:"zome"`
	Fn      string         `yaml:"fn"`
	Every   time.Duration  `yaml:"every"`
	Jitter  time.Duration  `yaml:"jitter,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	// After FailureThreshold consecutive failures the schedule pauses for
	// ResetAfter. Zero disables the breaker.
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	ResetAfter       time.Duration `yaml:"reset_after,omitempty"`
}

// WebhooksConfig exposes signed HTTP endpoints that call zome functions.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints,omitempty"`
}

type WebhookEndpoint struct {
	Path string `yaml:"path"`
	// Cell is a configured cell name or a cell id.
	Cell            string `yaml:"cell"`
	Zome            string `yaml:"zome"`
	Fn              string `yaml:"fn"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "cellhost",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Store: StoreConfig{
			Path: "./data/cells.db",
		},
		Engine: EngineConfig{
			Workers:        4,
			PollInterval:   250 * time.Millisecond,
			TriggerTimeout: 30 * time.Second,
			CallTimeout:    30 * time.Second,
			ScheduleTick:   time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "localhost:8080",
		},
		Clock: ClockConfig{
			Skew:       2 * time.Second,
			Timeout:    time.Second,
			MaxElapsed: 2 * time.Second,
		},
		Bundles: BundlesConfig{
			FetchTimeout: 30 * time.Second,
			MaxBytes:     16 << 20,
		},
		Webhooks: WebhooksConfig{
			Listen: "localhost:8081",
		},
	}
}
