// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Scribeflow server.
package config

import "time"

// LogLevel controls log verbosity for the Scribeflow server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Scribeflow.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	LLM         ProviderEntry     `yaml:"llm"`
	Storage     StorageConfig     `yaml:"storage"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Workers     WorkersConfig     `yaml:"workers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the LLM backend. Name is used to
// look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai", "ollama", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`
}

// StorageConfig selects where the event log and analysis results live.
type StorageConfig struct {
	// PostgresDSN is the connection string for durable storage. Empty
	// selects the in-memory stores (single process, no persistence).
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DiagnosticsConfig configures the local diagnostics journal.
type DiagnosticsConfig struct {
	// Path is the SQLite file for the journal. Empty disables it.
	Path string `yaml:"path"`
}

// SchedulerConfig configures the bucketed admission control over the
// shared model API quota.
type SchedulerConfig struct {
	// Global caps the sum of all buckets.
	Global BucketEntry `yaml:"global"`

	// Buckets holds per-bucket overrides keyed by bucket name
	// (e.g., "turn-segmentation").
	Buckets map[string]BucketEntry `yaml:"buckets"`

	// Default applies to buckets without an explicit entry.
	Default BucketEntry `yaml:"default"`
}

// BucketEntry is one bucket's admission tuning. Out-of-range values are
// clamped by [Config.Normalize]: concurrency to [1,64], min_interval_ms to
// [0,60000], cooldown_ms to [100,max_cooldown_ms], max_cooldown_ms to
// [cooldown_ms,300000].
type BucketEntry struct {
	// Concurrency is the maximum simultaneous model calls.
	Concurrency int `yaml:"concurrency"`

	// MinIntervalMS is the minimum spacing between call starts.
	MinIntervalMS int `yaml:"min_interval_ms"`

	// CooldownMS is the base backoff applied on a rate-limit response.
	CooldownMS int `yaml:"cooldown_ms"`

	// MaxCooldownMS caps the backoff regardless of what the server asked.
	MaxCooldownMS int `yaml:"max_cooldown_ms"`
}

// MinInterval returns the pacing interval as a duration.
func (b BucketEntry) MinInterval() time.Duration {
	return time.Duration(b.MinIntervalMS) * time.Millisecond
}

// Cooldown returns the base cooldown as a duration.
func (b BucketEntry) Cooldown() time.Duration {
	return time.Duration(b.CooldownMS) * time.Millisecond
}

// MaxCooldown returns the cooldown cap as a duration.
func (b BucketEntry) MaxCooldown() time.Duration {
	return time.Duration(b.MaxCooldownMS) * time.Millisecond
}

// WorkersConfig tunes the three re-analysis workers.
type WorkersConfig struct {
	Turn     WorkerEntry         `yaml:"turn"`
	Semantic SemanticWorkerEntry `yaml:"semantic"`
	Event    WorkerEntry         `yaml:"event"`
}

// WorkerEntry is one worker's tuning. Out-of-range values are clamped by
// [Config.Normalize]: window_size to [4,256], interval_ms to [0,30000].
type WorkerEntry struct {
	// WindowSize is the number of fragments offered to the model per pass.
	WindowSize int `yaml:"window_size"`

	// IntervalMS is the debounce before a queued pass starts.
	IntervalMS int `yaml:"interval_ms"`
}

// Interval returns the debounce as a duration.
func (w WorkerEntry) Interval() time.Duration {
	return time.Duration(w.IntervalMS) * time.Millisecond
}

// SemanticWorkerEntry extends [WorkerEntry] with the finality policy.
type SemanticWorkerEntry struct {
	WorkerEntry `yaml:",inline"`

	// RequireFinal skips a target fragment until the recognizer marks it
	// final.
	RequireFinal bool `yaml:"require_final"`
}

// Clamp bounds applied by [Config.Normalize].
const (
	minConcurrency  = 1
	maxConcurrency  = 64
	maxIntervalMS   = 60000
	minCooldownMS   = 100
	maxMaxCooldown  = 300000
	minWindowSize   = 4
	maxWindowSize   = 256
	maxWorkerPaceMS = 30000
)

// Default returns the configuration used when a field is absent.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Scheduler: SchedulerConfig{
			Global:  BucketEntry{Concurrency: 8, MinIntervalMS: 100, CooldownMS: 1000, MaxCooldownMS: 60000},
			Default: BucketEntry{Concurrency: 2, MinIntervalMS: 250, CooldownMS: 1000, MaxCooldownMS: 60000},
		},
		Workers: WorkersConfig{
			Turn:     WorkerEntry{WindowSize: 32, IntervalMS: 500},
			Semantic: SemanticWorkerEntry{WorkerEntry: WorkerEntry{WindowSize: 8, IntervalMS: 500}},
			Event:    WorkerEntry{WindowSize: 16, IntervalMS: 1000},
		},
	}
}
