package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral",
	"groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated,
// normalized [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills absent fields from
// [Default], clamps out-of-range values, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize clamps out-of-range tuning values to their documented bounds,
// logging each adjustment. Missing worker and bucket tunings fall back to
// the defaults.
func (c *Config) Normalize() {
	def := Default()
	c.Scheduler.Global = clampBucket("scheduler.global", c.Scheduler.Global, def.Scheduler.Global)
	c.Scheduler.Default = clampBucket("scheduler.default", c.Scheduler.Default, def.Scheduler.Default)
	for name, b := range c.Scheduler.Buckets {
		c.Scheduler.Buckets[name] = clampBucket("scheduler.buckets."+name, b, c.Scheduler.Default)
	}

	c.Workers.Turn = clampWorker("workers.turn", c.Workers.Turn, def.Workers.Turn)
	c.Workers.Semantic.WorkerEntry = clampWorker("workers.semantic", c.Workers.Semantic.WorkerEntry, def.Workers.Semantic.WorkerEntry)
	c.Workers.Event = clampWorker("workers.event", c.Workers.Event, def.Workers.Event)
}

func clampBucket(path string, b, def BucketEntry) BucketEntry {
	if b == (BucketEntry{}) {
		return def
	}
	b.Concurrency = clampInt(path+".concurrency", b.Concurrency, minConcurrency, maxConcurrency)
	b.MinIntervalMS = clampInt(path+".min_interval_ms", b.MinIntervalMS, 0, maxIntervalMS)
	b.MaxCooldownMS = clampInt(path+".max_cooldown_ms", b.MaxCooldownMS, minCooldownMS, maxMaxCooldown)
	b.CooldownMS = clampInt(path+".cooldown_ms", b.CooldownMS, minCooldownMS, b.MaxCooldownMS)
	return b
}

func clampWorker(path string, w, def WorkerEntry) WorkerEntry {
	if w == (WorkerEntry{}) {
		return def
	}
	w.WindowSize = clampInt(path+".window_size", w.WindowSize, minWindowSize, maxWindowSize)
	w.IntervalMS = clampInt(path+".interval_ms", w.IntervalMS, 0, maxWorkerPaceMS)
	return w
}

func clampInt(path string, v, lo, hi int) int {
	switch {
	case v < lo:
		slog.Warn("config value below minimum, clamped", "field", path, "value", v, "min", lo)
		return lo
	case v > hi:
		slog.Warn("config value above maximum, clamped", "field", path, "value", v, "max", hi)
		return hi
	}
	return v
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	validateProviderName(cfg.LLM.Name)
	if cfg.LLM.Name == "" {
		errs = append(errs, errors.New("llm.name is required; the workers cannot run without a model backend"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}

	for name := range cfg.Scheduler.Buckets {
		if name == "" {
			errs = append(errs, errors.New("scheduler.buckets contains an empty bucket name"))
		}
	}

	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; using in-memory stores, results are lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown llm provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
