package config_test

import (
	"testing"

	"github.com/7788ken/scribeflow/internal/config"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM = config.ProviderEntry{Name: "openai", Model: "gpt-4o"}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.SchedulerChanged || d.WorkersChanged || d.RestartRequired {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change should not require restart")
	}
}

func TestDiff_SchedulerGlobal(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Scheduler.Global.Concurrency = 4

	d := config.Diff(old, new)
	if !d.SchedulerChanged {
		t.Error("SchedulerChanged should be true")
	}
}

func TestDiff_SchedulerBucketAdded(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Scheduler.Buckets = map[string]config.BucketEntry{
		"turn-segmentation": {Concurrency: 1, CooldownMS: 1000, MaxCooldownMS: 60000},
	}

	d := config.Diff(old, new)
	if !d.SchedulerChanged {
		t.Error("adding a bucket should set SchedulerChanged")
	}
}

func TestDiff_SchedulerBucketModified(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	old.Scheduler.Buckets = map[string]config.BucketEntry{
		"semantic-analysis": {Concurrency: 2, CooldownMS: 1000, MaxCooldownMS: 60000},
	}
	new := baseConfig()
	new.Scheduler.Buckets = map[string]config.BucketEntry{
		"semantic-analysis": {Concurrency: 3, CooldownMS: 1000, MaxCooldownMS: 60000},
	}

	d := config.Diff(old, new)
	if !d.SchedulerChanged {
		t.Error("modified bucket should set SchedulerChanged")
	}
}

func TestDiff_Workers(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Workers.Semantic.RequireFinal = true

	d := config.Diff(old, new)
	if !d.WorkersChanged {
		t.Error("WorkersChanged should be true")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"listen_addr", func(c *config.Config) { c.Server.ListenAddr = ":9999" }},
		{"llm model", func(c *config.Config) { c.LLM.Model = "gpt-4o-mini" }},
		{"storage dsn", func(c *config.Config) { c.Storage.PostgresDSN = "postgres://other" }},
		{"diagnostics path", func(c *config.Config) { c.Diagnostics.Path = "/tmp/d.db" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			new := baseConfig()
			tc.mutate(new)

			d := config.Diff(old, new)
			if !d.RestartRequired {
				t.Errorf("%s change should require restart", tc.name)
			}
		})
	}
}
