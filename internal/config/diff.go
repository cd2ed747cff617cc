package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else collapses into RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SchedulerChanged is true if any bucket limit, pacing interval, or
	// cooldown setting differs.
	SchedulerChanged bool

	// WorkersChanged is true if any worker window size, debounce interval,
	// or the semantic require_final flag differs.
	WorkersChanged bool

	// RestartRequired is true if a change was detected that cannot be
	// applied to a running process (listen address, provider, storage).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if schedulerChanged(&old.Scheduler, &new.Scheduler) {
		d.SchedulerChanged = true
	}

	if old.Workers != new.Workers {
		d.WorkersChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.LLM != new.LLM ||
		old.Storage != new.Storage ||
		old.Diagnostics != new.Diagnostics {
		d.RestartRequired = true
	}

	return d
}

// schedulerChanged compares the global cap, default bucket, and every named
// bucket entry of two scheduler configs.
func schedulerChanged(old, new *SchedulerConfig) bool {
	if old.Global != new.Global || old.Default != new.Default {
		return true
	}
	if len(old.Buckets) != len(new.Buckets) {
		return true
	}
	for name, oldEntry := range old.Buckets {
		newEntry, ok := new.Buckets[name]
		if !ok || oldEntry != newEntry {
			return true
		}
	}
	return false
}
