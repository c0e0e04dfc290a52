package config

// Diffs describes what changed between two configs, split into the
// safe-to-reload subset (applied live by the watcher callback) and a flag
// for critical keys that require a restart.
type Diffs struct {
	// --- safe-to-reload subset ---

	LogLevelChanged bool
	NewLogLevel     LogLevel

	StaleSessionTimeoutChanged bool
	NewStaleSessionTimeoutMs   int

	MetricsEnabledChanged bool
	NewMetricsEnabled     bool

	TraceSampleRatioChanged bool
	NewTraceSampleRatio     float64

	// --- critical subset (restart required) ---

	// CriticalChanged is set when any of port, region, model id, or auth
	// token differ between old and new.
	CriticalChanged bool
}

// Safe reports whether any hot-reloadable key changed.
func (d Diffs) Safe() bool {
	return d.LogLevelChanged || d.StaleSessionTimeoutChanged ||
		d.MetricsEnabledChanged || d.TraceSampleRatioChanged
}

// ComputeDiff compares old and new configs and returns what changed.
func ComputeDiff(old, new *Config) Diffs {
	d := Diffs{}

	if old.Logging.Level != new.Logging.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Logging.Level
	}
	if old.HealthCheck.StaleSessionTimeoutMs != new.HealthCheck.StaleSessionTimeoutMs {
		d.StaleSessionTimeoutChanged = true
		d.NewStaleSessionTimeoutMs = new.HealthCheck.StaleSessionTimeoutMs
	}
	if old.Observability.MetricsEnabled != new.Observability.MetricsEnabled {
		d.MetricsEnabledChanged = true
		d.NewMetricsEnabled = new.Observability.MetricsEnabled
	}
	if old.Observability.TraceSampleRatio != new.Observability.TraceSampleRatio {
		d.TraceSampleRatioChanged = true
		d.NewTraceSampleRatio = new.Observability.TraceSampleRatio
	}

	if old.Server.Port != new.Server.Port ||
		old.Bedrock.Region != new.Bedrock.Region ||
		old.Bedrock.ModelID != new.Bedrock.ModelID ||
		old.Twilio.AuthToken != new.Twilio.AuthToken {
		d.CriticalChanged = true
	}

	return d
}
