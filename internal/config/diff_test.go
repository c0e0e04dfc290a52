package config

import "testing"

func TestComputeDiff_NoChanges(t *testing.T) {
	old, new := Default(), Default()
	d := ComputeDiff(old, new)
	if d.Safe() || d.CriticalChanged {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestComputeDiff_SafeSubset(t *testing.T) {
	old, new := Default(), Default()
	new.Logging.Level = LogDebug
	new.HealthCheck.StaleSessionTimeoutMs = 60000
	new.Observability.MetricsEnabled = false

	d := ComputeDiff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.StaleSessionTimeoutChanged || d.NewStaleSessionTimeoutMs != 60000 {
		t.Errorf("stale timeout diff = %+v", d)
	}
	if !d.MetricsEnabledChanged || d.NewMetricsEnabled {
		t.Errorf("metrics diff = %+v", d)
	}
	if d.CriticalChanged {
		t.Error("safe-subset change flagged as critical")
	}
}

func TestComputeDiff_CriticalSubset(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"port":    func(c *Config) { c.Server.Port = 9999 },
		"region":  func(c *Config) { c.Bedrock.Region = "eu-west-1" },
		"modelID": func(c *Config) { c.Bedrock.ModelID = "other" },
		"token":   func(c *Config) { c.Twilio.AuthToken = "changed-changed-changed-changed!" },
	} {
		old, new := Default(), Default()
		mutate(new)
		if d := ComputeDiff(old, new); !d.CriticalChanged {
			t.Errorf("%s change not flagged as critical", name)
		}
	}
}
