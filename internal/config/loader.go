package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// minAuthTokenLen is the minimum accepted carrier auth token length.
const minAuthTokenLen = 32

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills unset fields with
// defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.MaxConcurrentStreams <= 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_streams must be positive"))
	}

	if cfg.Twilio.AuthToken == "" {
		errs = append(errs, fmt.Errorf("twilio.auth_token is required"))
	} else if len(cfg.Twilio.AuthToken) < minAuthTokenLen {
		errs = append(errs, fmt.Errorf("twilio.auth_token must be at least %d characters", minAuthTokenLen))
	}

	if cfg.Bedrock.Region == "" {
		errs = append(errs, fmt.Errorf("bedrock.region must not be empty"))
	}
	if cfg.Bedrock.ModelID == "" {
		errs = append(errs, fmt.Errorf("bedrock.model_id must not be empty"))
	}
	if cfg.Bedrock.MaxAudioQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("bedrock.max_audio_queue_size must be positive"))
	}

	if cfg.Inference.TopP <= 0 || cfg.Inference.TopP > 1 {
		errs = append(errs, fmt.Errorf("inference.top_p %v must be in (0, 1]", cfg.Inference.TopP))
	}
	if cfg.Inference.Temperature < 0 || cfg.Inference.Temperature > 2 {
		errs = append(errs, fmt.Errorf("inference.temperature %v must be in [0, 2]", cfg.Inference.Temperature))
	}
	if cfg.Inference.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("inference.max_tokens must be positive"))
	}

	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size must be positive"))
	}
	if cfg.Audio.IntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.interval_ms must be positive"))
	}
	if cfg.Audio.MaxBufferMs < cfg.Audio.IntervalMs {
		errs = append(errs, fmt.Errorf("audio.max_buffer_ms %d must be at least interval_ms %d",
			cfg.Audio.MaxBufferMs, cfg.Audio.IntervalMs))
	}

	if t := cfg.BufferPool.MemoryPressureThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("buffer_pool.memory_pressure_threshold %v must be in (0, 1]", t))
	}

	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: error, warn, info, debug", cfg.Logging.Level))
	}

	if cfg.HealthCheck.StaleSessionTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("health_check.stale_session_timeout_ms must be positive"))
	}

	return errors.Join(errs...)
}
