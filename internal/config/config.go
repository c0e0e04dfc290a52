// Package config provides the configuration schema, loader, and hot-reload
// watcher for the sonicbridge server.
//
// Keys fall into two classes: a critical subset fixed at startup (ports,
// region, model id, auth token) and a safe-to-reload subset (log level,
// observability toggles, health thresholds) applied by the [Watcher] without
// a restart.
package config

import "time"

// LogLevel controls log verbosity for the bridge server.
type LogLevel string

const (
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogError, LogWarn, LogInfo, LogDebug:
		return true
	}
	return false
}

// Config is the root configuration structure for sonicbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Twilio        TwilioConfig        `yaml:"twilio"`
	Bedrock       BedrockConfig       `yaml:"bedrock"`
	Inference     InferenceConfig     `yaml:"inference"`
	Audio         AudioConfig         `yaml:"audio"`
	BufferPool    BufferPoolConfig    `yaml:"buffer_pool"`
	Logging       LoggingConfig       `yaml:"logging"`
	HealthCheck   HealthCheckConfig   `yaml:"health_check"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network settings. Critical subset: changes require a
// restart.
type ServerConfig struct {
	// Port is the TCP port the HTTP/WebSocket server listens on.
	Port int `yaml:"port"`

	// TimeoutMs bounds a single HTTP request.
	TimeoutMs int `yaml:"timeout_ms"`

	// MaxConcurrentStreams caps concurrently admitted media streams.
	MaxConcurrentStreams int `yaml:"max_concurrent_streams"`
}

// TwilioConfig holds carrier-side settings.
type TwilioConfig struct {
	// AuthToken validates carrier webhooks. Required, at least 32 chars.
	AuthToken string `yaml:"auth_token"`
}

// BedrockConfig holds model-RPC settings. Region and ModelID are critical.
type BedrockConfig struct {
	Region            string `yaml:"region"`
	ModelID           string `yaml:"model_id"`
	RequestTimeoutMs  int    `yaml:"request_timeout_ms"`
	SessionTimeoutMs  int    `yaml:"session_timeout_ms"`
	MaxAudioQueueSize int    `yaml:"max_audio_queue_size"`
}

// InferenceConfig holds model sampling parameters sent in sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `yaml:"max_tokens"`
	TopP        float64 `yaml:"top_p"`
	Temperature float64 `yaml:"temperature"`
}

// AudioConfig tunes the jitter buffer and outbound framer.
type AudioConfig struct {
	// FrameSize is the outbound carrier frame size in μ-law bytes.
	FrameSize int `yaml:"frame_size"`

	// IntervalMs is the outbound frame pacing interval.
	IntervalMs int `yaml:"interval_ms"`

	// MaxBufferMs caps buffered outbound audio; older bytes are dropped.
	MaxBufferMs int `yaml:"max_buffer_ms"`

	// BufferedAmountThreshold is the socket buffered-byte level above
	// which the send pump backs off.
	BufferedAmountThreshold int `yaml:"buffered_amount_threshold"`
}

// BufferPoolConfig sizes the shared byte-buffer pool.
type BufferPoolConfig struct {
	InitialSize             int     `yaml:"initial_size"`
	MaxSize                 int     `yaml:"max_size"`
	MemoryPressureThreshold float64 `yaml:"memory_pressure_threshold"`
}

// LoggingConfig is hot-reloadable.
type LoggingConfig struct {
	Level LogLevel `yaml:"level"`
}

// HealthCheckConfig is hot-reloadable.
type HealthCheckConfig struct {
	// StaleSessionTimeoutMs is how long an idle session survives before
	// the registry sweep removes it.
	StaleSessionTimeoutMs int `yaml:"stale_session_timeout_ms"`
}

// ObservabilityConfig toggles metric export. Hot-reloadable.
type ObservabilityConfig struct {
	MetricsEnabled   bool    `yaml:"metrics_enabled"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                 8080,
			TimeoutMs:            300000,
			MaxConcurrentStreams: 20,
		},
		Bedrock: BedrockConfig{
			Region:            "us-east-1",
			ModelID:           "amazon.nova-sonic-v1:0",
			RequestTimeoutMs:  300000,
			SessionTimeoutMs:  300000,
			MaxAudioQueueSize: 200,
		},
		Inference: InferenceConfig{
			MaxTokens:   1024,
			TopP:        0.9,
			Temperature: 0.7,
		},
		Audio: AudioConfig{
			FrameSize:               160,
			IntervalMs:              20,
			MaxBufferMs:             200,
			BufferedAmountThreshold: 32768,
		},
		BufferPool: BufferPoolConfig{
			InitialSize:             10,
			MaxSize:                 50,
			MemoryPressureThreshold: 0.8,
		},
		Logging: LoggingConfig{
			Level: LogInfo,
		},
		HealthCheck: HealthCheckConfig{
			StaleSessionTimeoutMs: 1800000,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled:   true,
			TraceSampleRatio: 1.0,
		},
	}
}

// Timeout returns the HTTP request timeout as a duration. Media-stream
// connections are hijacked at upgrade and are not bounded by it.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// RequestTimeout returns the per-RPC timeout as a duration.
func (b BedrockConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutMs) * time.Millisecond
}

// SessionTimeout returns the idle session timeout as a duration.
func (b BedrockConfig) SessionTimeout() time.Duration {
	return time.Duration(b.SessionTimeoutMs) * time.Millisecond
}

// Interval returns the outbound frame pacing interval as a duration.
func (a AudioConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}

// MaxBufferBytes converts MaxBufferMs into μ-law bytes at 8 kHz (1 byte per
// sample).
func (a AudioConfig) MaxBufferBytes() int {
	return a.MaxBufferMs * 8
}

// StaleSessionTimeout returns the registry sweep threshold as a duration.
func (h HealthCheckConfig) StaleSessionTimeout() time.Duration {
	return time.Duration(h.StaleSessionTimeoutMs) * time.Millisecond
}
