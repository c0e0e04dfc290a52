package config

import (
	"strings"
	"testing"
)

const validYAML = `
twilio:
  auth_token: "0123456789abcdef0123456789abcdef"
`

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.MaxConcurrentStreams != 20 {
		t.Errorf("max_concurrent_streams = %d, want 20", cfg.Server.MaxConcurrentStreams)
	}
	if cfg.Bedrock.ModelID != "amazon.nova-sonic-v1:0" {
		t.Errorf("model_id = %q", cfg.Bedrock.ModelID)
	}
	if cfg.Bedrock.MaxAudioQueueSize != 200 {
		t.Errorf("max_audio_queue_size = %d, want 200", cfg.Bedrock.MaxAudioQueueSize)
	}
	if cfg.Audio.FrameSize != 160 || cfg.Audio.IntervalMs != 20 {
		t.Errorf("audio = %+v, want 160-byte frames at 20 ms", cfg.Audio)
	}
	if cfg.Audio.MaxBufferBytes() != 1600 {
		t.Errorf("MaxBufferBytes = %d, want 1600", cfg.Audio.MaxBufferBytes())
	}
	if cfg.Inference.MaxTokens != 1024 || cfg.Inference.TopP != 0.9 || cfg.Inference.Temperature != 0.7 {
		t.Errorf("inference = %+v", cfg.Inference)
	}
	if cfg.Logging.Level != LogInfo {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadFromReader_Overrides(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML + `
server:
  port: 9000
audio:
  interval_ms: 10
  max_buffer_ms: 100
logging:
  level: debug
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Audio.IntervalMs != 10 || cfg.Audio.MaxBufferMs != 100 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Logging.Level != LogDebug {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestValidate_MissingAuthToken(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for missing auth token")
	}
	if !strings.Contains(err.Error(), "auth_token") {
		t.Errorf("err = %v, want auth_token complaint", err)
	}
}

func TestValidate_ShortAuthToken(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
twilio:
  auth_token: "tooshort"
`))
	if err == nil || !strings.Contains(err.Error(), "32 characters") {
		t.Errorf("err = %v, want length complaint", err)
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server:
  port: -1
inference:
  top_p: 3
`))
	if err == nil {
		t.Fatal("expected joined validation errors")
	}
	for _, frag := range []string{"server.port", "top_p", "auth_token"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("err %v missing fragment %q", err, frag)
		}
	}
}

func TestValidate_UnknownKeyRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(validYAML + `
bogus_section:
  x: 1
`))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(validYAML + `
logging:
  level: verbose
`))
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("err = %v, want logging.level complaint", err)
	}
}
