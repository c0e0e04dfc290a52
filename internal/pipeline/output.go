package pipeline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/sonicbridge/pkg/audio"
)

// ErrMissingPayload is returned when an audio-output event carries no
// base64 payload under any recognized alias.
var ErrMissingPayload = errors.New("pipeline: audio output event missing payload")

// carrierSampleRate is the μ-law rate the carrier expects.
const carrierSampleRate = 8000

// payloadAliases are the keys an audio payload may hide under, checked in
// order.
var payloadAliases = []string{"content", "payload", "chunk", "data"}

// muLawMarkers identify μ-law media types by substring.
var muLawMarkers = []string{"mulaw", "ulaw", "g.711", "g711"}

// AudioSink consumes normalized 8 kHz μ-law audio. Satisfied by
// [jitter.Buffer].
type AudioSink interface {
	AddAudio(data []byte)
}

// Output normalizes model audio-output events down to 8 kHz μ-law and hands
// the result to the jitter buffer.
type Output struct {
	sink AudioSink
	log  *slog.Logger
}

// NewOutput creates the outbound pipeline writing into sink.
func NewOutput(sink AudioSink, log *slog.Logger) *Output {
	if log == nil {
		log = slog.Default()
	}
	return &Output{sink: sink, log: log}
}

// Process extracts, transcodes and forwards the audio of one audioOutput
// event payload. Errors are returned for observability but the stream is
// never torn down over them.
func (p *Output) Process(payload any) error {
	b64, mediaType, rate, err := extract(payload)
	if err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("pipeline: decode audio payload: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	rate = audio.ClampRate(rate)
	isMuLaw := muLawMediaType(mediaType)

	var mu []byte
	switch {
	case isMuLaw && rate == carrierSampleRate:
		mu = data
	case isMuLaw:
		pcm := audio.MuLawToPCM16(data)
		mu = audio.PCM16ToMuLaw(audio.Downsample(pcm, rate, carrierSampleRate))
	default:
		if len(data)%2 != 0 {
			data = data[:len(data)-1]
		}
		mu = audio.PCM16ToMuLaw(audio.Downsample(data, rate, carrierSampleRate))
	}

	p.sink.AddAudio(mu)
	return nil
}

// extract pulls the base64 payload, media type and sample rate out of an
// audio-output event payload, tolerating the field aliases the model uses.
func extract(payload any) (b64, mediaType string, rate int, err error) {
	rate = 24000

	switch v := payload.(type) {
	case string:
		return v, "", rate, nil
	case map[string]any:
		for _, key := range payloadAliases {
			if s, ok := v[key].(string); ok && s != "" {
				b64 = s
				break
			}
		}
		if b64 == "" {
			return "", "", 0, ErrMissingPayload
		}
		for _, key := range []string{"mediaType", "media_type", "encoding"} {
			if s, ok := v[key].(string); ok && s != "" {
				mediaType = s
				break
			}
		}
		for _, key := range []string{"sampleRateHz", "sample_rate_hz"} {
			if f, ok := v[key].(float64); ok {
				rate = int(f)
				break
			}
		}
		return b64, mediaType, rate, nil
	default:
		return "", "", 0, ErrMissingPayload
	}
}

// muLawMediaType reports whether mediaType names a μ-law encoding.
func muLawMediaType(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	for _, marker := range muLawMarkers {
		if strings.Contains(mt, marker) {
			return true
		}
	}
	return false
}
