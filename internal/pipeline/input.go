// Package pipeline converts between the carrier's 8 kHz μ-law frames and
// the model's PCM16 formats: inbound decode and upsample to 16 kHz, and
// outbound normalization, downsample and μ-law encode into the jitter
// buffer.
package pipeline

import (
	"encoding/base64"
	"log/slog"

	"github.com/MrWong99/sonicbridge/internal/session"
	"github.com/MrWong99/sonicbridge/pkg/audio"
)

// modelSampleRate is the PCM rate the model ingests.
const modelSampleRate = 16000

// minInputBytes pads short chunks up to 10 ms at 16 kHz PCM16.
const minInputBytes = 320

// Input decodes carrier media payloads and feeds them to a session as
// audioInput events.
type Input struct {
	sess *session.Session
	log  *slog.Logger
}

// NewInput creates the inbound pipeline for sess.
func NewInput(sess *session.Session, log *slog.Logger) *Input {
	if log == nil {
		log = slog.Default()
	}
	return &Input{sess: sess, log: log.With("session", sess.ID)}
}

// Process converts one base64 μ-law payload to 16 kHz PCM16 and enqueues it.
// Conversion never fails on arbitrary input; undecodable base64 is dropped.
func (p *Input) Process(payloadB64 string) {
	mu, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		p.log.Warn("dropping undecodable media payload", "error", err)
		return
	}
	if len(mu) == 0 {
		return
	}

	pcm := audio.Upsample8kTo16k(audio.MuLawToPCM16(mu))
	if len(pcm) < minInputBytes {
		padded := make([]byte, minInputBytes)
		copy(padded, pcm)
		pcm = padded
	}

	p.sess.EnqueueAudio(base64.StdEncoding.EncodeToString(pcm))
}

// Convert runs the bare codec path, 8 kHz μ-law in to 16 kHz PCM16 out,
// without padding or session delivery.
func Convert(mu []byte) []byte {
	return audio.Upsample8kTo16k(audio.MuLawToPCM16(mu))
}
