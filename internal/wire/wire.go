// Package wire defines the carrier's application-level WebSocket messages:
// the inbound start/media/stop/mark frames parsed by the bridge and the
// outbound media/mark frames built by the jitter framer. All messages are
// UTF-8 JSON.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Inbound event names used by the carrier.
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventMark  = "mark"
)

// Message is a parsed carrier frame. Exactly one of the payload fields is
// set, matching Event. StreamSID and SequenceNumber are only present on
// server-built frames.
type Message struct {
	Event          string        `json:"event"`
	StreamSID      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload carries the call and stream identifiers of a new media
// stream.
type StartPayload struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

// MediaPayload carries one base64-encoded μ-law audio chunk.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// MarkPayload names a synchronization point.
type MarkPayload struct {
	Name string `json:"name"`
}

// Parse decodes an inbound carrier frame.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: parse carrier frame: %w", err)
	}
	if m.Event == "" {
		return nil, fmt.Errorf("wire: carrier frame missing event field")
	}
	return &m, nil
}

// outboundMedia is the server→client media frame.
type outboundMedia struct {
	Event          string       `json:"event"`
	StreamSID      string       `json:"streamSid"`
	SequenceNumber string       `json:"sequenceNumber"`
	Media          MediaPayload `json:"media"`
}

// outboundMark is the server→client mark frame.
type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

// BuildMedia encodes an outbound media frame carrying one μ-law audio frame.
// The sequence number is rendered as a decimal string per the carrier
// protocol.
func BuildMedia(streamSID string, seq uint64, frame []byte) ([]byte, error) {
	msg := outboundMedia{
		Event:          EventMedia,
		StreamSID:      streamSID,
		SequenceNumber: strconv.FormatUint(seq, 10),
		Media:          MediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: build media frame: %w", err)
	}
	return out, nil
}

// BuildMark encodes an outbound mark frame.
func BuildMark(streamSID, name string) ([]byte, error) {
	msg := outboundMark{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      MarkPayload{Name: name},
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: build mark frame: %w", err)
	}
	return out, nil
}
