package model

import "context"

// StreamItem is one element of a response stream: either a UTF-8 JSON chunk
// or a terminal error. Exactly one field is set.
type StreamItem struct {
	Chunk []byte
	Err   error
}

// EventStream is the bidirectional model stream as seen by the session
// layer: serialized request events go in via Send, response chunks and the
// terminal error come out via Events. Implementations close the Events
// channel when the stream ends.
type EventStream interface {
	// Send writes one serialized request event to the model. It blocks
	// until the SDK accepts the event or ctx is cancelled.
	Send(ctx context.Context, event []byte) error

	// Events returns the response channel. It is closed after the last
	// item; a terminal stream error is delivered as the final item.
	Events() <-chan StreamItem

	// Close releases the underlying stream. Safe to call more than once.
	Close() error
}
