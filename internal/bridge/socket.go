// Package bridge terminates the carrier's WebSocket media streams: it
// validates and upgrades connections, parses the carrier wire protocol, and
// glues each call to a session, its pipelines and its jitter buffer.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// sendTimeout bounds a single outbound frame write.
const sendTimeout = 5 * time.Second

// Socket wraps one carrier WebSocket connection with the state the framer
// needs: liveness, the stream identifier from the start frame, and an
// approximation of unflushed outbound bytes. Implements [jitter.Socket].
type Socket struct {
	conn *websocket.Conn

	open     atomic.Bool
	buffered atomic.Int64

	mu        sync.Mutex
	streamSID string
}

// NewSocket wraps an accepted connection.
func NewSocket(conn *websocket.Conn) *Socket {
	s := &Socket{conn: conn}
	s.open.Store(true)
	return s
}

// Open implements [jitter.Socket].
func (s *Socket) Open() bool {
	return s.open.Load()
}

// StreamSID implements [jitter.Socket].
func (s *Socket) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// SetStreamSID records the stream identifier from the start frame.
func (s *Socket) SetStreamSID(sid string) {
	s.mu.Lock()
	s.streamSID = sid
	s.mu.Unlock()
}

// BufferedBytes implements [jitter.Socket]. It reports bytes handed to
// in-flight writes that have not completed yet.
func (s *Socket) BufferedBytes() int {
	return int(s.buffered.Load())
}

// Send implements [jitter.Socket]. Writes are text frames per the carrier
// protocol.
func (s *Socket) Send(msg []byte) error {
	if !s.open.Load() {
		return fmt.Errorf("bridge: send on closed socket")
	}
	s.buffered.Add(int64(len(msg)))
	defer s.buffered.Add(-int64(len(msg)))

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("bridge: write frame: %w", err)
	}
	return nil
}

// Close marks the socket closed and shuts the connection down once.
func (s *Socket) Close(reason string) {
	if s.open.CompareAndSwap(true, false) {
		s.conn.Close(websocket.StatusNormalClosure, reason)
	}
}
