// Package jitter absorbs variable-size model audio chunks into a byte ring
// and releases fixed 160-byte carrier frames at fixed 20 ms intervals
// through a bounded send queue with backpressure awareness.
package jitter

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/MrWong99/sonicbridge/internal/wire"
	"github.com/MrWong99/sonicbridge/pkg/bufpool"
)

// Socket is the outbound side of the carrier connection as seen by the
// framer. Implemented by the bridge socket; faked in tests.
type Socket interface {
	// Open reports whether the socket accepts sends.
	Open() bool
	// StreamSID returns the carrier stream identifier, or "" when unknown.
	StreamSID() string
	// BufferedBytes returns the transport's unflushed byte count.
	BufferedBytes() int
	// Send writes one outbound frame.
	Send(msg []byte) error
}

// Observer receives quality observations from the buffer and framer.
// Satisfied by [observe.MetricsSink].
type Observer interface {
	BufferOverrun(level float64)
	BufferUnderrun(level float64)
	QueueOverrun()
	TimerDelay(d time.Duration)
	BackpressureSkip()
	FrameSent(queueLatency time.Duration)
	FrameError()
}

type nopObserver struct{}

func (nopObserver) BufferOverrun(float64)    {}
func (nopObserver) BufferUnderrun(float64)   {}
func (nopObserver) QueueOverrun()            {}
func (nopObserver) TimerDelay(time.Duration) {}
func (nopObserver) BackpressureSkip()        {}
func (nopObserver) FrameSent(time.Duration)  {}
func (nopObserver) FrameError()              {}

const (
	defaultFrameSize      = 160
	defaultInterval       = 20 * time.Millisecond
	defaultMaxBufferBytes = 1600 // 200 ms at 8 kHz μ-law

	// minRingBytes floors the ring so tiny maxBuffer settings still leave
	// headroom for bursty writers.
	minRingBytes = 32 * 1024

	maxSendQueue  = 10
	pumpBatchSize = 3

	tickTolerance    = 5 * time.Millisecond
	latencyTolerance = 10 * time.Millisecond
	underrunLevel    = 0.10
)

// Config sizes a [Buffer].
type Config struct {
	// FrameSize is the outbound frame length in bytes. Default: 160.
	FrameSize int
	// Interval is the nominal frame spacing. Default: 20ms.
	Interval time.Duration
	// MaxBufferBytes bounds the buffered audio before drop-oldest kicks
	// in. Default: 1600 (200 ms).
	MaxBufferBytes int
	// BackpressureThreshold pauses the pump while the socket reports more
	// buffered bytes than this. Default: 32768.
	BackpressureThreshold int
}

func (c *Config) withDefaults() {
	if c.FrameSize <= 0 {
		c.FrameSize = defaultFrameSize
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = defaultMaxBufferBytes
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = 32768
	}
}

type queueItem struct {
	msg        []byte
	seq        uint64
	enqueuedAt time.Time
}

// Buffer is the per-session jitter buffer and outbound framer. AddAudio is
// called by the output pipeline; the timer drives framing and the pump.
type Buffer struct {
	cfg  Config
	sock Socket
	pool *bufpool.Pool
	obs  Observer
	log  *slog.Logger

	mu       sync.Mutex
	ring     []byte
	readPos  int
	writePos int
	dataLen  int

	seq       uint64
	sendQueue []queueItem

	active          bool
	markSent        bool
	completeOnDrain bool
	lastTick        time.Time

	manualTicks bool
	stopTimer   chan struct{}

	now func() time.Time
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithObserver installs a quality observer.
func WithObserver(obs Observer) Option {
	return func(b *Buffer) {
		if obs != nil {
			b.obs = obs
		}
	}
}

// WithLogger overrides the buffer logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Buffer) {
		if log != nil {
			b.log = log
		}
	}
}

// WithManualTicks disables the internal timer so tests drive ticks
// explicitly through [Buffer.Tick].
func WithManualTicks() Option {
	return func(b *Buffer) {
		b.manualTicks = true
	}
}

// New creates a buffer framing onto sock, drawing frame buffers from pool.
func New(cfg Config, sock Socket, pool *bufpool.Pool, opts ...Option) *Buffer {
	cfg.withDefaults()
	ringSize := 4 * cfg.MaxBufferBytes
	if ringSize < minRingBytes {
		ringSize = minRingBytes
	}
	b := &Buffer{
		cfg:  cfg,
		sock: sock,
		pool: pool,
		obs:  nopObserver{},
		log:  slog.Default(),
		ring: make([]byte, ringSize),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddAudio appends μ-law bytes to the ring, dropping the oldest buffered
// audio on overflow, and starts the frame timer on first use.
func (b *Buffer) AddAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		b.active = true
		b.lastTick = time.Time{}
		if !b.manualTicks {
			b.stopTimer = make(chan struct{})
			go b.runTimer(b.stopTimer)
		}
	}

	incoming := data
	if len(incoming) > b.cfg.MaxBufferBytes {
		// Only the newest window can survive anyway.
		incoming = incoming[len(incoming)-b.cfg.MaxBufferBytes:]
	}

	if b.dataLen+len(incoming) > b.cfg.MaxBufferBytes {
		level := float64(b.dataLen) / float64(b.cfg.MaxBufferBytes)
		drop := b.dataLen + len(incoming) - b.cfg.MaxBufferBytes
		if drop > b.dataLen {
			drop = b.dataLen
		}
		b.readPos = (b.readPos + drop) % len(b.ring)
		b.dataLen -= drop
		b.obs.BufferOverrun(level)
		b.log.Warn("jitter buffer overrun, dropped oldest audio",
			"dropped_bytes", drop, "level", fmt.Sprintf("%.2f", level))
	}

	// Write honoring wrap-around: at most two copies.
	n := copy(b.ring[b.writePos:], incoming)
	if n < len(incoming) {
		copy(b.ring, incoming[n:])
	}
	b.writePos = (b.writePos + len(incoming)) % len(b.ring)
	b.dataLen += len(incoming)
}

// StreamBuffer adds a complete utterance and arranges for the completion
// mark once every frame has been framed and sent.
func (b *Buffer) StreamBuffer(data []byte) {
	b.AddAudio(data)
	b.mu.Lock()
	b.completeOnDrain = true
	b.mu.Unlock()
}

func (b *Buffer) runTimer(stop chan struct{}) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.Tick(b.now())
		}
	}
}

// Tick runs one framer turn: timer-skew accounting, socket liveness check,
// framing of at most one frame, then a pump batch.
func (b *Buffer) Tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}

	if !b.lastTick.IsZero() {
		if delay := now.Sub(b.lastTick) - b.cfg.Interval; delay > tickTolerance {
			b.obs.TimerDelay(delay)
			b.log.Debug("frame timer delayed", "delay", delay)
		}
	}
	b.lastTick = now

	if !b.sock.Open() {
		b.stopLocked("socket closed")
		return
	}

	b.frameLocked(now)
	b.pumpLocked(now)
}

// frameLocked moves one frame from the ring onto the send queue, or pads
// and completes a draining buffer.
func (b *Buffer) frameLocked(now time.Time) {
	if b.dataLen >= b.cfg.FrameSize {
		frame := b.pool.Acquire(b.cfg.FrameSize)
		b.readLocked(frame)
		b.enqueueLocked(frame, now)
		b.pool.Release(frame)
		return
	}

	if b.completeOnDrain {
		if b.dataLen > 0 {
			// Final partial frame, padded with μ-law silence.
			frame := b.pool.Acquire(b.cfg.FrameSize)
			n := b.dataLen
			b.readLocked(frame[:n])
			for i := n; i < len(frame); i++ {
				frame[i] = 0xFF
			}
			b.enqueueLocked(frame, now)
			b.pool.Release(frame)
			return
		}
		if len(b.sendQueue) == 0 {
			b.sendMarkLocked()
			b.stopLocked("buffer drained")
		}
		return
	}

	if b.dataLen > 0 {
		if level := float64(b.dataLen) / float64(b.cfg.MaxBufferBytes); level < underrunLevel {
			b.obs.BufferUnderrun(level)
		}
	}
}

// readLocked copies the oldest len(dst) bytes out of the ring.
func (b *Buffer) readLocked(dst []byte) {
	n := copy(dst, b.ring[b.readPos:])
	if n < len(dst) {
		copy(dst[n:], b.ring)
	}
	b.readPos = (b.readPos + len(dst)) % len(b.ring)
	b.dataLen -= len(dst)
}

// enqueueLocked builds the media message for frame and pushes it onto the
// bounded send queue, dropping the oldest record when full.
func (b *Buffer) enqueueLocked(frame []byte, now time.Time) {
	b.seq++
	msg, err := wire.BuildMedia(b.sock.StreamSID(), b.seq, frame)
	if err != nil {
		b.log.Error("building media frame failed", "error", err)
		b.obs.FrameError()
		return
	}
	if len(b.sendQueue) >= maxSendQueue {
		b.sendQueue = b.sendQueue[1:]
		b.obs.QueueOverrun()
		b.log.Warn("send queue full, dropped oldest frame")
	}
	b.sendQueue = append(b.sendQueue, queueItem{msg: msg, seq: b.seq, enqueuedAt: now})
}

// pumpLocked sends up to pumpBatchSize queued records, honoring socket
// backpressure, and reschedules itself while records remain.
func (b *Buffer) pumpLocked(now time.Time) {
	for i := 0; i < pumpBatchSize && len(b.sendQueue) > 0; i++ {
		if !b.sock.Open() {
			return
		}
		if b.sock.BufferedBytes() > b.cfg.BackpressureThreshold {
			b.obs.BackpressureSkip()
			b.log.Debug("socket backpressure, frames left queued",
				"buffered", b.sock.BufferedBytes(), "queued", len(b.sendQueue))
			return
		}

		item := b.sendQueue[0]
		b.sendQueue = b.sendQueue[1:]

		latency := now.Sub(item.enqueuedAt)
		if latency > latencyTolerance {
			b.log.Debug("send queue latency high", "latency", latency, "seq", item.seq)
		}
		if err := b.sock.Send(item.msg); err != nil {
			b.obs.FrameError()
			b.log.Warn("frame send failed", "seq", item.seq, "error", err)
			continue
		}
		b.obs.FrameSent(latency)
	}

	if len(b.sendQueue) > 0 && !b.manualTicks {
		go func() {
			runtime.Gosched()
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.active {
				b.pumpLocked(b.now())
			}
		}()
	}
}

// Flush synchronously emits every buffered frame, padding the final partial
// frame with μ-law silence, then sends the completion mark and stops.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	for b.dataLen > 0 {
		frame := b.pool.Acquire(b.cfg.FrameSize)
		if b.dataLen >= b.cfg.FrameSize {
			b.readLocked(frame)
		} else {
			n := b.dataLen
			b.readLocked(frame[:n])
			for i := n; i < len(frame); i++ {
				frame[i] = 0xFF
			}
		}
		b.enqueueLocked(frame, now)
		b.pool.Release(frame)
		b.drainQueueLocked(now)
	}
	b.drainQueueLocked(now)
	b.sendMarkLocked()
	b.stopLocked("flushed")
}

// drainQueueLocked sends everything queued regardless of batch size.
func (b *Buffer) drainQueueLocked(now time.Time) {
	for len(b.sendQueue) > 0 {
		if !b.sock.Open() {
			b.sendQueue = nil
			return
		}
		item := b.sendQueue[0]
		b.sendQueue = b.sendQueue[1:]
		if err := b.sock.Send(item.msg); err != nil {
			b.obs.FrameError()
			b.log.Warn("frame send failed during flush", "seq", item.seq, "error", err)
			continue
		}
		b.obs.FrameSent(now.Sub(item.enqueuedAt))
	}
}

// Stop clears the timer, drains the send queue, sends the completion mark
// when the socket still accepts it, and marks the buffer inactive.
func (b *Buffer) Stop(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}
	b.drainQueueLocked(b.now())
	b.sendMarkLocked()
	b.stopLocked(reason)
}

// stopLocked releases the timer and zeroes the ring state.
func (b *Buffer) stopLocked(reason string) {
	if !b.active {
		return
	}
	b.active = false
	if b.stopTimer != nil {
		close(b.stopTimer)
		b.stopTimer = nil
	}
	b.sendQueue = nil
	b.readPos, b.writePos, b.dataLen = 0, 0, 0
	b.completeOnDrain = false
	b.log.Debug("jitter buffer stopped", "reason", reason, "frames_sent", b.seq)
}

// sendMarkLocked emits the completion mark at most once per lifecycle, and
// only to an open socket with a known stream identifier.
func (b *Buffer) sendMarkLocked() {
	if b.markSent || !b.sock.Open() || b.sock.StreamSID() == "" {
		return
	}
	name := fmt.Sprintf("bedrock_out_%d", b.now().UnixMilli())
	msg, err := wire.BuildMark(b.sock.StreamSID(), name)
	if err != nil {
		b.log.Error("building mark frame failed", "error", err)
		return
	}
	if err := b.sock.Send(msg); err != nil {
		b.log.Warn("mark send failed", "error", err)
		return
	}
	b.markSent = true
}

// Active reports whether the timer lifecycle is running.
func (b *Buffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Buffered returns the currently buffered byte count.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dataLen
}
