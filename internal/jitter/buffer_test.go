package jitter

import (
	"strconv"
	"testing"
	"time"

	"github.com/MrWong99/sonicbridge/internal/wire"
	"github.com/MrWong99/sonicbridge/pkg/bufpool"
)

// fakeSocket records every sent frame and lets tests flip state and
// buffered-amount between ticks.
type fakeSocket struct {
	open      bool
	streamSID string
	buffered  int
	sent      []*wire.Message
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{open: true, streamSID: "MZ" + "0123456789abcdef0123456789abcdef"}
}

func (f *fakeSocket) Open() bool         { return f.open }
func (f *fakeSocket) StreamSID() string  { return f.streamSID }
func (f *fakeSocket) BufferedBytes() int { return f.buffered }

func (f *fakeSocket) Send(msg []byte) error {
	m, err := wire.Parse(msg)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSocket) mediaFrames() []*wire.Message {
	var out []*wire.Message
	for _, m := range f.sent {
		if m.Event == wire.EventMedia {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSocket) marks() []*wire.Message {
	var out []*wire.Message
	for _, m := range f.sent {
		if m.Event == wire.EventMark {
			out = append(out, m)
		}
	}
	return out
}

type countingObserver struct {
	overruns, underruns, queueOverruns int
	timerDelays, backpressureSkips     int
	framesSent, frameErrors            int
}

func (o *countingObserver) BufferOverrun(float64)    { o.overruns++ }
func (o *countingObserver) BufferUnderrun(float64)   { o.underruns++ }
func (o *countingObserver) QueueOverrun()            { o.queueOverruns++ }
func (o *countingObserver) TimerDelay(time.Duration) { o.timerDelays++ }
func (o *countingObserver) BackpressureSkip()        { o.backpressureSkips++ }
func (o *countingObserver) FrameSent(time.Duration)  { o.framesSent++ }
func (o *countingObserver) FrameError()              { o.frameErrors++ }

func newTestBuffer(t *testing.T, sock Socket, obs Observer) *Buffer {
	t.Helper()
	pool := bufpool.New(bufpool.Config{})
	opts := []Option{WithManualTicks()}
	if obs != nil {
		opts = append(opts, WithObserver(obs))
	}
	return New(Config{}, sock, pool, opts...)
}

func muLawBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// Two full frames added at once come out as sequence "1" at the first tick
// and "2" at the second; the third tick sends no media and emits the
// completion mark.
func TestStreamBufferTiming(t *testing.T) {
	sock := newFakeSocket()
	b := newTestBuffer(t, sock, nil)
	start := time.Now()

	b.StreamBuffer(muLawBytes(320))

	b.Tick(start.Add(20 * time.Millisecond))
	frames := sock.mediaFrames()
	if len(frames) != 1 {
		t.Fatalf("after first tick: %d media frames, want 1", len(frames))
	}
	if frames[0].SequenceNumber != "1" {
		t.Errorf("first frame seq = %q, want \"1\"", frames[0].SequenceNumber)
	}

	b.Tick(start.Add(40 * time.Millisecond))
	frames = sock.mediaFrames()
	if len(frames) != 2 {
		t.Fatalf("after second tick: %d media frames, want 2", len(frames))
	}
	if frames[1].SequenceNumber != "2" {
		t.Errorf("second frame seq = %q, want \"2\"", frames[1].SequenceNumber)
	}

	b.Tick(start.Add(60 * time.Millisecond))
	if got := len(sock.mediaFrames()); got != 2 {
		t.Errorf("after third tick: %d media frames, want 2", got)
	}
	marks := sock.marks()
	if len(marks) != 1 {
		t.Fatalf("marks = %d, want 1", len(marks))
	}
	if name := marks[0].Mark.Name; len(name) < len("bedrock_out_") || name[:12] != "bedrock_out_" {
		t.Errorf("mark name = %q, want bedrock_out_<ts>", name)
	}
	if b.Active() {
		t.Error("buffer still active after drain")
	}
}

// With the socket over the backpressure threshold nothing is sent; the
// frame stays queued and goes out on the next tick once pressure clears.
func TestBackpressureLeavesFrameQueued(t *testing.T) {
	sock := newFakeSocket()
	sock.buffered = 100000
	obs := &countingObserver{}
	b := New(Config{BackpressureThreshold: 65536}, sock,
		bufpool.New(bufpool.Config{}), WithManualTicks(), WithObserver(obs))
	start := time.Now()

	b.AddAudio(muLawBytes(160))
	b.Tick(start.Add(20 * time.Millisecond))
	if got := len(sock.mediaFrames()); got != 0 {
		t.Fatalf("frames sent under backpressure = %d, want 0", got)
	}
	if obs.backpressureSkips != 1 {
		t.Errorf("backpressure skips = %d, want 1", obs.backpressureSkips)
	}

	sock.buffered = 1000
	b.Tick(start.Add(40 * time.Millisecond))
	if got := len(sock.mediaFrames()); got != 1 {
		t.Errorf("frames after pressure cleared = %d, want 1", got)
	}
}

// A closed socket stops the timer; no further frames and no mark.
func TestClosedSocketStopsWithoutMark(t *testing.T) {
	sock := newFakeSocket()
	b := newTestBuffer(t, sock, nil)
	start := time.Now()

	b.AddAudio(muLawBytes(480))
	b.Tick(start.Add(20 * time.Millisecond))
	if got := len(sock.mediaFrames()); got != 1 {
		t.Fatalf("frames after first tick = %d, want 1", got)
	}

	sock.open = false
	b.Tick(start.Add(40 * time.Millisecond))
	if got := len(sock.mediaFrames()); got != 1 {
		t.Errorf("frames after close = %d, want 1", got)
	}
	if len(sock.marks()) != 0 {
		t.Error("mark sent to closed socket")
	}
	if b.Active() {
		t.Error("buffer still active after socket close")
	}
}

// Frame counts follow floor(T/frameSize) before flush and ceil(T/frameSize)
// after, with the final frame padded to full size.
func TestFrameCountsAroundFlush(t *testing.T) {
	for _, total := range []int{0, 100, 160, 250, 480, 500} {
		sock := newFakeSocket()
		b := newTestBuffer(t, sock, nil)
		now := time.Now()

		b.AddAudio(muLawBytes(total))
		for i := 0; i < 12; i++ {
			now = now.Add(20 * time.Millisecond)
			b.Tick(now)
		}
		if got, want := len(sock.mediaFrames()), total/160; got != want {
			t.Errorf("total=%d: frames before flush = %d, want %d", total, got, want)
		}

		b.Flush()
		want := (total + 159) / 160
		if got := len(sock.mediaFrames()); got != want {
			t.Errorf("total=%d: frames after flush = %d, want %d", total, got, want)
		}
		for _, m := range sock.mediaFrames() {
			if m.Media == nil || len(m.Media.Payload) == 0 {
				t.Fatalf("total=%d: frame missing payload", total)
			}
		}
	}
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	sock := newFakeSocket()
	b := newTestBuffer(t, sock, nil)
	now := time.Now()

	for i := 0; i < 8; i++ {
		b.AddAudio(muLawBytes(160))
		now = now.Add(20 * time.Millisecond)
		b.Tick(now)
	}

	frames := sock.mediaFrames()
	if len(frames) != 8 {
		t.Fatalf("frames = %d, want 8", len(frames))
	}
	for i, m := range frames {
		seq, err := strconv.Atoi(m.SequenceNumber)
		if err != nil || seq != i+1 {
			t.Errorf("frame %d seq = %q, want %d", i, m.SequenceNumber, i+1)
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	sock := newFakeSocket()
	obs := &countingObserver{}
	b := New(Config{MaxBufferBytes: 320}, sock,
		bufpool.New(bufpool.Config{}), WithManualTicks(), WithObserver(obs))

	b.AddAudio(muLawBytes(320))
	b.AddAudio(muLawBytes(160)) // 480 > 320, oldest 160 dropped

	if obs.overruns != 1 {
		t.Errorf("overruns = %d, want 1", obs.overruns)
	}
	if got := b.Buffered(); got != 320 {
		t.Errorf("buffered = %d, want 320", got)
	}
}

func TestUnderrunObserved(t *testing.T) {
	sock := newFakeSocket()
	obs := &countingObserver{}
	b := New(Config{MaxBufferBytes: 1600}, sock,
		bufpool.New(bufpool.Config{}), WithManualTicks(), WithObserver(obs))

	b.AddAudio(muLawBytes(100)) // below frame size, level 100/1600 < 10%
	b.Tick(time.Now())
	if obs.underruns != 1 {
		t.Errorf("underruns = %d, want 1", obs.underruns)
	}
}

func TestTimerDelayObserved(t *testing.T) {
	sock := newFakeSocket()
	obs := &countingObserver{}
	b := New(Config{}, sock, bufpool.New(bufpool.Config{}),
		WithManualTicks(), WithObserver(obs))
	start := time.Now()

	b.AddAudio(muLawBytes(320))
	b.Tick(start)
	b.Tick(start.Add(40 * time.Millisecond)) // 20 ms late
	if obs.timerDelays != 1 {
		t.Errorf("timer delays = %d, want 1", obs.timerDelays)
	}
}

func TestMarkSentAtMostOnce(t *testing.T) {
	sock := newFakeSocket()
	b := newTestBuffer(t, sock, nil)

	b.AddAudio(muLawBytes(160))
	b.Flush()
	b.Stop("again")
	if got := len(sock.marks()); got != 1 {
		t.Errorf("marks = %d, want 1", got)
	}
}

func TestNoMarkWithoutStreamSID(t *testing.T) {
	sock := newFakeSocket()
	sock.streamSID = ""
	b := newTestBuffer(t, sock, nil)

	b.AddAudio(muLawBytes(160))
	b.Flush()
	if len(sock.marks()) != 0 {
		t.Error("mark sent without stream identifier")
	}
}

func TestRingWrapAround(t *testing.T) {
	sock := newFakeSocket()
	b := newTestBuffer(t, sock, nil)
	now := time.Now()

	// Push ~100 KiB through in frame-size steps so the 32 KiB ring wraps
	// several times while draining.
	for i := 0; i < 640; i++ {
		b.AddAudio(muLawBytes(160))
		now = now.Add(20 * time.Millisecond)
		b.Tick(now)
	}
	if got := len(sock.mediaFrames()); got != 640 {
		t.Errorf("frames = %d, want 640", got)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	sock := newFakeSocket()
	sock.buffered = 1 << 20 // pump blocked by backpressure
	b := New(Config{BackpressureThreshold: 32768}, sock,
		bufpool.New(bufpool.Config{}), WithManualTicks())
	now := time.Now()

	b.AddAudio(muLawBytes(320))
	b.Tick(now.Add(20 * time.Millisecond))
	if len(sock.mediaFrames()) != 0 {
		t.Fatal("frame escaped under backpressure")
	}

	sock.buffered = 0
	b.Stop("teardown")
	if got := len(sock.mediaFrames()); got != 1 {
		t.Errorf("frames after stop = %d, want 1", got)
	}
	if len(sock.marks()) != 1 {
		t.Error("stop did not send completion mark")
	}
}
