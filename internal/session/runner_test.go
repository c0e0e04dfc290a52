package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/sonicbridge/internal/model"
)

// fakeStream is a scripted model stream: it records everything sent and
// replays a canned list of response items.
type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	items   chan model.StreamItem
	closed  bool
	sendErr error
}

func newFakeStream(items ...model.StreamItem) *fakeStream {
	ch := make(chan model.StreamItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return &fakeStream{items: ch}
}

func (f *fakeStream) Send(_ context.Context, event []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), event...))
	return nil
}

func (f *fakeStream) Events() <-chan model.StreamItem { return f.items }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeStream) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func runSession(t *testing.T, s *Session, stream model.EventStream) {
	t.Helper()
	r := NewRunner(NewDispatcher(nil), 0, nil)
	s.Start()
	s.Close("test")
	if err := r.Run(context.Background(), s, stream); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunnerWritesSessionEvents(t *testing.T) {
	s := New("CAtest", testInference)
	stream := newFakeStream()
	runSession(t, s, stream)

	// Writer drains asynchronously; wait for the full opening and closing
	// sequence to land.
	deadline := time.Now().Add(time.Second)
	for stream.sentCount() < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := stream.sentCount(); got != 6 {
		t.Fatalf("sent %d events, want 6", got)
	}
}

func TestRunnerDispatchesKnownEvents(t *testing.T) {
	s := New("CAtest", testInference)
	var got []string
	s.RegisterAnyHandler(func(data any) {})
	s.RegisterHandler(model.EventTextOutput, func(data any) {
		got = append(got, data.(map[string]any)["content"].(string))
	})

	stream := newFakeStream(
		model.StreamItem{Chunk: []byte(`{"event":{"textOutput":{"content":"hello"}}}`)},
		model.StreamItem{Chunk: []byte(`{"event":{"textOutput":{"content":"world"}}}`)},
	)
	runSession(t, s, stream)

	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Errorf("textOutput contents = %v", got)
	}
}

// A modelStreamErrorException chunk reaches both the typed error handler and
// the any handler with {type, details}, and the natural end of the response
// stream is followed by streamComplete.
func TestRunnerSurfacesModelError(t *testing.T) {
	s := New("CAtest", testInference)

	var typedEvents, anyEvents []Event
	s.RegisterHandler(model.EventError, func(data any) {
		typedEvents = append(typedEvents, Event{Type: model.EventError, Data: data})
	})
	var anyMu sync.Mutex
	s.RegisterAnyHandler(func(data any) {
		anyMu.Lock()
		anyEvents = append(anyEvents, Event{Data: data})
		anyMu.Unlock()
	})

	var complete bool
	s.RegisterHandler(model.EventStreamComplete, func(data any) {
		complete = true
		if _, ok := data.(map[string]any)["timestamp"]; !ok {
			t.Error("streamComplete missing timestamp")
		}
	})

	stream := newFakeStream(
		model.StreamItem{Chunk: []byte(`{"modelStreamErrorException":{"message":"boom"}}`)},
	)
	runSession(t, s, stream)

	if len(typedEvents) != 1 {
		t.Fatalf("typed error handler called %d times, want 1", len(typedEvents))
	}
	errData := typedEvents[0].Data.(map[string]any)
	if errData["type"] != model.ErrModelStream {
		t.Errorf("type = %v, want modelStreamErrorException", errData["type"])
	}
	details := errData["details"].(map[string]any)
	if details["message"] != "boom" {
		t.Errorf("details = %v", details)
	}

	anyMu.Lock()
	anySaw := len(anyEvents)
	anyMu.Unlock()
	if anySaw < 2 { // error plus streamComplete
		t.Errorf("any handler saw %d events, want at least 2", anySaw)
	}
	if !complete {
		t.Error("streamComplete never dispatched")
	}
}

func TestRunnerSkipsUnparseableChunks(t *testing.T) {
	s := New("CAtest", testInference)
	var texts int
	s.RegisterHandler(model.EventTextOutput, func(any) { texts++ })

	stream := newFakeStream(
		model.StreamItem{Chunk: []byte(`garbage`)},
		model.StreamItem{Chunk: []byte(`{"event":{"textOutput":{"content":"ok"}}}`)},
	)
	runSession(t, s, stream)

	if texts != 1 {
		t.Errorf("textOutput dispatched %d times, want 1", texts)
	}
}

func TestRunnerDispatchesCustomEvents(t *testing.T) {
	s := New("CAtest", testInference)
	var customData any
	s.RegisterHandler(model.EventCustom, func(data any) { customData = data })

	stream := newFakeStream(
		model.StreamItem{Chunk: []byte(`{"event":{"somethingNew":{"x":1}}}`)},
	)
	runSession(t, s, stream)

	obj, ok := customData.(map[string]any)
	if !ok || obj["x"] != float64(1) {
		t.Errorf("custom payload = %v, want passthrough object", customData)
	}
}

// A failing send must not stall the session's event reader: the writer
// keeps draining the sequence so close is always observed, and the stream
// is still shut once the session ends.
func TestRunnerDrainsEventsAfterSendFailure(t *testing.T) {
	s := New("CAtest", testInference, WithQueueSize(64))
	stream := newFakeStream()
	stream.sendErr = errors.New("broken pipe")

	r := NewRunner(NewDispatcher(nil), 0, nil)
	s.Start()
	// Well past the event channel's buffer so a stalled reader would block.
	for i := 0; i < 40; i++ {
		s.EnqueueAudio("AAAA")
	}
	if err := r.Run(context.Background(), s, stream); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.Close("test")

	deadline := time.Now().Add(2 * time.Second)
	for !stream.wasClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !stream.wasClosed() {
		t.Fatal("writer never finished draining after send failure")
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

// completionStart and completionEnd from the model move the session between
// the streaming and awaiting sub-states without blocking audio input.
func TestRunnerTracksCompletionState(t *testing.T) {
	s := New("CAtest", testInference)
	items := make(chan model.StreamItem, 2)
	stream := &fakeStream{items: items}

	r := NewRunner(NewDispatcher(nil), 0, nil)
	s.Start()
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), s, stream) }()

	items <- model.StreamItem{Chunk: []byte(`{"event":{"completionStart":{"promptName":"p"}}}`)}
	waitForState(t, s, StateAwaitingCompletion)

	// Caller interjections keep flowing while the model responds.
	s.EnqueueAudio("AAAA")
	deadline := time.Now().Add(2 * time.Second)
	for stream.sentCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := stream.sentCount(); got < 4 {
		t.Fatalf("sent %d events, want opening sequence plus audioInput", got)
	}

	items <- model.StreamItem{Chunk: []byte(`{"event":{"completionEnd":{"promptName":"p"}}}`)}
	waitForState(t, s, StateStreamingAudio)

	close(items)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.Close("test")
}

func TestRunnerTerminalStreamError(t *testing.T) {
	s := New("CAtest", testInference)
	var errTypes []string
	s.RegisterHandler(model.EventError, func(data any) {
		errTypes = append(errTypes, data.(map[string]any)["type"].(string))
	})

	stream := newFakeStream(model.StreamItem{Err: context.DeadlineExceeded})
	runSession(t, s, stream)

	if len(errTypes) != 1 || errTypes[0] != model.ErrModelStream {
		t.Errorf("error types = %v, want one modelStreamErrorException", errTypes)
	}
}
