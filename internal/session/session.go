// Package session owns the per-call state machine bridging one carrier
// socket to one model stream: the bounded inbound event queue feeding the
// model, the broadcast subject and handler table consuming its responses,
// and the registry tracking every live call.
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sonicbridge/internal/model"
)

// State tracks a session through its lifecycle.
type State int

const (
	StateCreated State = iota
	StateSendingPromptStart
	StateStreamingAudio
	StateAwaitingCompletion
	StateClosing
	StateClosed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSendingPromptStart:
		return "sending_prompt_start"
	case StateStreamingAudio:
		return "streaming_audio"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Active reports whether the session is in any of the Active sub-states.
func (s State) Active() bool {
	return s >= StateSendingPromptStart && s <= StateAwaitingCompletion
}

// HandlerFunc consumes one dispatched model event payload.
type HandlerFunc func(data any)

// Event is one item published on a session's broadcast subject.
type Event struct {
	Type string
	Data any
}

// defaultQueueSize bounds the inbound event queue when no override is given.
const defaultQueueSize = 200

// Session is the end-to-end context of one call. All mutation goes through
// its mutex; the queue decouples producers (carrier reader, lifecycle) from
// the single model writer draining [Session.Events].
type Session struct {
	// ID is the carrier call identifier the session is keyed on.
	ID string

	// PromptID and ContentID name the prompt and audio content block on
	// the model stream, fixed for the session's lifetime.
	PromptID  string
	ContentID string

	// Inference carries the sampling parameters for sessionStart and
	// promptStart.
	Inference model.InferenceConfig

	mu       sync.Mutex
	state    State
	queue    []any
	maxQueue int
	dropped  uint64

	promptStartSent  bool
	contentStartSent bool

	handlers   map[string]HandlerFunc
	anyHandler HandlerFunc

	subscribers []chan Event

	lastActivity time.Time

	// queueSignal wakes the reader without blocking the producer; capacity
	// one collapses bursts into a single wakeup.
	queueSignal chan struct{}
	closeSignal chan struct{}
	closeOnce   sync.Once

	eventsOnce sync.Once
	events     chan []byte

	log *slog.Logger
}

// Option configures a [Session].
type Option func(*Session)

// WithQueueSize overrides the inbound queue bound.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxQueue = n
		}
	}
}

// WithLogger overrides the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a session for the given call id.
func New(id string, inf model.InferenceConfig, opts ...Option) *Session {
	s := &Session{
		ID:           id,
		PromptID:     uuid.NewString(),
		ContentID:    uuid.NewString(),
		Inference:    inf,
		state:        StateCreated,
		maxQueue:     defaultQueueSize,
		handlers:     make(map[string]HandlerFunc),
		lastActivity: time.Now(),
		queueSignal:  make(chan struct{}, 1),
		closeSignal:  make(chan struct{}),
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session", id)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records activity so the registry sweep keeps the session alive.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent touch time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Start transitions Created to Active and enqueues the opening event
// sequence: sessionStart, promptStart and contentStart. It is a no-op when
// already started or closing.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return
	}
	s.state = StateSendingPromptStart
	s.enqueueLocked(model.SessionStartEvent(s.Inference))
	if !s.promptStartSent {
		s.enqueueLocked(model.PromptStartEvent(s.PromptID, s.Inference))
		s.promptStartSent = true
	}
	if !s.contentStartSent {
		s.enqueueLocked(model.ContentStartEvent(s.PromptID, s.ContentID))
		s.contentStartSent = true
	}
	s.state = StateStreamingAudio
	s.lastActivity = time.Now()
}

// EnqueueAudio queues one base64 PCM16LE chunk for the model. Audio arriving
// before Start or after close is dropped; audio during a pending model
// completion still flows so the caller can interject.
func (s *Session) EnqueueAudio(contentB64 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() || !s.promptStartSent || !s.contentStartSent {
		s.log.Debug("dropping audio outside active state", "state", s.state.String())
		return
	}
	s.enqueueLocked(model.AudioInputEvent(s.PromptID, s.ContentID, contentB64))
	s.lastActivity = time.Now()
}

// BeginCompletion records that the model owes a response turn, entering the
// awaiting sub-state. No-op outside plain audio streaming.
func (s *Session) BeginCompletion() {
	s.mu.Lock()
	if s.state == StateStreamingAudio {
		s.state = StateAwaitingCompletion
	}
	s.mu.Unlock()
}

// EndCompletion returns the session to plain audio streaming once the model
// turn finished.
func (s *Session) EndCompletion() {
	s.mu.Lock()
	if s.state == StateAwaitingCompletion {
		s.state = StateStreamingAudio
	}
	s.mu.Unlock()
}

// Enqueue queues an arbitrary pre-built model event.
func (s *Session) Enqueue(ev any) {
	s.mu.Lock()
	s.enqueueLocked(ev)
	s.mu.Unlock()
}

// enqueueLocked appends ev, dropping the oldest queued event when the bound
// is reached, then signals the reader.
func (s *Session) enqueueLocked(ev any) {
	if s.state == StateClosed {
		return
	}
	if len(s.queue) >= s.maxQueue {
		s.queue = s.queue[1:]
		s.dropped++
		s.log.Warn("inbound event queue full, dropped oldest", "dropped_total", s.dropped)
	}
	s.queue = append(s.queue, ev)
	select {
	case s.queueSignal <- struct{}{}:
	default:
	}
}

// DroppedEvents returns how many queued events were dropped to overruns.
func (s *Session) DroppedEvents() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Events returns the serialized event sequence destined for the model
// stream. The first call starts the reader; the channel closes once the
// session is closed and the queue drained. Events that fail to serialize
// are replaced by a synthetic error event so the sequence never aborts.
func (s *Session) Events() <-chan []byte {
	s.eventsOnce.Do(func() {
		s.events = make(chan []byte, 16)
		go s.readLoop()
	})
	return s.events
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		select {
		case <-s.queueSignal:
			s.drain()
		case <-s.closeSignal:
			// Final drain picks up the closing events enqueued by Close.
			s.drain()
			return
		}
	}
}

func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("event serialization failed", "error", err)
			data, _ = json.Marshal(model.ErrorEvent(err.Error()))
		}
		s.events <- data
	}
}

// RegisterHandler installs the handler for one event type, replacing any
// previous one.
func (s *Session) RegisterHandler(eventType string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[eventType] = fn
	s.mu.Unlock()
}

// RegisterAnyHandler installs the catch-all handler invoked after the typed
// handler for every dispatched event.
func (s *Session) RegisterAnyHandler(fn HandlerFunc) {
	s.mu.Lock()
	s.anyHandler = fn
	s.mu.Unlock()
}

func (s *Session) handlersFor(eventType string) (typed, any HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[eventType], s.anyHandler
}

// Subscribe returns a channel observing every dispatched event in order.
// Slow subscribers lose events rather than blocking dispatch.
func (s *Session) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// publish fans ev out to all subscribers without blocking.
func (s *Session) publish(ev Event) {
	s.mu.Lock()
	subs := s.subscribers
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.log.Debug("subscriber lagging, event dropped", "type", ev.Type)
		}
	}
}

// Closed returns a channel closed when the session begins closing.
func (s *Session) Closed() <-chan struct{} {
	return s.closeSignal
}

// Close transitions the session to Closing, enqueues the closing event
// sequence best-effort (contentEnd, promptEnd, sessionEnd) and fires the
// close signal exactly once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		if s.contentStartSent {
			s.enqueueLocked(model.ContentEndEvent(s.PromptID, s.ContentID))
		}
		if s.promptStartSent {
			s.enqueueLocked(model.PromptEndEvent(s.PromptID))
		}
		s.enqueueLocked(model.SessionEndEvent())
		s.mu.Unlock()

		s.log.Info("session closing", "reason", reason)
		close(s.closeSignal)
	})
}

// finish releases the subject and handler table after close. Called by the
// registry on Remove.
func (s *Session) finish() {
	s.Close("removed")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.handlers = make(map[string]HandlerFunc)
	s.anyHandler = nil
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}
