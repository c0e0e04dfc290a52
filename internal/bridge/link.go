package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/sonicbridge/internal/jitter"
	"github.com/MrWong99/sonicbridge/internal/model"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/internal/pipeline"
	"github.com/MrWong99/sonicbridge/internal/session"
	"github.com/MrWong99/sonicbridge/internal/wire"
	"github.com/MrWong99/sonicbridge/pkg/bufpool"
)

// StreamStarter opens one model stream per call. Satisfied by
// [model.Client]; faked in tests.
type StreamStarter interface {
	Start(ctx context.Context) (model.EventStream, error)
}

// Config carries the per-call wiring parameters of the link.
type Config struct {
	// Inference is passed to every session.
	Inference model.InferenceConfig
	// Jitter sizes each call's jitter buffer.
	Jitter jitter.Config
	// MaxConcurrentStreams caps admitted media streams. Default: 20.
	MaxConcurrentStreams int64
}

// Handler is the carrier link: it upgrades validated WebSocket connections
// and runs the per-call bridge loop.
type Handler struct {
	cfg       Config
	registry  *session.Registry
	validator *Validator
	streams   StreamStarter
	pool      *bufpool.Pool
	runner    *session.Runner
	obs       jitter.Observer

	// usage, when set, receives the token total of every usageEvent.
	usage func(tokens int64)

	// events, when set, observes every dispatched model event type.
	events func(eventType string)

	// sessions, when set, receives +1 on call setup and -1 on teardown.
	sessions func(delta int64)

	sem *semaphore.Weighted
	log *slog.Logger
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithObserver installs the jitter quality observer for every call.
func WithObserver(obs jitter.Observer) HandlerOption {
	return func(h *Handler) {
		if obs != nil {
			h.obs = obs
		}
	}
}

// WithUsageRecorder installs the usageEvent token sink.
func WithUsageRecorder(fn func(tokens int64)) HandlerOption {
	return func(h *Handler) {
		h.usage = fn
	}
}

// WithModelEventRecorder installs a sink observing every dispatched model
// event type, fed from the session's broadcast subject.
func WithModelEventRecorder(fn func(eventType string)) HandlerOption {
	return func(h *Handler) {
		h.events = fn
	}
}

// WithSessionGauge installs the live-session gauge delta sink.
func WithSessionGauge(fn func(delta int64)) HandlerOption {
	return func(h *Handler) {
		h.sessions = fn
	}
}

// WithHandlerLogger overrides the handler logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandler wires the carrier link.
func NewHandler(cfg Config, registry *session.Registry, validator *Validator,
	streams StreamStarter, pool *bufpool.Pool, runner *session.Runner,
	opts ...HandlerOption) *Handler {
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = 20
	}
	h := &Handler{
		cfg:       cfg,
		registry:  registry,
		validator: validator,
		streams:   streams,
		pool:      pool,
		runner:    runner,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentStreams),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP validates, admits and upgrades one media-stream connection,
// then runs its read loop until the carrier hangs up.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.validator.ValidateConn(r); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		h.log.Warn("connection rejected", "remote", r.RemoteAddr, "reason", err)
		http.Error(w, err.Error(), status)
		return
	}

	if !h.sem.TryAcquire(1) {
		h.log.Warn("connection rejected, stream cap reached", "remote", r.RemoteAddr)
		http.Error(w, "too many concurrent streams", http.StatusServiceUnavailable)
		return
	}
	defer h.sem.Release(1)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, span := observe.StartSpan(r.Context(), "bridge.media_stream")
	defer span.End()

	sock := NewSocket(conn)
	h.serve(ctx, sock)
}

// call is the per-connection bridge state established by the start frame.
type call struct {
	sess  *session.Session
	jb    *jitter.Buffer
	input *pipeline.Input
}

func (h *Handler) serve(ctx context.Context, sock *Socket) {
	var c *call
	defer func() {
		h.teardown(c, "socket closed")
		sock.Close("session ended")
	}()

	for {
		_, data, err := sock.conn.Read(ctx)
		if err != nil {
			// Carrier hangup is normal teardown, not an error.
			h.log.Debug("carrier socket read ended", "error", err)
			return
		}

		msg, err := wire.Parse(data)
		if err != nil {
			h.log.Warn("dropping unparseable carrier frame", "error", err)
			continue
		}

		switch msg.Event {
		case wire.EventStart:
			if c != nil {
				h.log.Warn("duplicate start frame ignored", "session", c.sess.ID)
				continue
			}
			c = h.handleStart(ctx, sock, msg.Start)
			if c == nil {
				return
			}
		case wire.EventMedia:
			if c == nil || msg.Media == nil {
				continue
			}
			c.input.Process(msg.Media.Payload)
			h.registry.Touch(c.sess.ID)
		case wire.EventStop:
			h.teardown(c, "carrier stop")
			c = nil
			return
		default:
			h.log.Debug("ignoring carrier frame", "event", msg.Event)
		}
	}
}

// handleStart validates the start frame and assembles the session, jitter
// buffer, pipelines and model stream for this call.
func (h *Handler) handleStart(ctx context.Context, sock *Socket, start *wire.StartPayload) *call {
	if start == nil {
		h.log.Warn("start frame without payload")
		return nil
	}
	if err := h.validator.ValidateStart(start.CallSID); err != nil {
		h.log.Warn("start frame rejected", "callSid", start.CallSID, "error", err)
		return nil
	}

	sess, err := h.registry.Create(start.CallSID, h.cfg.Inference)
	if err != nil {
		h.log.Warn("session create failed", "callSid", start.CallSID, "error", err)
		return nil
	}
	sock.SetStreamSID(start.StreamSID)
	if h.events != nil {
		sub := sess.Subscribe()
		go func() {
			for ev := range sub {
				h.events(ev.Type)
			}
		}()
	}

	var jbOpts []jitter.Option
	if h.obs != nil {
		jbOpts = append(jbOpts, jitter.WithObserver(h.obs))
	}
	jb := jitter.New(h.cfg.Jitter, sock, h.pool, jbOpts...)
	out := pipeline.NewOutput(jb, h.log)
	in := pipeline.NewInput(sess, h.log)

	log := h.log.With("session", sess.ID)
	sess.RegisterHandler(model.EventAudioOutput, func(data any) {
		if err := out.Process(data); err != nil {
			log.Warn("audio output dropped", "error", err)
		}
	})
	sess.RegisterHandler(model.EventError, func(data any) {
		log.Error("model error event", "data", data)
	})
	sess.RegisterHandler(model.EventStreamComplete, func(any) {
		jb.Flush()
	})
	if h.usage != nil {
		sess.RegisterHandler(model.EventUsage, func(data any) {
			if obj, ok := data.(map[string]any); ok {
				if total, ok := obj["totalTokens"].(float64); ok {
					h.usage(int64(total))
				}
			}
		})
	}

	sess.Start()

	stream, err := h.streams.Start(ctx)
	if err != nil {
		log.Error("model stream start failed", "error", err)
		sess.Close("model unavailable")
		h.registry.MarkForCleanup(sess.ID)
		return nil
	}
	// Gauge increments only once the call is fully established; teardown
	// is the sole matching decrement.
	if h.sessions != nil {
		h.sessions(1)
	}
	go func() {
		if err := h.runner.Run(ctx, sess, stream); err != nil {
			log.Warn("model exchange ended", "error", err)
		}
	}()

	log.Info("media stream established", "streamSid", start.StreamSID)
	return &call{sess: sess, jb: jb, input: in}
}

// teardown closes the call's session and jitter buffer and defers registry
// removal to the cleanup sweep.
func (h *Handler) teardown(c *call, reason string) {
	if c == nil {
		return
	}
	c.sess.Close(reason)
	c.jb.Stop(reason)
	h.registry.MarkForCleanup(c.sess.ID)
	if h.sessions != nil {
		h.sessions(-1)
	}
}
