package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/sonicbridge/internal/model"
)

// Runner drives one model stream for one session: a writer goroutine drains
// the session's event sequence into the stream, and the reader loop decodes
// response chunks and dispatches them.
type Runner struct {
	dispatcher *Dispatcher
	log        *slog.Logger

	// sessionTimeout bounds the whole exchange; zero disables it.
	sessionTimeout time.Duration
}

// NewRunner creates a runner dispatching through d.
func NewRunner(d *Dispatcher, sessionTimeout time.Duration, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{dispatcher: d, sessionTimeout: sessionTimeout, log: log}
}

// Run pumps s against stream until the response side ends, then dispatches
// streamComplete. Parse failures on individual chunks are logged and
// skipped; a terminal stream error is dispatched as an error event first.
func (r *Runner) Run(ctx context.Context, s *Session, stream model.EventStream) error {
	if r.sessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sessionTimeout)
		defer cancel()
	}
	log := r.log.With("session", s.ID)

	// Writer: the event sequence ends after close and final drain, at
	// which point the input side of the stream is shut. A failed send must
	// not stop consumption: the sequence blocks once its buffer fills, so
	// the writer keeps draining and discards the remainder.
	go func() {
		sendFailed := false
		for data := range s.Events() {
			if sendFailed {
				continue
			}
			if err := stream.Send(ctx, data); err != nil {
				log.Error("model send failed, discarding remaining events", "error", err)
				sendFailed = true
			}
		}
		if err := stream.Close(); err != nil {
			log.Debug("model stream close", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			variant, details, _ := model.ClassifyException(ctx.Err())
			r.dispatcher.Dispatch(s, model.EventError, map[string]any{
				"type":    variant,
				"details": details,
			})
			r.complete(s)
			return ctx.Err()
		case item, ok := <-stream.Events():
			if !ok {
				r.complete(s)
				return nil
			}
			if item.Err != nil {
				variant, details, _ := model.ClassifyException(item.Err)
				log.Error("model stream error", "variant", variant, "error", item.Err)
				r.dispatcher.Dispatch(s, model.EventError, map[string]any{
					"type":    variant,
					"details": details,
				})
				continue
			}
			r.handleChunk(s, item.Chunk, log)
		}
	}
}

func (r *Runner) handleChunk(s *Session, chunk []byte, log *slog.Logger) {
	name, payload, err := model.DecodeResponse(chunk)
	if err != nil {
		log.Warn("skipping unparseable response chunk", "error", err)
		return
	}
	s.Touch()

	switch {
	case model.ErrorVariant(name):
		r.dispatcher.Dispatch(s, model.EventError, map[string]any{
			"type":    name,
			"details": payload,
		})
	case model.KnownEvent(name):
		switch name {
		case model.EventCompletionStart:
			s.BeginCompletion()
		case model.EventCompletionEnd:
			s.EndCompletion()
		}
		r.dispatcher.Dispatch(s, name, r.dispatcher.Normalize(payload))
	default:
		// Unenumerated events pass through unchanged under the custom
		// type so the any handler still sees them.
		log.Debug("custom model event", "name", name)
		r.dispatcher.Dispatch(s, model.EventCustom, payload)
	}
}

// complete dispatches the terminal streamComplete event.
func (r *Runner) complete(s *Session) {
	r.dispatcher.Dispatch(s, model.EventStreamComplete, map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})
}
