package session

import (
	"encoding/json"
	"log/slog"
)

// Dispatcher normalizes model response payloads and fans them out to a
// session's subject and handlers. It is stateless and shared across
// sessions.
type Dispatcher struct {
	log *slog.Logger
}

// NewDispatcher creates a dispatcher logging through log, or
// [slog.Default] when nil.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log}
}

// Normalize reconciles payload field aliases. Object payloads get
// contentId and contentName unified onto whichever is present, and a string
// additionalModelFields is JSON-parsed into parsedAdditionalModelFields
// when possible. Non-object payloads pass through untouched.
func (d *Dispatcher) Normalize(payload any) any {
	obj, ok := payload.(map[string]any)
	if !ok {
		return payload
	}

	id, ok := obj["contentId"]
	if !ok {
		id, ok = obj["contentName"]
	}
	if ok {
		obj["contentId"] = id
		obj["contentName"] = id
	}

	if raw, ok := obj["additionalModelFields"].(string); ok {
		if _, done := obj["parsedAdditionalModelFields"]; !done {
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				obj["parsedAdditionalModelFields"] = parsed
			}
		}
	}
	return obj
}

// Dispatch delivers one event to the session: first the broadcast subject,
// then the type-specific handler, then the any handler. A panicking handler
// is logged and does not affect later deliveries.
func (d *Dispatcher) Dispatch(s *Session, eventType string, data any) {
	s.publish(Event{Type: eventType, Data: data})

	typed, anyFn := s.handlersFor(eventType)
	if typed != nil {
		d.invoke(s, eventType, typed, data)
	}
	if anyFn != nil {
		d.invoke(s, eventType, anyFn, data)
	}
}

func (d *Dispatcher) invoke(s *Session, eventType string, fn HandlerFunc, data any) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked",
				"session", s.ID, "type", eventType, "panic", r)
		}
	}()
	fn(data)
}
