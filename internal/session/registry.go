package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sonicbridge/internal/model"
)

// ErrAlreadyExists is returned when creating a session whose id is taken.
var ErrAlreadyExists = errors.New("session: already exists")

// defaultStaleTimeout removes sessions idle beyond this bound.
const defaultStaleTimeout = 30 * time.Minute

type registryEntry struct {
	sess    *Session
	cleanup bool
}

// Registry tracks every live session by call id and sweeps the stale ones.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*registryEntry

	staleTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	opts []Option
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithStaleTimeout overrides the idle bound for the cleanup sweep.
func WithStaleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.staleTimeout = d
		}
	}
}

// WithRegistryLogger overrides the registry logger.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithSessionOptions passes opts to every session the registry creates.
func WithSessionOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = opts
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:     make(map[string]*registryEntry),
		staleTimeout: defaultStaleTimeout,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session under id. Duplicate ids fail with
// [ErrAlreadyExists].
func (r *Registry) Create(id string, inf model.InferenceConfig) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("session: create %s: %w", id, ErrAlreadyExists)
	}
	sess := New(id, inf, r.opts...)
	r.sessions[id] = &registryEntry{sess: sess}
	r.log.Info("session created", "session", id, "active", len(r.sessions))
	return sess, nil
}

// Get returns the session for id, or false when absent.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// IsActive reports whether id names a registered session in an Active
// state.
func (r *Registry) IsActive(id string) bool {
	s, ok := r.Get(id)
	return ok && s.State().Active()
}

// ListActive returns the ids of all sessions in an Active state.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.sess.State().Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Touch records activity on id. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	if s, ok := r.Get(id); ok {
		s.Touch()
	}
}

// MarkForCleanup flags id so the next sweep removes it regardless of
// activity.
func (r *Registry) MarkForCleanup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.cleanup = true
	}
}

// Remove closes and deregisters id, releasing its subject, signals and
// handler table. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.sess.finish()
	r.log.Info("session removed", "session", id)
}

// SetStaleTimeout replaces the idle bound, applied from the next sweep on.
// Used by the config hot-reload path.
func (r *Registry) SetStaleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.staleTimeout = d
	r.mu.Unlock()
}

// StartSweep runs the cleanup sweep every interval until ctx is done.
func (r *Registry) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(r.now())
			}
		}
	}()
}

// sweep removes sessions marked for cleanup or idle beyond the stale bound.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var stale []string
	for id, e := range r.sessions {
		if e.cleanup || now.Sub(e.sess.LastActivity()) > r.staleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.log.Info("sweeping stale session", "session", id)
		r.Remove(id)
	}
}
