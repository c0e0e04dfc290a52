package bridge

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Validation failure sentinels. The handler maps these onto HTTP rejects
// before the upgrade.
var (
	ErrRateLimited     = errors.New("Rate limit exceeded")
	ErrBadUserAgent    = errors.New("User-Agent not accepted")
	ErrBadStartMessage = errors.New("bridge: bad start message")
)

// acceptedUAPrefixes are the carrier client identifiers allowed to connect.
var acceptedUAPrefixes = []string{"Twilio."}

const (
	rateLimitWindow = time.Minute
	rateLimitMax    = 10

	callSIDLen    = 34
	callSIDPrefix = "CA"
)

// RateLimiter enforces a per-address rolling attempt window.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	window   time.Duration
	max      int
	now      func() time.Time
}

// NewRateLimiter creates a limiter with the carrier defaults, 10 attempts
// per rolling minute.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		window:   rateLimitWindow,
		max:      rateLimitMax,
		now:      time.Now,
	}
}

// Allow records one attempt for addr and reports whether it is within the
// window budget.
func (l *RateLimiter) Allow(addr string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.attempts[addr][:0]
	for _, t := range l.attempts[addr] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.attempts[addr] = kept
		return false
	}
	l.attempts[addr] = append(kept, now)
	return true
}

// CallRegistry holds the call identifiers registered as active by the
// carrier webhook layer. Start frames for unregistered calls are rejected.
type CallRegistry struct {
	mu    sync.Mutex
	calls map[string]struct{}
}

// NewCallRegistry creates an empty call registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{calls: make(map[string]struct{})}
}

// Register marks callSID active.
func (r *CallRegistry) Register(callSID string) {
	r.mu.Lock()
	r.calls[callSID] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes callSID.
func (r *CallRegistry) Unregister(callSID string) {
	r.mu.Lock()
	delete(r.calls, callSID)
	r.mu.Unlock()
}

// Active reports whether callSID is registered.
func (r *CallRegistry) Active(callSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[callSID]
	return ok
}

// Validator runs the pre-upgrade and start-frame checks of the carrier
// link.
type Validator struct {
	limiter *RateLimiter
	calls   *CallRegistry
}

// NewValidator creates a validator over the given call registry.
func NewValidator(calls *CallRegistry) *Validator {
	return &Validator{limiter: NewRateLimiter(), calls: calls}
}

// ValidateConn runs the pre-upgrade checks: per-address rate limit and
// User-Agent allow list.
func (v *Validator) ValidateConn(r *http.Request) error {
	addr := remoteAddr(r)
	if !v.limiter.Allow(addr) {
		return fmt.Errorf("%w for %s", ErrRateLimited, addr)
	}

	ua := r.Header.Get("User-Agent")
	for _, prefix := range acceptedUAPrefixes {
		if strings.HasPrefix(ua, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrBadUserAgent, ua)
}

// ValidateStart checks the call identifier of a start frame: present, 34
// characters, CA-prefixed and registered as an active call.
func (v *Validator) ValidateStart(callSID string) error {
	if callSID == "" {
		return fmt.Errorf("%w: missing callSid", ErrBadStartMessage)
	}
	if len(callSID) != callSIDLen || !strings.HasPrefix(callSID, callSIDPrefix) {
		return fmt.Errorf("%w: malformed callSid %q", ErrBadStartMessage, callSID)
	}
	if !v.calls.Active(callSID) {
		return fmt.Errorf("%w: call %s not registered", ErrBadStartMessage, callSID)
	}
	return nil
}

// remoteAddr strips the port so the rate limit keys on the host address.
func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
