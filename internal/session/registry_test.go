package session

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryCreateDuplicate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("CAone", testInference); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.Create("CAone", testInference)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrAlreadyExists", err)
	}
}

func TestRegistryGetRemove(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Create("CAone", testInference)
	s.Start()

	if got, ok := r.Get("CAone"); !ok || got != s {
		t.Fatal("Get did not return created session")
	}
	if !r.IsActive("CAone") {
		t.Error("IsActive = false for started session")
	}
	if ids := r.ListActive(); len(ids) != 1 || ids[0] != "CAone" {
		t.Errorf("ListActive = %v", ids)
	}

	sub := s.Subscribe()
	r.Remove("CAone")
	if _, ok := r.Get("CAone"); ok {
		t.Error("session still present after Remove")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if _, open := <-sub; open {
		t.Error("subject not completed on Remove")
	}

	// Double remove is a no-op.
	r.Remove("CAone")
}

func TestRegistrySweepRemovesStale(t *testing.T) {
	r := NewRegistry(WithStaleTimeout(time.Minute))
	fresh, _ := r.Create("CAfresh", testInference)
	stale, _ := r.Create("CAstale", testInference)
	_ = stale

	fresh.Touch()
	r.sweep(time.Now()) // nothing stale yet
	if r.Count() != 2 {
		t.Fatalf("count after early sweep = %d, want 2", r.Count())
	}

	r.sweep(time.Now().Add(2 * time.Minute))
	if r.Count() != 0 {
		t.Errorf("count after stale sweep = %d, want 0", r.Count())
	}
}

func TestRegistrySweepRemovesMarked(t *testing.T) {
	r := NewRegistry(WithStaleTimeout(time.Hour))
	r.Create("CAone", testInference)
	r.MarkForCleanup("CAone")
	r.sweep(time.Now())
	if r.Count() != 0 {
		t.Errorf("marked session survived sweep, count = %d", r.Count())
	}
}

func TestRegistryTouchKeepsAlive(t *testing.T) {
	r := NewRegistry(WithStaleTimeout(time.Minute))
	s, _ := r.Create("CAone", testInference)
	before := s.LastActivity()
	time.Sleep(time.Millisecond)
	r.Touch("CAone")
	if !s.LastActivity().After(before) {
		t.Error("Touch did not advance last activity")
	}
	r.Touch("CAunknown") // no-op
}
