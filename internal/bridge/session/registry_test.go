package session

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry(0)
	s := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})

	if err := r.Register("MZ0001", s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Lookup("MZ0001")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != s {
		t.Fatal("Lookup returned a different session")
	}
	if _, err := r.Lookup("MZ9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryDuplicateStream(t *testing.T) {
	r := NewRegistry(0)
	a := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})
	b := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})

	if err := r.Register("MZ0001", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("MZ0001", b); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	// The original registration is untouched.
	got, _ := r.Lookup("MZ0001")
	if got != a {
		t.Fatal("duplicate registration replaced the original session")
	}
}

func TestRegistryDuplicateStreamAtCapacity(t *testing.T) {
	r := NewRegistry(1)
	a := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})
	b := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})

	if err := r.Register("MZ0001", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// A duplicate of an existing stream is a duplicate even at the cap.
	if err := r.Register("MZ0001", b); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(1)
	a := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})
	b := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})

	if err := r.Register("MZ0001", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("MZ0002", b); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	// Freeing a slot admits the next call.
	r.Unregister("MZ0001")
	if err := r.Register("MZ0002", b); err != nil {
		t.Fatalf("Register after free: %v", err)
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry(0)
	s := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})
	if err := r.Register("MZ0001", s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister("MZ0001")
	r.Unregister("MZ0001")
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
}

func TestRegistrySnapshotAndCloseAll(t *testing.T) {
	r := NewRegistry(0)
	a := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})
	b := newTestSession(t, newFakeUpstream(), &fakeTelephony{}, Config{IdleTimeout: time.Minute})
	r.Register("MZ0001", a)
	r.Register("MZ0002", b)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot length = %d, want 2", len(snap))
	}

	r.CloseAll()
	if r.Count() != 0 {
		t.Fatalf("Count after CloseAll = %d, want 0", r.Count())
	}
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatalf("sessions not closed: %s, %s", a.State(), b.State())
	}
}
