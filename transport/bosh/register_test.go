package bosh

import (
	"testing"
	"time"
)

func TestRegister(t *testing.T) {
	t.Parallel()

	r := NewRegister()
	s := NewSession(Config{SID: "bo12345sh"}, newEvents())
	defer s.Close()
	r.Add(s.SID(), s)

	// Should return a registered session
	got, err := r.Lookup("bo12345sh")
	if err != nil {
		t.Errorf("Unexpected error from Lookup: %s", err)
	}
	if got != s {
		t.Error("Should return the registered session")
		t.Errorf("\nWant:%+v\nGot :%+v", s, got)
	}

	// Should not know removed sessions
	r.Remove("bo12345sh")
	if _, err = r.Lookup("bo12345sh"); err != ErrSessionNotFound {
		t.Error("Should return ErrSessionNotFound for removed sessions")
		t.Errorf("\nWant:%s\nGot :%s", ErrSessionNotFound, err)
	}

	// ---> Should prune sessions that have expired
	s2 := NewSession(Config{SID: "bo6789sh"}, newEvents())
	r.Add(s2.SID(), s2)
	s2.Close()
	select {
	case <-s2.exit:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the session to drain")
	}
	if _, err = r.Lookup("bo6789sh"); err != ErrSessionNotFound {
		t.Error("Should return ErrSessionNotFound for expired sessions")
		t.Errorf("\nWant:%s\nGot :%s", ErrSessionNotFound, err)
	}
	if sessions := r.(*register).sessions; len(sessions) != 0 {
		t.Error("Should prune the expired session from the register")
		t.Errorf("\nWant:%d\nGot :%d", 0, len(sessions))
	}
}
