package bosh

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is the error returned when Lookup is called with a sid
// that does not have a corresponding session in the Register.
var ErrSessionNotFound = errors.New("session not found")

// A Register handles the logic and interactions outside of the BOSH layer.
// Add is invoked once per session, before the session's first request is
// processed, which makes it the place to attach the session to a stream:
// bind a Transport there, or SetListener directly, and the session's
// buffered events replay into whatever was attached. Remove and Lookup give
// the Handler access to live sessions by sid.
type Register interface {
	Add(sid string, s *Session)
	Remove(sid string)
	// Lookup finds a session by its session ID. Lookup should not return any
	// session which has expired.
	Lookup(sid string) (*Session, error)
}

// register is the baseline Register, a map of live sessions. It attaches
// nothing to the sessions it holds.
type register struct {
	sessions map[string]*Session

	sync.RWMutex
}

// NewRegister returns a new initalized Register.
func NewRegister() Register {
	r := new(register)
	r.sessions = make(map[string]*Session)
	return r
}

// Add adds a session to the Register.
func (r *register) Add(sid string, s *Session) {
	r.Lock()
	defer r.Unlock()
	r.sessions[sid] = s
}

// Remove removes a session from the Register.
func (r *register) Remove(sid string) {
	r.Lock()
	defer r.Unlock()
	delete(r.sessions, sid)
}

// Lookup returns the Session associated with the given sid. If the session
// doesn't exist or has already terminated, ErrSessionNotFound is returned
// and a terminated session is pruned from the register.
func (r *register) Lookup(sid string) (s *Session, err error) {
	r.RLock()
	s, ok := r.sessions[sid]
	r.RUnlock()
	if !ok {
		err = ErrSessionNotFound
		return
	}
	if s.Expired() {
		r.Remove(sid)
		err = ErrSessionNotFound
		s = nil
	}
	return
}
