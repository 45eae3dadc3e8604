package bosh

import (
	"bytes"
	"sync"

	"github.com/skriptble/nine/element"
	"github.com/skriptble/nine/element/stanza"
	"github.com/skriptble/nine/stream"
)

var streamHeader = []byte("<stream:stream")

// Transport implements stream.Transport on top of a Session. It subscribes
// to the session's events, reparses payload bytes into elements for Next,
// and turns the session's synthetic stream headers into the restart signal
// the stream layer expects.
type Transport struct {
	mode stream.Mode
	s    *Session

	events   chan Event
	elements chan element.Element
	restart  chan struct{}
	exit     chan struct{}

	// started records that the initial stream open has been handled. Any
	// later call to Start waits for a restart from the client.
	started bool

	stop sync.Once
}

// NewTransport creates a Transport bound to s and registers it as the
// session's listener, so any events buffered since the session was created
// replay into the transport.
func NewTransport(mode stream.Mode, s *Session) *Transport {
	t := new(Transport)
	t.mode = mode
	t.s = s
	t.events = make(chan Event)
	t.elements = make(chan element.Element)
	t.restart = make(chan struct{}, 1)
	t.exit = make(chan struct{})
	go t.pump()
	s.SetListener(t)
	return t
}

// HandleEvent implements Listener. It forwards session events to the pump
// goroutine so the session's run loop is never blocked by a slow reader.
func (t *Transport) HandleEvent(ev Event) {
	select {
	case t.events <- ev:
	case <-t.exit:
	}
}

// pump converts the session's event feed into the element sequence Next
// consumes. Elements are parked until the stream layer asks for them, the
// pump itself always stays ready to receive.
func (t *Transport) pump() {
	var pending []element.Element
	var current element.Element
	var loaded bool
	var opened bool

	for {
		var out chan element.Element
		if loaded {
			out = t.elements
		}
		select {
		case <-t.exit:
			return
		case ev := <-t.events:
			switch ev.Kind {
			case EventData:
				if bytes.HasPrefix(ev.Data, streamHeader) {
					// The first header is the open Start already assumes,
					// any further one means the client restarted the stream.
					if opened {
						select {
						case t.restart <- struct{}{}:
						default:
						}
					}
					opened = true
					continue
				}
				el, err := parsePayload(ev.Data)
				if err != nil {
					log.Errorf("transport %s: dropping inbound payload: %v", t.s.SID(), err)
					continue
				}
				if loaded {
					pending = append(pending, el)
				} else {
					current, loaded = el, true
				}
			case EventEnd, EventClose:
				t.halt()
				return
			case EventError:
				log.Debugf("transport %s: session error: %v", t.s.SID(), ev.Err)
			}
		case out <- current:
			if len(pending) > 0 {
				current, pending = pending[0], pending[1:]
			} else {
				loaded = false
			}
		}
	}
}

// Next returns the next element from the underlying Session. It returns
// ErrRequireRestart when the client has asked for a stream restart and
// ErrStreamClosed once the session has terminated.
func (t *Transport) Next() (el element.Element, err error) {
	select {
	case <-t.exit:
		err = stream.ErrStreamClosed
	case <-t.restart:
		err = stream.ErrRequireRestart
	case el = <-t.elements:
	}
	return
}

// WriteElement writes the given element to the underlying Session. The
// Session handles spreading payloads across held requests. This method
// should be used for non-stanza elements, such as those used during SASL
// negotiation.
func (t *Transport) WriteElement(el element.Element) error {
	buffered, err := t.s.Write(el.WriteBytes())
	if err == ErrSessionClosed {
		return stream.ErrStreamClosed
	}
	if buffered {
		log.Debugf("transport %s: no request held, payload queued", t.s.SID())
	}
	return err
}

// WriteStanza writes the given stanza to the underlying Session. This method
// should be used instead of transforming a stanza to an element and using
// WriteElement.
func (t *Transport) WriteStanza(st stanza.Stanza) error {
	el := st.TransformElement()
	return t.WriteElement(el)
}

// Write implements io.Writer. p must hold a single well formed element, the
// unit a body element can carry.
func (t *Transport) Write(p []byte) (n int, err error) {
	_, err = t.s.Write(p)
	if err == ErrSessionClosed {
		return 0, stream.ErrStreamClosed
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Start starts or restarts the stream. The first call rides on the stream
// open the session has already synthesized, every later call waits for a
// restart request from the client.
func (t *Transport) Start() (bool, error) {
	if t.started {
		_, err := t.Next()
		if err == stream.ErrStreamClosed {
			return false, err
		}
		if err != stream.ErrRequireRestart {
			log.Debugf("transport %s: expected restart, got %v", t.s.SID(), err)
		}
		return false, nil
	}
	t.started = true
	return false, nil
}

// Close implements io.Closer. Closing the transport terminates the session.
func (t *Transport) Close() error {
	t.halt()
	if err := t.s.Close(); err != nil && err != ErrSessionClosed {
		return err
	}
	return nil
}

func (t *Transport) halt() {
	t.stop.Do(func() { close(t.exit) })
}
