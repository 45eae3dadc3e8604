package bosh

import (
	"bytes"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/getlantern/uuid"
	"github.com/skriptble/nine/element"
	"github.com/skriptble/nine/namespace"
)

// ErrSessionClosed is the error returned when a request or payload is handed
// to a session that has terminated.
var ErrSessionClosed = errors.New("Session is closed")

// ErrSessionTimeout is the reason reported when a session expires after its
// inactivity limit passes with no request held.
var ErrSessionTimeout = errors.New("session timeout")

const (
	defaultWait       = 30 * time.Second
	defaultHold       = 1
	defaultInactivity = 60 * time.Second
)

const (
	contentXML   = "text/xml; charset=utf-8"
	contentPlain = "text/plain; charset=utf-8"
)

// EventKind enumerates the notifications a Session emits.
type EventKind int

const (
	// EventConnect is emitted once, when the session is created.
	EventConnect EventKind = iota
	// EventData carries bytes arriving from the client, either a synthetic
	// stream header or a stanza from a request body.
	EventData
	// EventDrain signals that a request is held and the outbound queue is
	// empty, so the next write flushes immediately.
	EventDrain
	// EventError reports the reason a session is terminating abnormally.
	EventError
	// EventEnd signals an orderly termination requested by the client or the
	// embedder.
	EventEnd
	// EventClose is the final event. No event follows it.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventData:
		return "data"
	case EventDrain:
		return "drain"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Event is a notification from a Session. Data is set for EventData and Err
// for EventError.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// A Listener consumes the events of a Session. HandleEvent is invoked from
// the session's run loop, so implementations must not block. Calling back
// into the session from HandleEvent is safe.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(Event)

// HandleEvent implements Listener.
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// Config holds the parameters a Session runs under, normally the result of
// negotiating the session creation request.
type Config struct {
	// SID is the session ID. A random one is generated when empty.
	SID string
	// Wait is the longest a request is held before it is answered with an
	// empty body.
	Wait time.Duration
	// Hold is the negotiated number of requests the session may hold. It is
	// carried for introspection, the session does not cap held requests.
	Hold int
	// Inactivity is how long the session survives with no request held.
	Inactivity time.Duration
	// Namespaces overrides the namespace declarations stamped on every
	// response envelope, keyed by prefix with "" for the default namespace.
	// The BOSH, xmpp, and stream declarations are present unless overridden.
	Namespaces map[string]string
	// StreamAttrs adds attributes to the synthetic stream headers emitted on
	// session start and stream restart.
	StreamAttrs map[string]string
	// Handshake is the body of the session creation request. It seeds the
	// request ID sequence and the destination of synthetic stream headers.
	Handshake Body
}

// Session is a single BOSH session. It absorbs the requests a client sends,
// replays their payloads in request ID order as events, and spreads outbound
// payloads across held requests.
//
// All session state is owned by a single run loop. The exported methods post
// work onto that loop, so a Session is safe for concurrent use.
type Session struct {
	sid        string
	wait       time.Duration
	hold       int
	inactivity time.Duration

	xmlns       []element.Attr
	streamAttrs []element.Attr
	handshake   Body

	// nextRID is the request ID to process next. Requests above it wait in
	// inQueue, requests below it are stale.
	nextRID  int
	inQueue  map[int]*Request
	outQueue *queue.Queue // *Request, held response slots, oldest first
	stanzas  *queue.Queue // []byte, outbound payloads awaiting a slot
	idle     *time.Timer
	idleGen  int

	listener Listener
	backlog  []Event
	terminal atomic.Bool

	// held mirrors outQueue's length so Write can report backpressure
	// without entering the run loop.
	held atomic.Int32

	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	done  bool

	exit chan struct{}
}

// NewSession creates a new session and starts its run loop. The listener may
// be nil, in which case events are buffered and replayed when SetListener
// attaches one.
func NewSession(cfg Config, l Listener) *Session {
	s := new(Session)
	s.sid = cfg.SID
	if s.sid == "" {
		s.sid = uuid.Must(uuid.NewRandom()).String()
	}
	s.wait = cfg.Wait
	if s.wait <= 0 {
		s.wait = defaultWait
	}
	s.hold = cfg.Hold
	if s.hold <= 0 {
		s.hold = defaultHold
	}
	s.inactivity = cfg.Inactivity
	if s.inactivity <= 0 {
		s.inactivity = defaultInactivity
	}
	s.xmlns = envelopeAttrs(cfg.Namespaces)
	s.streamAttrs = attrList(cfg.StreamAttrs)
	s.handshake = cfg.Handshake
	s.nextRID = cfg.Handshake.RID

	s.inQueue = make(map[int]*Request)
	s.outQueue = queue.New()
	s.stanzas = queue.New()
	s.listener = l

	s.wake = make(chan struct{}, 1)
	s.exit = make(chan struct{})

	go s.run()
	s.post(func() {
		s.emit(Event{Kind: EventConnect})
		s.maySetIdleTimer()
	})
	return s
}

// Process hands a request to the session. The session completes the
// request's response slot exactly once, so callers should invoke Handle
// after Process returns.
func (s *Session) Process(r *Request) error {
	if !s.post(func() { s.admit(r) }) {
		return ErrSessionClosed
	}
	return nil
}

// Write queues a payload, a single serialized XML element, for delivery on a
// held request. The returned flag reports backpressure: true means no
// request was held when the write was accepted, so the payload waits for the
// client's next poll.
func (s *Session) Write(p []byte) (buffered bool, err error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	buffered = s.held.Load() == 0
	ok := s.post(func() {
		s.stanzas.Add(buf)
		s.workOutQueue()
	})
	if !ok {
		return false, ErrSessionClosed
	}
	return buffered, nil
}

// Close implements io.Closer. Every outstanding request is answered with a
// terminate body and the listener receives end and close events.
func (s *Session) Close() error {
	ok := s.post(func() {
		s.shutdown(Event{Kind: EventEnd}, Event{Kind: EventClose})
	})
	if !ok {
		return ErrSessionClosed
	}
	return nil
}

// SetListener attaches l to the session and replays, in order, any events
// emitted while no listener was attached.
func (s *Session) SetListener(l Listener) {
	if l == nil {
		return
	}
	s.post(func() {
		s.listener = l
		backlog := s.backlog
		s.backlog = nil
		for _, ev := range backlog {
			l.HandleEvent(ev)
		}
	})
}

// SID returns the session ID of this session.
func (s *Session) SID() string { return s.sid }

// Wait returns the limit a request is held under.
func (s *Session) Wait() time.Duration { return s.wait }

// Hold returns the negotiated hold count.
func (s *Session) Hold() int { return s.hold }

// Expired reports whether the session has terminated.
func (s *Session) Expired() bool { return s.terminal.Load() }

// run executes posted tasks one at a time until the session is terminal and
// the task queue is empty. All session state is touched only from here.
func (s *Session) run() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			if s.terminal.Load() {
				s.done = true
				s.mu.Unlock()
				close(s.exit)
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		t()
	}
}

// post schedules f on the run loop. It reports false once the loop has
// drained and exited.
func (s *Session) post(f func()) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks, f)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// admit is the intake for requests. A repeated request ID supersedes the
// original, which is answered immediately with 403 Forbidden. A request ID
// below nextRID is not replayed, the request only becomes another response
// opportunity.
func (s *Session) admit(r *Request) {
	if s.terminal.Load() {
		s.respond(r, Body{Type: "terminate"})
		return
	}
	if s.nextRID == 0 {
		s.nextRID = r.rid
	}
	if old, ok := s.inQueue[r.rid]; ok {
		s.stopWait(old)
		err := old.complete(http.StatusForbidden, contentPlain, []byte("Request replaced by same RID"))
		if err != nil {
			log.Debugf("session %s: superseded rid %d already responded: %v", s.sid, r.rid, err)
		}
	} else if r.rid < s.nextRID {
		log.Debugf("session %s: rid %d already processed, holding for response only", s.sid, r.rid)
		s.pushHeld(r)
		return
	}
	s.stopIdleTimer()
	s.armWait(r)
	s.inQueue[r.rid] = r
	s.post(s.workInQueue)
}

// workInQueue processes the next in-order request if it has arrived. One
// request is handled per scheduling turn so payload delivery and response
// flushing interleave the way they would on a socket.
func (s *Session) workInQueue() {
	if s.terminal.Load() {
		return
	}
	r, ok := s.inQueue[s.nextRID]
	if !ok {
		return
	}
	delete(s.inQueue, s.nextRID)
	s.nextRID++

	b := r.body
	if b.Restart || (b.SID == "" && b.RID != 0) {
		// The creation request and a restart request both open a stream.
		s.streamOpen(b)
	}
	for _, child := range b.Children {
		s.emit(Event{Kind: EventData, Data: child.WriteBytes()})
	}
	s.pushHeld(r)

	if b.Type == "terminate" {
		s.shutdown(Event{Kind: EventEnd}, Event{Kind: EventClose})
		return
	}
	s.post(func() {
		s.workOutQueue()
		s.workInQueue()
	})
}

// workOutQueue flushes queued payloads into the oldest held request. With
// payloads queued and no request held, the payloads stay queued. With a
// request held and nothing to send, the hold continues and a drain event
// tells the writer the next write goes out immediately.
func (s *Session) workOutQueue() {
	if s.terminal.Load() {
		return
	}
	if s.stanzas.Length() < 1 {
		if s.outQueue.Length() > 0 {
			s.emit(Event{Kind: EventDrain})
		}
		return
	}
	if s.outQueue.Length() < 1 {
		return
	}
	children := make([]element.Element, 0, s.stanzas.Length())
	for s.stanzas.Length() > 0 {
		p := s.stanzas.Remove().([]byte)
		child, err := parsePayload(p)
		if err != nil {
			log.Errorf("session %s: dropping payload: %v", s.sid, err)
			continue
		}
		children = append(children, child)
	}
	r := s.outQueue.Remove().(*Request)
	s.held.Store(int32(s.outQueue.Length()))
	s.stopWait(r)
	s.respond(r, Body{Children: children})
	s.maySetIdleTimer()
}

// respond assembles the response envelope for r and completes it. The
// request's negotiated attributes are applied first, then the per-response
// body, then the session's namespace declarations and sid.
func (s *Session) respond(r *Request, b Body) {
	rsp := r.response
	if b.Type != "" {
		rsp.Type = b.Type
	}
	rsp.Children = append(rsp.Children, b.Children...)
	rsp.SID = s.sid

	el := element.New("body")
	for _, attr := range s.xmlns {
		el = el.AddAttr(attr.Key, attr.Value)
	}
	el, _, _ = rsp.apply(el)
	if err := r.complete(http.StatusOK, contentXML, el.WriteBytes()); err != nil {
		log.Debugf("session %s: rid %d already responded: %v", s.sid, r.rid, err)
	}
}

// shutdown retires every outstanding request with a terminate body, emits
// the given final events, and lets the run loop exit. Only the first call
// does anything.
func (s *Session) shutdown(evs ...Event) {
	if s.terminal.Load() {
		return
	}
	s.terminal.Store(true)
	s.stopIdleTimer()
	for s.outQueue.Length() > 0 {
		r := s.outQueue.Remove().(*Request)
		s.stopWait(r)
		s.respond(r, Body{Type: "terminate"})
	}
	s.held.Store(0)
	for rid, r := range s.inQueue {
		delete(s.inQueue, rid)
		s.stopWait(r)
		s.respond(r, Body{Type: "terminate"})
	}
	for _, ev := range evs {
		s.emit(ev)
	}
}

// emit delivers an event to the listener, or buffers it when no listener is
// attached yet.
func (s *Session) emit(ev Event) {
	if s.listener == nil {
		s.backlog = append(s.backlog, ev)
		return
	}
	s.listener.HandleEvent(ev)
}

// streamOpen emits the synthetic stream header a socket-based connection
// would have carried. BOSH clients never send one, so the session fabricates
// it on creation and on stream restart.
func (s *Session) streamOpen(b Body) {
	attrs := []element.Attr{{Key: "xmlns:stream", Value: namespace.Stream}}
	for _, attr := range s.streamAttrs {
		attrs = setAttr(attrs, attr.Key, attr.Value)
	}
	to := b.To
	if to == "" {
		to = s.handshake.To
	}
	if to != "" {
		attrs = setAttr(attrs, "to", to)
	}
	ver := b.XMPPVer
	if ver == (Version{}) {
		ver = Version{Major: 1, Minor: 0}
	}
	attrs = setAttr(attrs, "version", ver.String())

	var buf bytes.Buffer
	buf.WriteString("<stream:stream")
	for _, attr := range attrs {
		buf.WriteString(" ")
		buf.WriteString(attr.Key)
		buf.WriteString("='")
		buf.WriteString(attrEscaper.Replace(attr.Value))
		buf.WriteString("'")
	}
	buf.WriteString(">")
	s.emit(Event{Kind: EventData, Data: buf.Bytes()})
}

// maySetIdleTimer arms the inactivity timer if no request is held. Timer
// generations guard against a stale timer firing after it was replaced.
func (s *Session) maySetIdleTimer() {
	if s.terminal.Load() || s.outQueue.Length() > 0 {
		return
	}
	s.stopIdleTimer()
	s.idleGen++
	gen := s.idleGen
	s.idle = time.AfterFunc(s.inactivity, func() {
		s.post(func() { s.onIdleTimeout(gen) })
	})
}

func (s *Session) stopIdleTimer() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

func (s *Session) onIdleTimeout(gen int) {
	if s.terminal.Load() || s.idle == nil || gen != s.idleGen {
		return
	}
	s.idle = nil
	log.Debugf("session %s: no request held in %v, expiring", s.sid, s.inactivity)
	s.shutdown(Event{Kind: EventError, Err: ErrSessionTimeout}, Event{Kind: EventClose})
}

// armWait starts r's wait timer. The timer follows the request from inQueue
// into the held queue, so the limit covers the request's whole stay.
func (s *Session) armWait(r *Request) {
	rid := r.rid
	r.timer = time.AfterFunc(s.wait, func() {
		s.post(func() { s.onWaitTimeout(rid) })
	})
}

func (s *Session) stopWait(r *Request) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// onWaitTimeout answers a request held for the full wait limit with an empty
// body. A timeout for a request that was already retired is spurious and
// only logged.
func (s *Session) onWaitTimeout(rid int) {
	if s.terminal.Load() {
		return
	}
	r, ok := s.inQueue[rid]
	if ok {
		delete(s.inQueue, rid)
	} else if r = s.dropHeld(rid); r == nil {
		log.Debugf("session %s: wait expired for rid %d after it was retired", s.sid, rid)
		return
	}
	s.stopWait(r)
	s.respond(r, Body{})
	s.maySetIdleTimer()
}

func (s *Session) pushHeld(r *Request) {
	s.outQueue.Add(r)
	s.held.Store(int32(s.outQueue.Length()))
}

// dropHeld removes the request with the given rid from the held queue,
// preserving the order of the others.
func (s *Session) dropHeld(rid int) *Request {
	var found *Request
	for n := s.outQueue.Length(); n > 0; n-- {
		r := s.outQueue.Remove().(*Request)
		if found == nil && r.rid == rid {
			found = r
			continue
		}
		s.outQueue.Add(r)
	}
	if found != nil {
		s.held.Store(int32(s.outQueue.Length()))
	}
	return found
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

// envelopeAttrs builds the namespace declarations stamped on every response
// envelope.
func envelopeAttrs(overrides map[string]string) []element.Attr {
	attrs := []element.Attr{
		{Key: "xmlns", Value: namespace.BOSH},
		{Key: "xmlns:xmpp", Value: namespace.XMPP},
		{Key: "xmlns:stream", Value: namespace.Stream},
	}
	for _, prefix := range sortedKeys(overrides) {
		key := "xmlns"
		if prefix != "" {
			key = "xmlns:" + prefix
		}
		attrs = setAttr(attrs, key, overrides[prefix])
	}
	return attrs
}

func attrList(m map[string]string) []element.Attr {
	var attrs []element.Attr
	for _, key := range sortedKeys(m) {
		attrs = append(attrs, element.Attr{Key: key, Value: m[key]})
	}
	return attrs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// setAttr replaces the value of key if present, appending the attribute
// otherwise.
func setAttr(attrs []element.Attr, key, value string) []element.Attr {
	for i, attr := range attrs {
		if attr.Key == key {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, element.Attr{Key: key, Value: value})
}
