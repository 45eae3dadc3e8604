package main

import (
	"flag"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/getlantern/golog"
	"github.com/skriptble/nine/bind"
	"github.com/skriptble/nine/element/stanza"
	"github.com/skriptble/nine/namespace"
	"github.com/skriptble/nine/sasl"
	"github.com/skriptble/nine/stream"
	"github.com/skriptble/palaver/transport/bosh"
)

var log = golog.LoggerFor("palaver")

var dflt = bosh.Body{
	Wait:         45 * time.Second,
	Requests:     2,
	Polling:      5 * time.Second,
	Inactivity:   75 * time.Second,
	Hold:         3,
	HoldSet:      true,
	Ver:          bosh.Version{Major: 1, Minor: 6},
	XMPPVer:      bosh.Version{Major: 1, Minor: 0},
	RestartLogic: true,
	MaxPause:     120 * time.Second,
	Lang:         "en",
	Content:      "text/xml; charset=utf-8",
}

func main() {
	addr := flag.String("addr", ":8088", "address to listen on for BOSH connections")
	domain := flag.String("domain", "localhost", "domain this server answers for")
	debug := flag.Bool("debug", false, "write the stream layer's trace output to stderr")
	flag.Parse()

	if *debug {
		stream.Trace.SetOutput(os.Stderr)
		stream.Debug.SetOutput(os.Stderr)
	}

	reg := NewRegister(*domain)
	bt := bosh.NewBodyTransformer(bosh.Body{})
	handler := bosh.NewHandler(reg, bt, dflt, *domain)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	srv := &http.Server{
		Addr:    *addr,
		Handler: mux,
	}
	log.Debugf("listening on %s for domain %s", *addr, *domain)
	log.Fatal(srv.ListenAndServe())
}

// register pairs every session the Handler creates with an XMPP stream
// running over a BOSH transport.
type register struct {
	domain   string
	sessions map[string]*bosh.Session

	sync.RWMutex
}

// NewRegister returns a new initalized Register.
func NewRegister(domain string) bosh.Register {
	r := new(register)
	r.domain = domain
	r.sessions = make(map[string]*bosh.Session)
	return r
}

// Add adds a session to the Register and starts a stream for it.
func (r *register) Add(sid string, s *bosh.Session) {
	r.Lock()
	defer r.Unlock()
	tp := bosh.NewTransport(stream.Receiving, s)
	r.runStream(tp)
	r.sessions[sid] = s
}

// Remove removes a session from the Register.
func (r *register) Remove(sid string) {
	r.Lock()
	defer r.Unlock()
	delete(r.sessions, sid)
}

// Lookup returns the Session associated with the given sid. If the session
// doesn't exist, ErrSessionNotFound is returned.
func (r *register) Lookup(sid string) (s *bosh.Session, err error) {
	r.RLock()
	s, ok := r.sessions[sid]
	r.RUnlock()
	if !ok {
		err = bosh.ErrSessionNotFound
		return
	}
	if s.Expired() {
		r.Remove(sid)
		err = bosh.ErrSessionNotFound
		s = nil
	}
	return
}

func (r *register) runStream(tp stream.Transport) {
	saslHandler := sasl.NewHandler(map[string]sasl.Mechanism{
		"PLAIN": sasl.NewPlainMechanism(sasl.FakePlain{}),
	})
	bindHandler := bind.NewHandler()
	sessionHandler := bind.NewSessionHandler()
	iqHandler := stream.NewIQMux().
		Handle(namespace.Bind, "bind", string(stanza.IQSet), bindHandler).
		Handle(namespace.Session, "session", string(stanza.IQSet), sessionHandler)

	if iqHandler.Err() != nil {
		log.Fatal(iqHandler.Err())
	}

	elHandler := stream.NewElementMux().
		Handle(namespace.SASL, "auth", saslHandler).
		Handle(namespace.SASL, "response", saslHandler).
		Handle(namespace.Client, "iq", iqHandler).
		Handle(namespace.Client, "presence", stream.Blackhole{}).
		Handle(namespace.Client, "message", stream.Blackhole{})

	if elHandler.Err() != nil {
		log.Fatal(elHandler.Err())
	}

	fhs := []stream.FeatureGenerator{
		saslHandler,
		bindHandler,
	}
	props := stream.NewProperties()
	props.Domain = r.domain
	s := stream.New(tp, elHandler, stream.Receiving).
		AddFeatureHandlers(fhs...).
		SetProperties(props)
	go s.Run()
}
