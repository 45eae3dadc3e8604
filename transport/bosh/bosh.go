// Package bosh implements the connection manager side of BOSH, sessions of
// bidirectional XML streams carried over synchronous HTTP requests.
package bosh

import (
	"io"
	"net/http"

	"github.com/getlantern/golog"
	"github.com/oxtoacart/bpool"
)

var log = golog.LoggerFor("bosh")

// Handler terminates the HTTP side of BOSH. It parses each request into a
// Body, routes it to the session it belongs to, and creates sessions for
// requests that do not name one.
type Handler struct {
	r      Register
	bt     BodyTransformer
	dflt   Body
	domain string
	pool   *bpool.BufferPool
}

// NewHandler creates a new Handler and returns it. The dflt Body caps what a
// creation request may negotiate, zero fields fall back to the package
// defaults. The domain is advertised in creation responses.
func NewHandler(r Register, bt BodyTransformer, dflt Body, domain string) *Handler {
	h := new(Handler)
	h.r = r
	h.bt = bt
	if dflt.Wait <= 0 {
		dflt.Wait = defaultWait
	}
	if dflt.Hold <= 0 {
		dflt.Hold = defaultHold
	}
	if dflt.Requests <= 0 {
		dflt.Requests = dflt.Hold + 1
	}
	if dflt.Inactivity <= 0 {
		dflt.Inactivity = defaultInactivity
	}
	h.dflt = dflt
	h.domain = domain
	h.pool = bpool.NewBufferPool(64)
	return h
}

// ServeHTTP implements http.Handler. This serves as the entrypoint for all
// BOSH traffic.
//
// A request without a sid attribute creates a new session. Anything else is
// dispatched to the session it names, which holds the request until it has
// something to send. ServeHTTP returns once the response has been written.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	buf := h.pool.Get()
	defer h.pool.Put(buf)
	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Errorf("reading request: %v", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	el, err := parsePayload(buf.Bytes())
	if err != nil {
		log.Debugf("rejecting request: %v", err)
		h.terminate(rw, "bad-request")
		return
	}
	if el.Tag != "body" {
		log.Debugf("rejecting request: root element is %s, not body", el.Tag)
		h.terminate(rw, "bad-request")
		return
	}

	bdy := h.bt.TransformBody(el)
	if bdy.RID == 0 {
		h.terminate(rw, "bad-request")
		return
	}
	if bdy.SID == "" {
		h.create(rw, bdy)
		return
	}

	s, err := h.r.Lookup(bdy.SID)
	if err != nil {
		h.terminate(rw, "item-not-found")
		return
	}
	req := NewRequest(bdy, Body{})
	if err = s.Process(req); err != nil {
		h.terminate(rw, "item-not-found")
		return
	}
	req.Handle(rw)
}

// create negotiates a new session from a creation request, registers it, and
// hands the request to it. The negotiated attributes ride on whichever
// response retires the request, which may be a wait timeout.
func (h *Handler) create(rw http.ResponseWriter, bdy Body) {
	rsp := h.negotiate(bdy)
	s := NewSession(Config{
		Wait:       rsp.Wait,
		Hold:       rsp.Hold,
		Inactivity: rsp.Inactivity,
		Handshake:  bdy,
	}, nil)
	rsp.SID = s.SID()
	h.r.Add(s.SID(), s)

	req := NewRequest(bdy, rsp)
	if err := s.Process(req); err != nil {
		log.Errorf("processing creation request %d: %v", bdy.RID, err)
		h.terminate(rw, "internal-server-error")
		return
	}
	req.Handle(rw)
}

// negotiate applies the handler's limits to a creation request, producing
// the session attributes advertised in the creation response.
func (h *Handler) negotiate(bdy Body) (rsp Body) {
	rsp.Wait = bdy.Wait
	if rsp.Wait <= 0 || rsp.Wait > h.dflt.Wait {
		rsp.Wait = h.dflt.Wait
	}

	rsp.Hold = bdy.Hold
	if rsp.Hold == -1 || rsp.Hold > h.dflt.Hold {
		rsp.Hold = h.dflt.Hold
	}
	rsp.HoldSet = true

	rsp.Requests = rsp.Hold + 1
	if rsp.Requests > h.dflt.Requests {
		rsp.Requests = h.dflt.Requests
	}

	rsp.Ver = minVersion(bdy.Ver, h.dflt.Ver)
	rsp.XMPPVer = minVersion(bdy.XMPPVer, h.dflt.XMPPVer)

	rsp.Lang = h.dflt.Lang
	rsp.Content = h.dflt.Content
	rsp.Polling = h.dflt.Polling
	rsp.Inactivity = h.dflt.Inactivity
	rsp.MaxPause = h.dflt.MaxPause
	rsp.RestartLogic = h.dflt.RestartLogic
	rsp.To = h.domain
	rsp.Ack = bdy.RID
	return rsp
}

// terminate writes a terminal body with the given condition, the protocol's
// equivalent of an HTTP error status.
func (h *Handler) terminate(rw http.ResponseWriter, condition string) {
	rw.Header().Set("Content-Type", contentXML)
	b := body.
		AddAttr("type", "terminate").
		AddAttr("condition", condition).
		WriteBytes()
	if _, err := rw.Write(b); err != nil {
		log.Debugf("writing terminal body: %v", err)
	}
}
