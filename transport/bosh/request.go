package bosh

import (
	"errors"
	"net/http"
	"time"

	"github.com/skriptble/nine/element"
)

// ErrRequestClosed is the error returned when a response is recorded on a
// Request which already has one.
var ErrRequestClosed = errors.New("request has already been responded to")

// Request is a single HTTP request wrapped in a body element. A Request also
// serves as the response slot for that HTTP request: the session processing
// it completes it exactly once, with payload, an empty acknowledgment, or a
// terminate body.
type Request struct {
	rid  int
	body Body

	// response carries attributes which must ride on whichever body retires
	// this request. It is only populated for the session creation request,
	// where the negotiated session attributes are part of the reply.
	response Body

	// timer enforces the wait limit. It is owned by the session processing
	// the request.
	timer *time.Timer

	proceed chan struct{}
	status  int
	ctype   string
	payload []byte
	spent   bool
}

// NewRequest creates a Request from a parsed body. The response Body holds
// the attributes the reply must include, it is zero for everything but the
// session creation request.
func NewRequest(b, response Body) *Request {
	return &Request{
		rid:      b.RID,
		body:     b,
		response: response,
		proceed:  make(chan struct{}),
	}
}

// complete records the HTTP response for this request and releases Handle.
// Only the first call succeeds.
func (r *Request) complete(status int, ctype string, payload []byte) error {
	if r.spent {
		return ErrRequestClosed
	}
	r.status = status
	r.ctype = ctype
	r.payload = payload
	r.spent = true
	close(r.proceed)
	return nil
}

// RID returns the request ID of this Request.
func (r *Request) RID() int { return r.rid }

// Elements returns the children of the body of the Request.
func (r *Request) Elements() []element.Element {
	return r.body.Children
}

// Handle blocks until the session completes this request, then writes the
// response. The session guarantees completion, a request held to its wait
// limit is completed with an empty acknowledgment.
func (r *Request) Handle(w http.ResponseWriter) {
	<-r.proceed
	w.Header().Set("Content-Type", r.ctype)
	w.WriteHeader(r.status)
	if _, err := w.Write(r.payload); err != nil {
		log.Debugf("writing response for rid %d: %v", r.rid, err)
	}
}
