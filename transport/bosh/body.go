package bosh

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skriptble/nine/element"
	"github.com/skriptble/nine/namespace"
)

// Body is the parsed form of a body element, the envelope wrapping all
// traffic on a BOSH connection.
type Body struct {
	// BOSH
	Type    string
	To      string
	From    string
	Lang    string
	Ver     Version
	Wait    time.Duration
	Hold    int
	HoldSet bool // hold is only serialized when set, zero is a valid value
	Ack     int
	Content string
	RID     int

	// XMPP
	XMPPVer      Version
	RestartLogic bool
	Restart      bool

	SID        string
	Requests   int
	Polling    time.Duration
	Inactivity time.Duration
	Accept     string
	MaxPause   time.Duration

	Children []element.Element
}

// TransformElement serializes b into a body element. Attributes are written
// in a fixed order so equal Bodies always produce identical bytes.
func (b Body) TransformElement() element.Element {
	el, xmppNS, streamNS := b.apply(body)
	if xmppNS == true {
		el = el.AddAttr("xmlns:xmpp", namespace.XMPP)
	}
	if streamNS == true {
		el = el.AddAttr("xmlns:stream", namespace.Stream)
	}
	return el
}

// apply stamps b's attributes and children onto el. It reports whether any of
// them require the xmpp or stream namespaces to be declared on the envelope.
func (b Body) apply(el element.Element) (_ element.Element, xmppNS, streamNS bool) {
	if b.Type != "" {
		el = el.AddAttr("type", b.Type)
	}
	if b.To != "" {
		el = el.AddAttr("to", b.To)
	}
	if b.From != "" {
		el = el.AddAttr("from", b.From)
	}
	if b.Lang != "" {
		el = el.AddAttr("xml:lang", b.Lang)
	}
	if b.Ver != (Version{}) {
		el = el.AddAttr("ver", b.Ver.String())
	}
	if b.Wait != time.Duration(0) {
		el = el.AddAttr("wait", fmt.Sprintf("%d", b.Wait/time.Second))
	}

	if b.XMPPVer != (Version{}) {
		el = el.AddAttr("xmpp:version", b.XMPPVer.String())
		xmppNS = true
	}

	if b.RestartLogic == true {
		el = el.AddAttr("xmpp:restartlogic", "true")
		xmppNS = true
	}

	if b.Restart == true {
		el = el.AddAttr("xmpp:restart", "true")
		xmppNS = true
	}

	if b.HoldSet {
		el = el.AddAttr("hold", strconv.Itoa(b.Hold))
	}

	if b.Ack != 0 {
		el = el.AddAttr("ack", strconv.Itoa(b.Ack))
	}

	if b.Content != "" {
		el = el.AddAttr("content", b.Content)
	}

	if b.RID != 0 {
		el = el.AddAttr("rid", strconv.Itoa(b.RID))
	}

	if b.SID != "" {
		el = el.AddAttr("sid", b.SID)
	}

	if b.Requests != 0 {
		el = el.AddAttr("requests", strconv.Itoa(b.Requests))
	}

	if b.Polling != time.Duration(0) {
		el = el.AddAttr("polling", fmt.Sprintf("%d", b.Polling/time.Second))
	}

	if b.Inactivity != time.Duration(0) {
		el = el.AddAttr("inactivity", fmt.Sprintf("%d", b.Inactivity/time.Second))
	}

	if b.Accept != "" {
		el = el.AddAttr("accept", b.Accept)
	}

	if b.MaxPause != time.Duration(0) {
		el = el.AddAttr("maxpause", fmt.Sprintf("%d", b.MaxPause/time.Second))
	}

	for _, child := range b.Children {
		el = el.AddChild(child)
		if child.Space == "stream" {
			streamNS = true
		}
	}
	return el, xmppNS, streamNS
}

// BodyTransformer turns body elements into Body values, filling in its
// defaults for the attributes a request leaves unset.
type BodyTransformer struct {
	dflt Body
}

// NewBodyTransformer creates a BodyTransformer with the given defaults.
func NewBodyTransformer(dflt Body) BodyTransformer {
	return BodyTransformer{dflt: dflt}
}

// TransformBody parses el into a Body. An absent hold attribute becomes -1
// so a session can tell "not requested" apart from "hold zero requests".
func (bt BodyTransformer) TransformBody(el element.Element) (b Body) {
	b.Type = el.SelectAttrValue("type", "")
	b.To = el.SelectAttrValue("to", "")
	b.From = el.SelectAttrValue("from", "")
	b.Lang = el.SelectAttrValue("xml:lang", bt.dflt.Lang)
	b.Ver = parseVersion(el.SelectAttrValue("ver", ""), bt.dflt.Ver)
	b.Wait = parseSeconds(el.SelectAttrValue("wait", ""), bt.dflt.Wait)
	b.Hold = parseHold(el.SelectAttrValue("hold", ""), bt.dflt.Hold)
	b.Ack = parseInt(el.SelectAttrValue("ack", ""), 0)
	b.Content = el.SelectAttrValue("content", bt.dflt.Content)
	b.SID = el.SelectAttrValue("sid", "")
	b.RID = parseInt(el.SelectAttrValue("rid", ""), 0)
	b.XMPPVer = parseVersion(el.SelectAttrValue("xmpp:version", ""), bt.dflt.XMPPVer)
	if el.SelectAttrValue("xmpp:restart", "false") == "true" {
		b.Restart = true
	}
	b.RestartLogic = bt.dflt.RestartLogic
	if str := el.SelectAttrValue("xmpp:restartlogic", ""); str != "" {
		b.RestartLogic = str == "true"
	}
	b.Requests = parseInt(el.SelectAttrValue("requests", ""), bt.dflt.Requests)
	b.Polling = parseSeconds(el.SelectAttrValue("polling", ""), bt.dflt.Polling)
	b.Inactivity = parseSeconds(el.SelectAttrValue("inactivity", ""), bt.dflt.Inactivity)
	b.Accept = el.SelectAttrValue("accept", bt.dflt.Accept)
	b.MaxPause = parseSeconds(el.SelectAttrValue("maxpause", ""), bt.dflt.MaxPause)
	for _, child := range el.ChildElements() {
		b.Children = append(b.Children, child)
	}
	return
}

func parseVersion(str string, dflt Version) Version {
	idx := strings.Index(str, ".")
	if idx == -1 {
		return dflt
	}
	major, err := strconv.Atoi(str[:idx])
	if err != nil {
		return dflt
	}
	minor, err := strconv.Atoi(str[idx+1:])
	if err != nil {
		return dflt
	}
	return Version{
		Major: major,
		Minor: minor,
	}
}

func parseSeconds(str string, dflt time.Duration) time.Duration {
	seconds, err := strconv.Atoi(str)
	if err != nil {
		return dflt
	}

	return time.Duration(seconds) * time.Second
}

func parseInt(str string, dflt int) int {
	n, err := strconv.Atoi(str)
	if err != nil {
		return dflt
	}

	return n
}

func parseHold(str string, dflt int) int {
	if str == "" {
		return -1
	}
	hold, err := strconv.Atoi(str)
	if err != nil {
		return dflt
	}

	return hold
}
