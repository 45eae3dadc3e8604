package bosh

import (
	"bytes"
	"encoding/xml"

	"github.com/getlantern/errors"
	"github.com/skriptble/nine/element"
	"github.com/skriptble/nine/namespace"
)

// body is the prototype for response envelopes. AddAttr copies, so deriving
// from it never mutates the prototype.
var body = element.New("body").AddAttr("xmlns", namespace.BOSH)

// parsePayload decodes a single XML element from p. The element must be the
// first token of p, anything else is malformed.
func parsePayload(p []byte) (element.Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(p))
	token, err := dec.RawToken()
	if err != nil {
		return element.Element{}, errors.New("malformed xml: %v", err)
	}
	start, ok := token.(xml.StartElement)
	if !ok {
		return element.Element{}, errors.New("expected an element, got %T", token)
	}
	el, err := parseElement(start, dec)
	if err != nil {
		return element.Element{}, errors.New("malformed xml: %v", err)
	}
	return el, nil
}

// parseElement builds an element.Element from a start token, consuming dec
// through the matching end token.
func parseElement(start xml.StartElement, dec *xml.Decoder) (el element.Element, err error) {
	el = element.Element{
		Space: start.Name.Space,
		Tag:   start.Name.Local,
	}
	for _, attr := range start.Attr {
		el.Attr = append(
			el.Attr,
			element.Attr{
				Space: attr.Name.Space,
				Key:   attr.Name.Local,
				Value: attr.Value,
			},
		)

		if el.Space == "" && attr.Name.Space == "" && attr.Name.Local == "xmlns" {
			el.Space = attr.Value
		}

		if attr.Name.Space == "xmlns" && el.Space == attr.Name.Local {
			el.Space = attr.Value
		}
	}

	el.Child, err = childElements(dec)
	return el, err
}

func childElements(dec *xml.Decoder) (children []element.Token, err error) {
	var token xml.Token
	var el element.Element
	for {
		token, err = dec.RawToken()
		if err != nil {
			return
		}

		switch elem := token.(type) {
		case xml.StartElement:
			el, err = parseElement(elem, dec)
			if err != nil {
				return
			}
			children = append(children, el)
		case xml.EndElement:
			return
		case xml.CharData:
			children = append(children, element.CharData{Data: string(elem)})
		}
	}
}
