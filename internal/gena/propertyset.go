// Package gena implements UPnP eventing: the propertyset codec, the
// host-side event publisher and the control-point event sink.
package gena

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/strefethen/go-upnp/internal/upnperr"
)

// Property is one changed state variable inside a NOTIFY body.
type Property struct {
	Name  string
	Value string
}

const propertysetOpen = `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">`

// EncodePropertySet serializes one NOTIFY body: an e:propertyset with one
// e:property per changed variable, in order.
func EncodePropertySet(props []Property) []byte {
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(propertysetOpen)
	for _, p := range props {
		buf.WriteString("<e:property>")
		buf.WriteString("<")
		buf.WriteString(p.Name)
		buf.WriteString(">")
		buf.WriteString(escapeXML(p.Value))
		buf.WriteString("</")
		buf.WriteString(p.Name)
		buf.WriteString(">")
		buf.WriteString("</e:property>")
	}
	buf.WriteString("</e:propertyset>")
	return []byte(buf.String())
}

func escapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}

// DecodePropertySet parses a NOTIFY body, preserving property order.
func DecodePropertySet(data []byte) ([]Property, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var props []Property
	sawPropertySet := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &upnperr.MalformedMessageError{Proto: "gena", Reason: err.Error()}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "propertyset":
			sawPropertySet = true
		case "property":
			p, err := decodeProperty(decoder, se)
			if err != nil {
				return nil, err
			}
			props = append(props, p)
		}
	}

	if !sawPropertySet {
		return nil, &upnperr.MalformedMessageError{Proto: "gena", Reason: "body has no propertyset element"}
	}
	return props, nil
}

func decodeProperty(decoder *xml.Decoder, parent xml.StartElement) (Property, error) {
	for {
		tok, err := decoder.Token()
		if err != nil {
			return Property{}, &upnperr.MalformedMessageError{Proto: "gena", Reason: err.Error()}
		}
		switch el := tok.(type) {
		case xml.StartElement:
			var value string
			if err := decoder.DecodeElement(&value, &el); err != nil {
				return Property{}, &upnperr.MalformedMessageError{
					Proto: "gena", Reason: fmt.Sprintf("property %s: %v", el.Name.Local, err),
				}
			}
			return Property{Name: el.Name.Local, Value: value}, nil
		case xml.EndElement:
			if el.Name.Local == parent.Name.Local {
				return Property{}, &upnperr.MalformedMessageError{Proto: "gena", Reason: "empty property element"}
			}
		}
	}
}

// nextSeq advances a NOTIFY sequence number: a 32-bit counter that wraps
// from 0xFFFFFFFF back to 1, never to 0 (0 is reserved for the initial
// event).
func nextSeq(last uint32) uint32 {
	if last == 0xFFFFFFFF {
		return 1
	}
	return last + 1
}
