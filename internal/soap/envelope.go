// Package soap implements the SOAP action codec, the control-point
// invoker and the host-side dispatcher.
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/strefethen/go-upnp/internal/upnperr"
)

// Arg is one named action argument in wire form. Order is significant:
// arguments appear as child elements of the action element in declared
// order.
type Arg struct {
	Name  string
	Value string
}

const envelopeOpen = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`

// BuildRequest serializes a SOAP action request envelope.
func BuildRequest(serviceType, action string, args []Arg) []byte {
	return buildEnvelope(serviceType, action, args)
}

// BuildResponse serializes a SOAP action response envelope
// (<ActionNameResponse>).
func BuildResponse(serviceType, action string, args []Arg) []byte {
	return buildEnvelope(serviceType, action+"Response", args)
}

func buildEnvelope(serviceType, element string, args []Arg) []byte {
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(envelopeOpen)
	buf.WriteString("<s:Body>")
	buf.WriteString("<u:")
	buf.WriteString(element)
	buf.WriteString(` xmlns:u="`)
	buf.WriteString(serviceType)
	buf.WriteString(`">`)

	for _, arg := range args {
		buf.WriteString("<")
		buf.WriteString(arg.Name)
		buf.WriteString(">")
		buf.WriteString(escapeXML(arg.Value))
		buf.WriteString("</")
		buf.WriteString(arg.Name)
		buf.WriteString(">")
	}

	buf.WriteString("</u:")
	buf.WriteString(element)
	buf.WriteString(">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")

	return []byte(buf.String())
}

func escapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}

func malformed(format string, args ...any) error {
	return &upnperr.MalformedMessageError{Proto: "soap", Reason: fmt.Sprintf(format, args...)}
}

// ParseRequest extracts the action name and the ordered argument list from
// an action request envelope.
func ParseRequest(payload []byte) (string, []Arg, error) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	inBody := false
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, malformed("request envelope: %v", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !inBody {
			if se.Name.Local == "Body" {
				inBody = true
			}
			continue
		}
		args, err := decodeChildArgs(decoder, se)
		if err != nil {
			return "", nil, err
		}
		return se.Name.Local, args, nil
	}
	return "", nil, malformed("request envelope has no action element")
}

// ParseResponse extracts the ordered output arguments from an
// <ActionNameResponse> envelope for the given action.
func ParseResponse(payload []byte, action string) ([]Arg, error) {
	want := action + "Response"
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed("response envelope: %v", err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == want {
			return decodeChildArgs(decoder, se)
		}
	}
	return nil, malformed("response envelope has no %s element", want)
}

func decodeChildArgs(decoder *xml.Decoder, parent xml.StartElement) ([]Arg, error) {
	var args []Arg
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, malformed("arguments of %s: %v", parent.Name.Local, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			var value string
			if err := decoder.DecodeElement(&value, &el); err != nil {
				return nil, malformed("argument %s: %v", el.Name.Local, err)
			}
			args = append(args, Arg{Name: el.Name.Local, Value: value})
		case xml.EndElement:
			if el.Name.Local == parent.Name.Local {
				return args, nil
			}
		}
	}
}

// ParseSOAPAction splits a SOAPACTION header value, optionally quoted,
// into service type and action name.
func ParseSOAPAction(header string) (serviceType, action string, err error) {
	v := strings.TrimSpace(header)
	v = strings.Trim(v, `"`)
	serviceType, action, ok := strings.Cut(v, "#")
	if !ok || serviceType == "" || action == "" {
		return "", "", malformed("SOAPACTION %q: want \"urn:<type>#<action>\"", header)
	}
	return serviceType, action, nil
}

// FormatSOAPAction builds the quoted SOAPACTION header value.
func FormatSOAPAction(serviceType, action string) string {
	return fmt.Sprintf("%q", serviceType+"#"+action)
}
