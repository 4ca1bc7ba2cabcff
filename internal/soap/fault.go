package soap

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
)

// UPnP error codes defined by UDA. 600-699 are UDA's common action errors,
// 700-799 are reserved for the service's action-specific errors and
// 800-899 are vendor-defined.
const (
	ErrCodeInvalidAction        = 401
	ErrCodeInvalidArgs          = 402
	ErrCodeActionFailed         = 501
	ErrCodeArgumentValueInvalid = 600
	ErrCodeActionNotImplemented = 602
)

// ActionError is returned by an action handler to surface a UPnP error
// with a service-defined code.
type ActionError struct {
	Code        int
	Description string
}

func (e *ActionError) Error() string {
	return "upnp error " + strconv.Itoa(e.Code) + ": " + e.Description
}

// BuildFault serializes the UPnP fault shape: an s:Fault with
// faultcode s:Client and a UPnPError detail element.
func BuildFault(code int, description string) []byte {
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(envelopeOpen)
	buf.WriteString("<s:Body>")
	buf.WriteString("<s:Fault>")
	buf.WriteString("<faultcode>s:Client</faultcode>")
	buf.WriteString("<faultstring>UPnPError</faultstring>")
	buf.WriteString("<detail>")
	buf.WriteString(`<UPnPError xmlns="urn:schemas-upnp-org:control-1-0">`)
	buf.WriteString("<errorCode>")
	buf.WriteString(strconv.Itoa(code))
	buf.WriteString("</errorCode>")
	buf.WriteString("<errorDescription>")
	buf.WriteString(escapeXML(description))
	buf.WriteString("</errorDescription>")
	buf.WriteString("</UPnPError>")
	buf.WriteString("</detail>")
	buf.WriteString("</s:Fault>")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")
	return []byte(buf.String())
}

// ParseFault extracts the UPnP error code and description from a fault
// envelope. It returns ok=false when the payload carries no UPnPError.
func ParseFault(payload []byte) (code int, description string, ok bool) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var codeStr, desc string
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, isStart := tok.(xml.StartElement)
		if !isStart {
			continue
		}
		switch se.Name.Local {
		case "errorCode":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				codeStr = strings.TrimSpace(value)
			}
		case "errorDescription":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				desc = strings.TrimSpace(value)
			}
		}
	}
	if codeStr == "" {
		return 0, "", false
	}
	n, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, "", false
	}
	return n, desc, true
}
