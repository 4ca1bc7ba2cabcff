// Package description encodes and parses UPnP description documents: the
// device description served at the SSDP LOCATION, and the per-service
// SCPD. Parsing returns the typed model; it is the pluggable layer between
// the wire XML and everything else.
package description

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"

	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/upnperr"
)

const (
	deviceNS  = "urn:schemas-upnp-org:device-1-0"
	serviceNS = "urn:schemas-upnp-org:service-1-0"
)

type specVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type xmlService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

type xmlDevice struct {
	DeviceType   string       `xml:"deviceType"`
	FriendlyName string       `xml:"friendlyName"`
	Manufacturer string       `xml:"manufacturer"`
	ModelName    string       `xml:"modelName"`
	ModelNumber  string       `xml:"modelNumber,omitempty"`
	SerialNumber string       `xml:"serialNumber,omitempty"`
	UDN          string       `xml:"UDN"`
	Services     []xmlService `xml:"serviceList>service"`
	Devices      []xmlDevice  `xml:"deviceList>device"`
}

type xmlRoot struct {
	XMLName     xml.Name    `xml:"root"`
	XMLNS       string      `xml:"xmlns,attr"`
	SpecVersion specVersion `xml:"specVersion"`
	URLBase     string      `xml:"URLBase,omitempty"`
	Device      xmlDevice   `xml:"device"`
}

// EncodeDevice serializes the device tree as a UDA device description
// document.
func EncodeDevice(rd *model.RootDevice) ([]byte, error) {
	doc := xmlRoot{
		XMLNS:       deviceNS,
		SpecVersion: specVersion{Major: 1, Minor: 1},
		Device:      encodeDevice(&rd.Device),
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func encodeDevice(d *model.Device) xmlDevice {
	xd := xmlDevice{
		DeviceType:   d.Type.String(),
		FriendlyName: d.FriendlyName,
		Manufacturer: d.Manufacturer,
		ModelName:    d.ModelName,
		ModelNumber:  d.ModelNumber,
		SerialNumber: d.SerialNumber,
		UDN:          d.UDN.String(),
	}
	for _, s := range d.Services {
		xd.Services = append(xd.Services, xmlService{
			ServiceType: s.Type.String(),
			ServiceID:   s.ID.String(),
			SCPDURL:     s.SCPDURL,
			ControlURL:  s.ControlURL,
			EventSubURL: s.EventSubURL,
		})
	}
	for _, c := range d.Children {
		xd.Devices = append(xd.Devices, encodeDevice(c))
	}
	return xd
}

// ParseDevice builds the device model from a description document fetched
// from base (normally the SSDP LOCATION). Services carry their URLs but no
// actions or state variables until their SCPD is applied. The URLBase
// element, when present, overrides base.
func ParseDevice(data []byte, base *url.URL, level model.ValidationLevel) (*model.RootDevice, error) {
	var doc xmlRoot
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &upnperr.InvalidDescriptionError{Reason: fmt.Sprintf("device description: %v", err)}
	}

	dev, err := parseDevice(doc.Device, level)
	if err != nil {
		return nil, &upnperr.InvalidDescriptionError{Reason: err.Error()}
	}

	rd, err := model.NewRootDevice(*dev, level)
	if err != nil {
		return nil, &upnperr.InvalidDescriptionError{Reason: err.Error()}
	}

	rd.BaseURL = base
	if doc.URLBase != "" {
		u, err := url.Parse(doc.URLBase)
		if err == nil && u.IsAbs() {
			rd.BaseURL = u
		}
	}
	return rd, nil
}

func parseDevice(xd xmlDevice, level model.ValidationLevel) (*model.Device, error) {
	devType, err := model.ParseTypeURN(xd.DeviceType)
	if err != nil {
		return nil, err
	}
	udn, err := model.ParseUDN(xd.UDN, level)
	if err != nil {
		return nil, err
	}

	d := &model.Device{
		UDN:          udn,
		Type:         devType,
		FriendlyName: xd.FriendlyName,
		Manufacturer: xd.Manufacturer,
		ModelName:    xd.ModelName,
		ModelNumber:  xd.ModelNumber,
		SerialNumber: xd.SerialNumber,
	}

	for _, xs := range xd.Services {
		svcType, err := model.ParseTypeURN(xs.ServiceType)
		if err != nil {
			if level == model.ValidationLoose {
				continue // skip services we cannot identify
			}
			return nil, err
		}
		svcID, err := model.ParseServiceID(xs.ServiceID, level)
		if err != nil {
			return nil, err
		}
		svc, err := model.NewService(svcID, svcType, nil, nil, level)
		if err != nil {
			return nil, err
		}
		svc.SCPDURL = xs.SCPDURL
		svc.ControlURL = xs.ControlURL
		svc.EventSubURL = xs.EventSubURL
		d.Services = append(d.Services, svc)
	}

	for _, xc := range xd.Devices {
		child, err := parseDevice(xc, level)
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, child)
	}
	return d, nil
}

type xmlArgument struct {
	Name                 string `xml:"name"`
	Direction            string `xml:"direction"`
	RelatedStateVariable string `xml:"relatedStateVariable"`
}

type xmlAction struct {
	Name      string        `xml:"name"`
	Arguments []xmlArgument `xml:"argumentList>argument"`
}

type xmlAllowedRange struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
	Step    string `xml:"step,omitempty"`
}

type xmlStateVariable struct {
	SendEvents    string           `xml:"sendEvents,attr,omitempty"`
	Name          string           `xml:"name"`
	DataType      string           `xml:"dataType"`
	DefaultValue  string           `xml:"defaultValue,omitempty"`
	AllowedValues []string         `xml:"allowedValueList>allowedValue,omitempty"`
	AllowedRange  *xmlAllowedRange `xml:"allowedValueRange,omitempty"`
}

type xmlSCPD struct {
	XMLName        xml.Name           `xml:"scpd"`
	XMLNS          string             `xml:"xmlns,attr"`
	SpecVersion    specVersion        `xml:"specVersion"`
	Actions        []xmlAction        `xml:"actionList>action"`
	StateVariables []xmlStateVariable `xml:"serviceStateTable>stateVariable"`
}

// EncodeSCPD serializes the service control protocol description of a
// service.
func EncodeSCPD(svc *model.Service) ([]byte, error) {
	doc := xmlSCPD{
		XMLNS:       serviceNS,
		SpecVersion: specVersion{Major: 1, Minor: 1},
	}
	for _, a := range svc.Actions {
		xa := xmlAction{Name: a.Name}
		for _, arg := range a.In {
			xa.Arguments = append(xa.Arguments, xmlArgument{
				Name: arg.Name, Direction: string(model.DirIn), RelatedStateVariable: arg.RelatedStateVariable,
			})
		}
		for _, arg := range a.Out {
			xa.Arguments = append(xa.Arguments, xmlArgument{
				Name: arg.Name, Direction: string(model.DirOut), RelatedStateVariable: arg.RelatedStateVariable,
			})
		}
		doc.Actions = append(doc.Actions, xa)
	}
	for _, v := range svc.StateVariables {
		xv := xmlStateVariable{
			Name:          v.Name,
			DataType:      string(v.Type),
			DefaultValue:  v.DefaultValue,
			AllowedValues: v.AllowedValues,
			SendEvents:    "no",
		}
		if v.SendEvents {
			xv.SendEvents = "yes"
		}
		if v.AllowedRange != nil {
			xv.AllowedRange = &xmlAllowedRange{
				Minimum: strconv.FormatFloat(v.AllowedRange.Minimum, 'f', -1, 64),
				Maximum: strconv.FormatFloat(v.AllowedRange.Maximum, 'f', -1, 64),
			}
			if v.AllowedRange.Step != 0 {
				xv.AllowedRange.Step = strconv.FormatFloat(v.AllowedRange.Step, 'f', -1, 64)
			}
		}
		doc.StateVariables = append(doc.StateVariables, xv)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// ApplySCPD parses an SCPD document and fills the service's actions and
// state variables, revalidating the per-service invariants.
func ApplySCPD(svc *model.Service, data []byte, level model.ValidationLevel) error {
	var doc xmlSCPD
	if err := xml.Unmarshal(data, &doc); err != nil {
		return &upnperr.InvalidDescriptionError{Reason: fmt.Sprintf("scpd for %s: %v", svc.ID, err)}
	}

	var vars []*model.StateVariable
	for _, xv := range doc.StateVariables {
		dt, err := model.ParseDataType(xv.DataType)
		if err != nil {
			if level == model.ValidationLoose {
				dt = model.TypeString // tolerate vendor types, treat as opaque text
			} else {
				return &upnperr.InvalidDescriptionError{Reason: err.Error()}
			}
		}
		// sendEvents defaults to yes when the attribute is omitted.
		sendEvents := xv.SendEvents != "no"
		v, err := model.NewStateVariable(xv.Name, dt, sendEvents)
		if err != nil {
			return &upnperr.InvalidDescriptionError{Reason: err.Error()}
		}
		v.AllowedValues = xv.AllowedValues
		if xv.AllowedRange != nil {
			minV, errMin := strconv.ParseFloat(xv.AllowedRange.Minimum, 64)
			maxV, errMax := strconv.ParseFloat(xv.AllowedRange.Maximum, 64)
			if errMin == nil && errMax == nil {
				r := &model.AllowedValueRange{Minimum: minV, Maximum: maxV}
				if step, err := strconv.ParseFloat(xv.AllowedRange.Step, 64); err == nil {
					r.Step = step
				}
				v.AllowedRange = r
			}
		}
		if xv.DefaultValue != "" {
			if err := v.SetDefault(xv.DefaultValue); err != nil && level == model.ValidationStrict {
				return &upnperr.InvalidDescriptionError{Reason: err.Error()}
			}
		}
		vars = append(vars, v)
	}

	var actions []*model.Action
	for _, xa := range doc.Actions {
		var args []model.Argument
		for _, xarg := range xa.Arguments {
			args = append(args, model.Argument{
				Name:                 xarg.Name,
				Direction:            model.Direction(xarg.Direction),
				RelatedStateVariable: xarg.RelatedStateVariable,
			})
		}
		a, err := model.NewAction(xa.Name, args)
		if err != nil {
			return &upnperr.InvalidDescriptionError{Reason: err.Error()}
		}
		actions = append(actions, a)
	}

	// Rebuild through NewService so the cross-reference invariants hold.
	rebuilt, err := model.NewService(svc.ID, svc.Type, actions, vars, level)
	if err != nil {
		return &upnperr.InvalidDescriptionError{Reason: err.Error()}
	}
	svc.Actions = rebuilt.Actions
	svc.StateVariables = rebuilt.StateVariables
	for _, a := range svc.Actions {
		a.Service = svc
	}
	return nil
}
