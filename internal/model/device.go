package model

import (
	"fmt"
	"net/url"
)

// MaxDeviceDepth bounds the embedded-device tree. Descriptions deeper than
// this are rejected rather than walked.
const MaxDeviceDepth = 16

// Device is one node of a device tree. Children are owned by their parent;
// the parent relation is resolved through the owning RootDevice's index,
// not through back-pointers.
type Device struct {
	UDN          UDN
	Type         TypeURN
	FriendlyName string
	Manufacturer string
	ModelName    string
	ModelNumber  string
	SerialNumber string

	Services []*Service
	Children []*Device
}

// RootDevice is the top of a device tree plus the arena index that maps
// every UDN in the tree to its device and parent.
type RootDevice struct {
	Device

	// BaseURL is the absolute URL all service URLs resolve against. On
	// the control point this derives from the SSDP LOCATION; on the host
	// it is the bound HTTP endpoint.
	BaseURL *url.URL

	byUDN    map[UDN]*Device
	parentOf map[UDN]UDN
}

// NewRootDevice validates the tree rooted at dev and builds the arena
// index. Validation level applies to every identifier in the tree; the
// structural invariants (unique UDNs, bounded depth, per-service rules via
// NewService) hold at both levels.
func NewRootDevice(dev Device, level ValidationLevel) (*RootDevice, error) {
	rd := &RootDevice{
		Device:   dev,
		byUDN:    make(map[UDN]*Device),
		parentOf: make(map[UDN]UDN),
	}
	if err := rd.index(&rd.Device, "", 1, level); err != nil {
		return nil, err
	}
	return rd, nil
}

func (rd *RootDevice) index(d *Device, parent UDN, depth int, level ValidationLevel) error {
	if depth > MaxDeviceDepth {
		return fmt.Errorf("device tree deeper than %d levels", MaxDeviceDepth)
	}
	if _, err := ParseUDN(string(d.UDN), level); err != nil {
		return err
	}
	if _, dup := rd.byUDN[d.UDN]; dup {
		return fmt.Errorf("duplicate UDN %s in device tree", d.UDN)
	}
	if d.Type.IsZero() {
		return fmt.Errorf("device %s: type is empty", d.UDN)
	}
	if d.Type.Kind != URNDevice {
		return fmt.Errorf("device %s: type %s is not a device URN", d.UDN, d.Type)
	}
	if level == ValidationStrict {
		if d.FriendlyName == "" {
			return fmt.Errorf("device %s: friendly name is required", d.UDN)
		}
		if d.Manufacturer == "" {
			return fmt.Errorf("device %s: manufacturer is required", d.UDN)
		}
		if d.ModelName == "" {
			return fmt.Errorf("device %s: model name is required", d.UDN)
		}
		for _, s := range d.Services {
			if err := s.checkURLs(); err != nil {
				return fmt.Errorf("device %s: %w", d.UDN, err)
			}
		}
	}
	seenIDs := make(map[ServiceID]struct{}, len(d.Services))
	for _, s := range d.Services {
		if _, dup := seenIDs[s.ID]; dup {
			return fmt.Errorf("device %s: duplicate service ID %s", d.UDN, s.ID)
		}
		seenIDs[s.ID] = struct{}{}
	}

	rd.byUDN[d.UDN] = d
	if parent != "" {
		rd.parentOf[d.UDN] = parent
	}
	for _, child := range d.Children {
		if err := rd.index(child, d.UDN, depth+1, level); err != nil {
			return err
		}
	}
	return nil
}

// DeviceByUDN returns the device with the given UDN anywhere in the tree,
// or nil.
func (rd *RootDevice) DeviceByUDN(udn UDN) *Device {
	return rd.byUDN[udn]
}

// ParentOf returns the parent of the given device, or nil for the root.
func (rd *RootDevice) ParentOf(udn UDN) *Device {
	p, ok := rd.parentOf[udn]
	if !ok {
		return nil
	}
	return rd.byUDN[p]
}

// Walk visits every device in the tree, root first.
func (rd *RootDevice) Walk(fn func(*Device)) {
	var walk func(*Device)
	walk = func(d *Device) {
		fn(d)
		for _, c := range d.Children {
			walk(c)
		}
	}
	walk(&rd.Device)
}

// ServiceByID finds a service anywhere in the tree by its ID. It returns
// the owning device and the service, or nils.
func (rd *RootDevice) ServiceByID(id ServiceID) (*Device, *Service) {
	var foundDev *Device
	var foundSvc *Service
	rd.Walk(func(d *Device) {
		if foundSvc != nil {
			return
		}
		for _, s := range d.Services {
			if s.ID == id {
				foundDev, foundSvc = d, s
				return
			}
		}
	})
	return foundDev, foundSvc
}

// AllServices returns every service in the tree, root first.
func (rd *RootDevice) AllServices() []*Service {
	var out []*Service
	rd.Walk(func(d *Device) {
		out = append(out, d.Services...)
	})
	return out
}

// ResolveURL resolves a service-relative URL against the base URL.
func (rd *RootDevice) ResolveURL(rel string) (*url.URL, error) {
	if rd.BaseURL == nil {
		return nil, fmt.Errorf("root device %s has no base URL", rd.UDN)
	}
	ref, err := url.Parse(rel)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", rel, err)
	}
	return rd.BaseURL.ResolveReference(ref), nil
}
