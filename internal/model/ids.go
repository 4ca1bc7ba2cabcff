// Package model holds the in-memory UPnP device model: devices, services,
// actions, state variables and their identifiers. The model is a passive
// substrate; all mutation outside construction happens through the engine
// that owns the entity, and the model itself provides no locking.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ValidationLevel selects how strictly identifiers and descriptions are
// checked. Strict is UDA-conforming and used for locally hosted devices;
// Loose tolerates the common deviations of non-conforming peers and is
// used when building the model from messages received off the wire.
type ValidationLevel int

const (
	ValidationStrict ValidationLevel = iota
	ValidationLoose
)

// UDN is a Unique Device Name: a case-sensitive "uuid:"-prefixed identifier.
type UDN string

// NewUDN allocates a fresh random UDN.
func NewUDN() UDN {
	return UDN("uuid:" + uuid.New().String())
}

// ParseUDN validates s as a UDN. Strict validation requires the uuid:
// prefix and a well-formed UUID value; loose only requires the prefix and
// a non-empty remainder.
func ParseUDN(s string, level ValidationLevel) (UDN, error) {
	rest, ok := strings.CutPrefix(s, "uuid:")
	if !ok || rest == "" {
		return "", fmt.Errorf("UDN %q: missing uuid: prefix", s)
	}
	if level == ValidationStrict {
		if _, err := uuid.Parse(rest); err != nil {
			return "", fmt.Errorf("UDN %q: %w", s, err)
		}
	}
	return UDN(s), nil
}

func (u UDN) String() string { return string(u) }

// URNKind distinguishes device-type URNs from service-type URNs.
type URNKind string

const (
	URNDevice  URNKind = "device"
	URNService URNKind = "service"
)

// TypeURN is a versioned device or service type of the form
// urn:<domain>:device:<name>:<ver> or urn:<domain>:service:<name>:<ver>.
type TypeURN struct {
	Domain  string
	Kind    URNKind
	Name    string
	Version int
}

// ParseTypeURN parses a type URN. The version must be positive.
func ParseTypeURN(s string) (TypeURN, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != "urn" {
		return TypeURN{}, fmt.Errorf("type URN %q: want urn:<domain>:<kind>:<name>:<ver>", s)
	}
	kind := URNKind(parts[2])
	if kind != URNDevice && kind != URNService {
		return TypeURN{}, fmt.Errorf("type URN %q: kind %q is not device or service", s, parts[2])
	}
	ver, err := strconv.Atoi(parts[4])
	if err != nil || ver < 1 {
		return TypeURN{}, fmt.Errorf("type URN %q: version %q is not a positive integer", s, parts[4])
	}
	if parts[1] == "" || parts[3] == "" {
		return TypeURN{}, fmt.Errorf("type URN %q: empty domain or name", s)
	}
	return TypeURN{Domain: parts[1], Kind: kind, Name: parts[3], Version: ver}, nil
}

func (t TypeURN) String() string {
	return fmt.Sprintf("urn:%s:%s:%s:%d", t.Domain, t.Kind, t.Name, t.Version)
}

// IsZero reports whether the URN is unset.
func (t TypeURN) IsZero() bool { return t.Name == "" }

// Compatible reports whether a resource of type t satisfies a request for
// type want: same domain, kind and name, with t's version at least want's.
func (t TypeURN) Compatible(want TypeURN) bool {
	return t.Domain == want.Domain && t.Kind == want.Kind &&
		t.Name == want.Name && t.Version >= want.Version
}

// ServiceID is a service identifier URN, e.g.
// urn:upnp-org:serviceId:SwitchPower.
type ServiceID string

// ParseServiceID validates s as a service identifier. Strict validation
// requires the four-part urn:<domain>:serviceId:<id> shape; loose accepts
// any non-empty string, which some stacks emit.
func ParseServiceID(s string, level ValidationLevel) (ServiceID, error) {
	if s == "" {
		return "", fmt.Errorf("service ID is empty")
	}
	if level == ValidationLoose {
		return ServiceID(s), nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != "urn" || parts[2] != "serviceId" || parts[3] == "" {
		return "", fmt.Errorf("service ID %q: want urn:<domain>:serviceId:<id>", s)
	}
	return ServiceID(s), nil
}

func (s ServiceID) String() string { return string(s) }

// ShortName returns the trailing identifier segment, used for URL paths.
func (s ServiceID) ShortName() string {
	parts := strings.Split(string(s), ":")
	return parts[len(parts)-1]
}

// USN is a Unique Service Name: the canonical SSDP identity of an
// advertised target, composed of a UDN and optionally a target suffix.
type USN struct {
	UDN    UDN
	Target string // empty, "upnp:rootdevice", or a type URN
}

// ParseUSN splits a USN header value into its UDN and target halves.
func ParseUSN(s string, level ValidationLevel) (USN, error) {
	head, target, _ := strings.Cut(s, "::")
	udn, err := ParseUDN(head, level)
	if err != nil {
		return USN{}, fmt.Errorf("USN %q: %w", s, err)
	}
	return USN{UDN: udn, Target: target}, nil
}

func (u USN) String() string {
	if u.Target == "" {
		return u.UDN.String()
	}
	return u.UDN.String() + "::" + u.Target
}
