// Package ssdp implements SSDP message encoding/decoding and the discovery
// engine on both sides: the advertiser and search responder for a device
// host, and the monitor and searcher for a control point.
package ssdp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/strefethen/go-upnp/internal/upnperr"
)

// MulticastAddr is the IPv4 UPnP multicast group.
const MulticastAddr = "239.255.255.250:1900"

// DiscoverMan is the mandatory MAN header value of an M-SEARCH.
const DiscoverMan = `"ssdp:discover"`

// Kind enumerates the SSDP message kinds.
type Kind int

const (
	KindAlive Kind = iota
	KindByeBye
	KindUpdate
	KindSearch
	KindSearchResponse
)

func (k Kind) String() string {
	switch k {
	case KindAlive:
		return "ssdp:alive"
	case KindByeBye:
		return "ssdp:byebye"
	case KindUpdate:
		return "ssdp:update"
	case KindSearch:
		return "m-search"
	case KindSearchResponse:
		return "search-response"
	}
	return "unknown"
}

// Absent marks an optional numeric header that is not present.
const Absent = -1

// Message is one decoded SSDP message. Optional numeric fields hold Absent
// when the corresponding header is missing. Extra preserves headers the
// codec does not interpret, keyed by their upper-cased name.
type Message struct {
	Kind Kind

	Host      string
	MaxAge    int // CACHE-CONTROL: max-age=N
	Location  string
	NT        string
	USN       string
	Server    string
	ST        string
	MX        int
	UserAgent string
	Date      string

	BootID     int // BOOTID.UPNP.ORG
	ConfigID   int // CONFIGID.UPNP.ORG
	NextBootID int // NEXTBOOTID.UPNP.ORG
	SearchPort int // SEARCHPORT.UPNP.ORG

	Extra map[string]string
}

func malformed(format string, args ...any) error {
	return &upnperr.MalformedMessageError{Proto: "ssdp", Reason: fmt.Sprintf(format, args...)}
}

// clampMaxAge bounds CACHE-CONTROL max-age to [5, 86400].
func clampMaxAge(n int) int {
	if n < 5 {
		return 5
	}
	if n > 86400 {
		return 86400
	}
	return n
}

// clampMX bounds M-SEARCH MX to [1, 5].
func clampMX(n int) int {
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

var interpretedHeaders = map[string]struct{}{
	"HOST": {}, "CACHE-CONTROL": {}, "LOCATION": {}, "NT": {}, "NTS": {},
	"SERVER": {}, "USN": {}, "ST": {}, "MX": {}, "MAN": {}, "USER-AGENT": {},
	"DATE": {}, "EXT": {}, "BOOTID.UPNP.ORG": {}, "CONFIGID.UPNP.ORG": {},
	"NEXTBOOTID.UPNP.ORG": {}, "SEARCHPORT.UPNP.ORG": {},
}

// Encode serializes m to its wire form, enforcing the per-kind required
// header set, the max-age and MX clamps, and the boot/config/search-port
// rules. Optional numeric fields set to Absent are omitted.
func Encode(m Message) ([]byte, error) {
	var b strings.Builder

	writeHeader := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	writeOptionalIDs := func() error {
		if m.BootID != Absent {
			if m.BootID < 0 {
				return fmt.Errorf("encode ssdp: BOOTID must be >= 0")
			}
			writeHeader("BOOTID.UPNP.ORG", strconv.Itoa(m.BootID))
		}
		if m.ConfigID != Absent {
			if m.ConfigID < 0 {
				return fmt.Errorf("encode ssdp: CONFIGID must be >= 0")
			}
			writeHeader("CONFIGID.UPNP.ORG", strconv.Itoa(m.ConfigID))
		}
		if m.SearchPort != Absent && m.SearchPort >= 49152 && m.SearchPort <= 65535 {
			writeHeader("SEARCHPORT.UPNP.ORG", strconv.Itoa(m.SearchPort))
		}
		return nil
	}

	require := func(field, name string) error {
		if field == "" {
			return fmt.Errorf("encode ssdp %s: missing %s", m.Kind, name)
		}
		return nil
	}

	switch m.Kind {
	case KindAlive:
		for _, chk := range []struct{ v, n string }{
			{m.Host, "HOST"}, {m.Location, "LOCATION"}, {m.NT, "NT"},
			{m.Server, "SERVER"}, {m.USN, "USN"},
		} {
			if err := require(chk.v, chk.n); err != nil {
				return nil, err
			}
		}
		b.WriteString("NOTIFY * HTTP/1.1\r\n")
		writeHeader("HOST", m.Host)
		writeHeader("CACHE-CONTROL", "max-age="+strconv.Itoa(clampMaxAge(m.MaxAge)))
		writeHeader("LOCATION", m.Location)
		writeHeader("NT", m.NT)
		writeHeader("NTS", "ssdp:alive")
		writeHeader("SERVER", m.Server)
		writeHeader("USN", m.USN)
		if err := writeOptionalIDs(); err != nil {
			return nil, err
		}

	case KindByeBye:
		for _, chk := range []struct{ v, n string }{
			{m.Host, "HOST"}, {m.NT, "NT"}, {m.USN, "USN"},
		} {
			if err := require(chk.v, chk.n); err != nil {
				return nil, err
			}
		}
		b.WriteString("NOTIFY * HTTP/1.1\r\n")
		writeHeader("HOST", m.Host)
		writeHeader("NT", m.NT)
		writeHeader("NTS", "ssdp:byebye")
		writeHeader("USN", m.USN)
		if err := writeOptionalIDs(); err != nil {
			return nil, err
		}

	case KindUpdate:
		for _, chk := range []struct{ v, n string }{
			{m.Host, "HOST"}, {m.Location, "LOCATION"}, {m.NT, "NT"}, {m.USN, "USN"},
		} {
			if err := require(chk.v, chk.n); err != nil {
				return nil, err
			}
		}
		if m.BootID == Absent || m.NextBootID == Absent {
			return nil, fmt.Errorf("encode ssdp update: BOOTID and NEXTBOOTID are required")
		}
		if m.BootID < 0 || m.NextBootID < 0 {
			return nil, fmt.Errorf("encode ssdp update: BOOTID and NEXTBOOTID must be >= 0")
		}
		b.WriteString("NOTIFY * HTTP/1.1\r\n")
		writeHeader("HOST", m.Host)
		writeHeader("LOCATION", m.Location)
		writeHeader("NT", m.NT)
		writeHeader("NTS", "ssdp:update")
		writeHeader("USN", m.USN)
		writeHeader("BOOTID.UPNP.ORG", strconv.Itoa(m.BootID))
		writeHeader("NEXTBOOTID.UPNP.ORG", strconv.Itoa(m.NextBootID))
		if m.ConfigID != Absent {
			if m.ConfigID < 0 {
				return nil, fmt.Errorf("encode ssdp: CONFIGID must be >= 0")
			}
			writeHeader("CONFIGID.UPNP.ORG", strconv.Itoa(m.ConfigID))
		}
		if m.SearchPort != Absent && m.SearchPort >= 49152 && m.SearchPort <= 65535 {
			writeHeader("SEARCHPORT.UPNP.ORG", strconv.Itoa(m.SearchPort))
		}

	case KindSearch:
		for _, chk := range []struct{ v, n string }{
			{m.Host, "HOST"}, {m.ST, "ST"}, {m.UserAgent, "USER-AGENT"},
		} {
			if err := require(chk.v, chk.n); err != nil {
				return nil, err
			}
		}
		b.WriteString("M-SEARCH * HTTP/1.1\r\n")
		writeHeader("HOST", m.Host)
		writeHeader("MAN", DiscoverMan)
		writeHeader("MX", strconv.Itoa(clampMX(m.MX)))
		writeHeader("ST", m.ST)
		writeHeader("USER-AGENT", m.UserAgent)

	case KindSearchResponse:
		for _, chk := range []struct{ v, n string }{
			{m.Date, "DATE"}, {m.Location, "LOCATION"}, {m.Server, "SERVER"},
			{m.ST, "ST"}, {m.USN, "USN"},
		} {
			if err := require(chk.v, chk.n); err != nil {
				return nil, err
			}
		}
		b.WriteString("HTTP/1.1 200 OK\r\n")
		writeHeader("CACHE-CONTROL", "max-age="+strconv.Itoa(clampMaxAge(m.MaxAge)))
		writeHeader("DATE", m.Date)
		writeHeader("EXT", "")
		writeHeader("LOCATION", m.Location)
		writeHeader("SERVER", m.Server)
		writeHeader("ST", m.ST)
		writeHeader("USN", m.USN)
		if err := writeOptionalIDs(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("encode ssdp: unknown kind %d", m.Kind)
	}

	if len(m.Extra) > 0 {
		names := make([]string, 0, len(m.Extra))
		for name := range m.Extra {
			names = append(names, strings.ToUpper(name))
		}
		sort.Strings(names)
		for _, name := range names {
			writeHeader(name, m.Extra[name])
		}
	}

	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

// Decode parses one SSDP datagram. It fails with MalformedMessageError
// when a mandatory header for the detected kind is missing or a numeric
// field is out of range; unknown headers are tolerated and preserved.
func Decode(raw []byte) (Message, error) {
	text := string(raw)
	lines := strings.Split(text, "\r\n")
	if len(lines) < 1 || lines[0] == "" {
		return Message{}, malformed("empty datagram")
	}

	headers := make(map[string]string)
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Message{}, malformed("header line %q has no colon", line)
		}
		headers[strings.ToUpper(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	m := Message{
		MaxAge:     Absent,
		MX:         Absent,
		BootID:     Absent,
		ConfigID:   Absent,
		NextBootID: Absent,
		SearchPort: Absent,
	}

	startLine := strings.TrimSpace(lines[0])
	switch {
	case strings.HasPrefix(startLine, "NOTIFY "):
		switch headers["NTS"] {
		case "ssdp:alive":
			m.Kind = KindAlive
		case "ssdp:byebye":
			m.Kind = KindByeBye
		case "ssdp:update":
			m.Kind = KindUpdate
		default:
			return Message{}, malformed("NOTIFY with NTS %q", headers["NTS"])
		}
	case strings.HasPrefix(startLine, "M-SEARCH "):
		m.Kind = KindSearch
	case strings.HasPrefix(startLine, "HTTP/1.1 200"):
		m.Kind = KindSearchResponse
	default:
		return Message{}, malformed("unrecognized start line %q", startLine)
	}

	m.Host = headers["HOST"]
	m.Location = headers["LOCATION"]
	m.NT = headers["NT"]
	m.USN = headers["USN"]
	m.Server = headers["SERVER"]
	m.ST = headers["ST"]
	m.UserAgent = headers["USER-AGENT"]
	m.Date = headers["DATE"]

	if cc, ok := headers["CACHE-CONTROL"]; ok {
		n, err := parseMaxAge(cc)
		if err != nil {
			return Message{}, err
		}
		m.MaxAge = clampMaxAge(n)
	}
	if mx, ok := headers["MX"]; ok {
		n, err := strconv.Atoi(mx)
		if err != nil {
			return Message{}, malformed("MX %q is not an integer", mx)
		}
		m.MX = clampMX(n)
	}

	for _, opt := range []struct {
		header string
		dst    *int
	}{
		{"BOOTID.UPNP.ORG", &m.BootID},
		{"CONFIGID.UPNP.ORG", &m.ConfigID},
		{"NEXTBOOTID.UPNP.ORG", &m.NextBootID},
	} {
		if v, ok := headers[opt.header]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return Message{}, malformed("%s %q must be a non-negative integer", opt.header, v)
			}
			*opt.dst = n
		}
	}
	if v, ok := headers["SEARCHPORT.UPNP.ORG"]; ok {
		// Out-of-range search ports are treated as absent, not an error.
		if n, err := strconv.Atoi(v); err == nil && n >= 49152 && n <= 65535 {
			m.SearchPort = n
		}
	}

	switch m.Kind {
	case KindAlive:
		if m.Host == "" || m.MaxAge == Absent || m.Location == "" || m.NT == "" || m.Server == "" || m.USN == "" {
			return Message{}, malformed("alive missing mandatory header")
		}
	case KindByeBye:
		if m.Host == "" || m.NT == "" || m.USN == "" {
			return Message{}, malformed("byebye missing mandatory header")
		}
	case KindUpdate:
		if m.Host == "" || m.Location == "" || m.NT == "" || m.USN == "" ||
			m.BootID == Absent || m.NextBootID == Absent {
			return Message{}, malformed("update missing mandatory header")
		}
	case KindSearch:
		if headers["MAN"] != DiscoverMan {
			return Message{}, malformed("M-SEARCH MAN %q", headers["MAN"])
		}
		if m.Host == "" || m.MX == Absent || m.ST == "" || m.UserAgent == "" {
			return Message{}, malformed("m-search missing mandatory header")
		}
	case KindSearchResponse:
		if m.MaxAge == Absent || m.Date == "" || m.Location == "" || m.Server == "" || m.ST == "" || m.USN == "" {
			return Message{}, malformed("search response missing mandatory header")
		}
		if _, ok := headers["EXT"]; !ok {
			return Message{}, malformed("search response missing EXT")
		}
	}

	for name, value := range headers {
		if _, known := interpretedHeaders[name]; !known {
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[name] = value
		}
	}

	return m, nil
}

func parseMaxAge(cc string) (int, error) {
	for _, part := range strings.Split(cc, ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "max-age="); ok {
			n, err := strconv.Atoi(rest)
			if err != nil {
				return 0, malformed("CACHE-CONTROL %q: bad max-age", cc)
			}
			return n, nil
		}
	}
	return 0, malformed("CACHE-CONTROL %q: no max-age directive", cc)
}
