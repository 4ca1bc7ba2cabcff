package ssdp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/logging"
)

// EventType classifies what a received SSDP message means to a control
// point.
type EventType int

const (
	EventAlive EventType = iota
	EventByeBye
	EventUpdate
	EventSearchResponse
)

// Event is one discovery-relevant message delivered by the Monitor.
type Event struct {
	Type EventType
	Msg  Message
	From net.Addr
}

// Monitor is the control-point side of the SSDP engine: it listens on the
// multicast group for advertisements and on a unicast socket for search
// responses, and streams both as Events. Malformed datagrams are dropped
// silently.
type Monitor struct {
	mconn net.PacketConn // multicast group member
	uconn net.PacketConn // ephemeral unicast endpoint for M-SEARCH

	group  net.Addr
	events chan Event

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup

	userAgent string
}

// NewMonitor creates a monitor. The sockets are opened by Start.
func NewMonitor(userAgent string) *Monitor {
	if userAgent == "" {
		userAgent = DefaultServerToken
	}
	return &Monitor{
		events:    make(chan Event, 64),
		stopCh:    make(chan struct{}),
		userAgent: userAgent,
	}
}

// Events returns the discovery event stream. The channel is closed when
// the monitor stops.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Start joins the multicast group and begins listening.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("monitor already started")
	}

	if m.mconn == nil {
		group, err := net.ResolveUDPAddr("udp4", MulticastAddr)
		if err != nil {
			return err
		}
		mconn, err := net.ListenMulticastUDP("udp4", nil, group)
		if err != nil {
			return fmt.Errorf("join multicast group: %w", err)
		}
		uconn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			mconn.Close()
			return err
		}
		m.mconn = mconn
		m.uconn = uconn
		m.group = group
	}
	m.started = true

	m.wg.Add(2)
	go m.recvLoop(m.mconn)
	go m.recvLoop(m.uconn)

	go func() {
		m.wg.Wait()
		close(m.events)
	}()

	logging.Info("SSDP: monitor listening", zap.String("group", MulticastAddr))
	return nil
}

// Search issues an M-SEARCH for the given target, repeated over the
// configured number of passes. Responses arrive as EventSearchResponse on
// the event stream.
func (m *Monitor) Search(ctx context.Context, st string, mx int, passes int, passInterval time.Duration) error {
	if st == "" {
		st = SearchAll
	}
	if passes < 1 {
		passes = 1
	}
	msg := Message{
		Kind:       KindSearch,
		Host:       MulticastAddr,
		MX:         clampMX(mx),
		ST:         st,
		UserAgent:  m.userAgent,
		MaxAge:     Absent,
		BootID:     Absent,
		ConfigID:   Absent,
		NextBootID: Absent,
		SearchPort: Absent,
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}

	for pass := 0; pass < passes; pass++ {
		if _, err := m.uconn.WriteTo(raw, m.group); err != nil {
			return fmt.Errorf("send m-search: %w", err)
		}
		if pass < passes-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.stopCh:
				return nil
			case <-time.After(passInterval):
			}
		}
	}
	logging.Debug("SSDP: search sent", zap.String("st", st), zap.Int("passes", passes))
	return nil
}

// Stop closes the sockets and ends the event stream.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	select {
	case <-m.stopCh:
		return
	default:
	}
	close(m.stopCh)
	m.mconn.Close()
	m.uconn.Close()
}

func (m *Monitor) recvLoop(conn net.PacketConn) {
	defer m.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			logging.Debug("SSDP: dropped malformed datagram", zap.Error(err))
			continue
		}

		var evType EventType
		switch msg.Kind {
		case KindAlive:
			evType = EventAlive
		case KindByeBye:
			evType = EventByeBye
		case KindUpdate:
			evType = EventUpdate
		case KindSearchResponse:
			evType = EventSearchResponse
		default:
			continue // hosts handle M-SEARCH, not control points
		}

		select {
		case m.events <- Event{Type: evType, Msg: msg, From: from}:
		default:
			// A stalled consumer sheds load here; SSDP rebroadcasts.
			logging.Warn("SSDP: event channel full, dropping", zap.String("usn", msg.USN))
		}
	}
}
