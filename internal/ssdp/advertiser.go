package ssdp

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
)

// MinAdvertisementAge is the smallest CACHE-CONTROL max-age a host may
// advertise.
const MinAdvertisementAge = 1800

// AdvertiserConfig configures SSDP advertising for one hosted root device.
type AdvertiserConfig struct {
	// MaxAge is the advertised CACHE-CONTROL max-age in seconds. Values
	// below MinAdvertisementAge are raised to it.
	MaxAge int

	// Location is the absolute URL of the root device description.
	Location string

	// ServerToken is the SERVER header value.
	ServerToken string

	// BootID and ConfigID are announced when >= 0; Absent omits them.
	BootID   int
	ConfigID int
}

// Advertiser announces one root device over SSDP: the ALIVE burst on
// start, the rebroadcast schedule, M-SEARCH responses, and the BYEBYE
// burst on shutdown. It owns the multicast socket; nothing else writes it.
type Advertiser struct {
	cfg     AdvertiserConfig
	targets []Advertisement

	conn  net.PacketConn
	group net.Addr

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup

	// Injectable for tests.
	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// NewAdvertiser builds an advertiser for the root device. The socket is
// opened by Start.
func NewAdvertiser(root *model.RootDevice, cfg AdvertiserConfig) (*Advertiser, error) {
	if cfg.Location == "" {
		return nil, fmt.Errorf("advertiser: location is required")
	}
	if cfg.MaxAge < MinAdvertisementAge {
		cfg.MaxAge = MinAdvertisementAge
	}
	if cfg.ServerToken == "" {
		cfg.ServerToken = DefaultServerToken
	}
	return &Advertiser{
		cfg:     cfg,
		targets: AdvertisementTargets(root),
		stopCh:  make(chan struct{}),
		now:     time.Now,
		jitter:  randomJitter,
	}, nil
}

// DefaultServerToken identifies this stack in SERVER headers.
const DefaultServerToken = "Linux/5.0 UPnP/1.1 go-upnp/1.0"

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Start opens the multicast socket, sends the initial ALIVE bursts and
// begins answering M-SEARCH requests and rebroadcasting on schedule.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("advertiser already started")
	}

	if a.conn == nil {
		group, err := net.ResolveUDPAddr("udp4", MulticastAddr)
		if err != nil {
			return err
		}
		conn, err := net.ListenMulticastUDP("udp4", nil, group)
		if err != nil {
			return fmt.Errorf("join multicast group: %w", err)
		}
		a.conn = conn
		a.group = group
	}
	a.started = true

	logging.Info("SSDP: advertising started",
		zap.String("location", a.cfg.Location),
		zap.Int("targets", len(a.targets)),
		zap.Int("max_age", a.cfg.MaxAge))

	// UDP is lossy; UDA sends each advertisement burst more than once.
	a.sendAliveBurst()
	a.sendAliveBurst()

	a.wg.Add(2)
	go a.rebroadcastLoop()
	go a.recvLoop()
	return nil
}

// Stop sends the BYEBYE burst for every advertised target and closes the
// socket. It blocks until the loops exit or ctx is done.
func (a *Advertiser) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	a.mu.Unlock()

	a.sendByeByeBurst()
	a.conn.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendAliveBurst emits one ALIVE per advertised target with [0, 100] ms
// spacing to avoid datagram bursts.
func (a *Advertiser) sendAliveBurst() {
	for i, target := range a.targets {
		if i > 0 {
			a.sleep(a.jitter(100 * time.Millisecond))
		}
		msg := Message{
			Kind:       KindAlive,
			Host:       MulticastAddr,
			MaxAge:     a.cfg.MaxAge,
			Location:   a.cfg.Location,
			NT:         target.NT,
			USN:        target.USN,
			Server:     a.cfg.ServerToken,
			BootID:     a.cfg.BootID,
			ConfigID:   a.cfg.ConfigID,
			NextBootID: Absent,
			SearchPort: Absent,
		}
		a.send(msg, a.group)
	}
}

func (a *Advertiser) sendByeByeBurst() {
	for _, target := range a.targets {
		msg := Message{
			Kind:       KindByeBye,
			Host:       MulticastAddr,
			NT:         target.NT,
			USN:        target.USN,
			MaxAge:     Absent,
			MX:         Absent,
			BootID:     a.cfg.BootID,
			ConfigID:   a.cfg.ConfigID,
			NextBootID: Absent,
			SearchPort: Absent,
		}
		a.send(msg, a.group)
	}
	logging.Info("SSDP: byebye burst sent", zap.Int("targets", len(a.targets)))
}

func (a *Advertiser) send(msg Message, to net.Addr) {
	raw, err := Encode(msg)
	if err != nil {
		logging.Error("SSDP: encode failed", zap.Error(err))
		return
	}
	if _, err := a.conn.WriteTo(raw, to); err != nil {
		logging.Warn("SSDP: send failed", zap.Error(err))
	}
}

// rebroadcastLoop re-sends the ALIVE set every maxAge/2 − rand[0, maxAge/4]
// seconds so caches never expire while the host is up.
func (a *Advertiser) rebroadcastLoop() {
	defer a.wg.Done()
	for {
		period := time.Duration(a.cfg.MaxAge/2)*time.Second - a.jitter(time.Duration(a.cfg.MaxAge/4)*time.Second)
		select {
		case <-time.After(period):
			a.sendAliveBurst()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Advertiser) recvLoop() {
	defer a.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, from, err := a.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.stopCh:
			default:
				logging.Warn("SSDP: read failed", zap.Error(err))
			}
			return
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			// Malformed datagrams are dropped silently per UDA.
			logging.Debug("SSDP: dropped malformed datagram", zap.Error(err))
			continue
		}
		if msg.Kind != KindSearch {
			continue
		}
		a.handleSearch(msg, from)
	}
}

// handleSearch schedules one unicast response per matching target, each
// after a uniform random delay in [0, min(MX, 5)] seconds.
func (a *Advertiser) handleSearch(msg Message, from net.Addr) {
	matches := MatchTargets(msg.ST, a.targets)
	if len(matches) == 0 {
		return
	}
	window := time.Duration(clampMX(msg.MX)) * time.Second

	logging.Debug("SSDP: answering search",
		zap.String("st", msg.ST),
		zap.String("from", from.String()),
		zap.Int("matches", len(matches)))

	for _, match := range matches {
		match := match
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			select {
			case <-time.After(a.jitter(window)):
			case <-a.stopCh:
				return
			}
			resp := Message{
				Kind:       KindSearchResponse,
				MaxAge:     a.cfg.MaxAge,
				Date:       a.now().UTC().Format(http.TimeFormat),
				Location:   a.cfg.Location,
				Server:     a.cfg.ServerToken,
				ST:         match.NT,
				USN:        match.USN,
				MX:         Absent,
				BootID:     a.cfg.BootID,
				ConfigID:   a.cfg.ConfigID,
				NextBootID: Absent,
				SearchPort: Absent,
			}
			a.send(resp, from)
		}()
	}
}

func (a *Advertiser) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-a.stopCh:
	}
}
