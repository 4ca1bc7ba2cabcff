package gena

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/upnperr"
)

// ErrSubscriptionNotFound indicates the publisher no longer knows the SID
// (HTTP 412); the sink must subscribe from scratch.
var ErrSubscriptionNotFound = fmt.Errorf("subscription not found")

// SubscriptionClient speaks the GENA subscription protocol to a device's
// event URL.
type SubscriptionClient struct {
	httpClient *http.Client
}

// NewSubscriptionClient creates a new subscription client.
func NewSubscriptionClient(timeout time.Duration) *SubscriptionClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SubscriptionClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Subscribe sends a first-time SUBSCRIBE and returns the SID and the
// server-granted timeout in seconds.
func (c *SubscriptionClient) Subscribe(ctx context.Context, eventURL *url.URL, callbackURL string, timeoutSec int) (sid string, actualTimeout int, err error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL.String(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("CALLBACK", fmt.Sprintf("<%s>", callbackURL))
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", timeoutSec))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &upnperr.TransportError{Op: "subscribe", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("subscribe failed: %s", resp.Status)
	}

	sid = strings.TrimSpace(resp.Header.Get("SID"))
	if sid == "" {
		return "", 0, fmt.Errorf("no SID in response")
	}
	actualTimeout = parseTimeoutSeconds(resp.Header.Get("TIMEOUT"), timeoutSec)
	return sid, actualTimeout, nil
}

// Renew extends an existing subscription. A 412 maps to
// ErrSubscriptionNotFound.
func (c *SubscriptionClient) Renew(ctx context.Context, eventURL *url.URL, sid string, timeoutSec int) (actualTimeout int, err error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", timeoutSec))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &upnperr.TransportError{Op: "renew", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusPreconditionFailed {
		return 0, ErrSubscriptionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("renew failed: %s", resp.Status)
	}
	return parseTimeoutSeconds(resp.Header.Get("TIMEOUT"), timeoutSec), nil
}

// Unsubscribe removes a subscription. Network errors and 412 are not
// failures; the device may already be gone.
func (c *SubscriptionClient) Unsubscribe(ctx context.Context, eventURL *url.URL, sid string) error {
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", eventURL.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("SID", sid)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unsubscribe failed: %s", resp.Status)
	}
	return nil
}

func parseTimeoutSeconds(header string, fallback int) int {
	d, err := ParseTimeoutHeader(header)
	if err != nil || d == 0 {
		return fallback
	}
	return int(d / time.Second)
}

// ChangeFunc observes one coerced state-variable update.
type ChangeFunc func(svc *model.Service, name, value string)

// LostFunc observes a lost subscription after recovery has been initiated.
type LostFunc func(svc *model.Service, err *upnperr.SubscriptionLostError)

type sinkSubscription struct {
	sid        string
	service    *model.Service
	eventURL   *url.URL
	timeoutSec int
	renewAt    time.Time
	lastSeq    uint32
	gotInitial bool
	values     map[string]string
}

// Sink is the control-point side of eventing: it subscribes to services,
// accepts NOTIFY callbacks, enforces sequence integrity, and delivers
// ordered, type-coerced updates through the {Value, OnChange} capability
// pair.
type Sink struct {
	client      *SubscriptionClient
	callbackURL string
	timeoutSec  int

	mu   sync.Mutex
	subs map[string]*sinkSubscription

	onChange ChangeFunc
	onLost   LostFunc

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	now func() time.Time
}

// NewSink creates a sink delivering NOTIFY callbacks at callbackURL.
func NewSink(callbackURL string, timeoutSec int, onChange ChangeFunc) *Sink {
	if timeoutSec <= 0 {
		timeoutSec = int(DefaultSubscriptionTimeout / time.Second)
	}
	return &Sink{
		client:      NewSubscriptionClient(10 * time.Second),
		callbackURL: callbackURL,
		timeoutSec:  timeoutSec,
		subs:        make(map[string]*sinkSubscription),
		onChange:    onChange,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// SetLostFunc installs an observer for lost subscriptions.
func (s *Sink) SetLostFunc(fn LostFunc) {
	s.onLost = fn
}

// Start launches the renewal loop.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.renewalLoop()
}

// Stop unsubscribes everywhere and stops the renewal loop.
func (s *Sink) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	subs := make([]*sinkSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*sinkSubscription)
	s.mu.Unlock()

	for _, sub := range subs {
		s.client.Unsubscribe(ctx, sub.eventURL, sub.sid)
	}
	s.wg.Wait()
}

// Subscribe establishes a subscription to the service at eventURL and
// schedules renewal at half the granted timeout.
func (s *Sink) Subscribe(ctx context.Context, svc *model.Service, eventURL *url.URL) (string, error) {
	sid, granted, err := s.client.Subscribe(ctx, eventURL, s.callbackURL, s.timeoutSec)
	if err != nil {
		return "", err
	}

	sub := &sinkSubscription{
		sid:        sid,
		service:    svc,
		eventURL:   eventURL,
		timeoutSec: granted,
		renewAt:    s.now().Add(time.Duration(granted) * time.Second / 2),
		values:     make(map[string]string),
	}

	s.mu.Lock()
	s.subs[sid] = sub
	s.mu.Unlock()

	logging.Info("GENA: subscribed",
		zap.String("sid", sid),
		zap.String("service", string(svc.ID)),
		zap.Int("timeout", granted))
	return sid, nil
}

// Unsubscribe drops one subscription.
func (s *Sink) Unsubscribe(ctx context.Context, sid string) error {
	s.mu.Lock()
	sub, ok := s.subs[sid]
	if ok {
		delete(s.subs, sid)
	}
	s.mu.Unlock()
	if !ok {
		return ErrSubscriptionNotFound
	}
	return s.client.Unsubscribe(ctx, sub.eventURL, sub.sid)
}

// Value returns the current value of an evented variable as last
// delivered, with ok=false before the initial NOTIFY arrives.
func (s *Sink) Value(sid, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[sid]
	if !ok {
		return "", false
	}
	v, ok := sub.values[name]
	return v, ok
}

// SIDFor returns the active SID for a service, if any.
func (s *Sink) SIDFor(id model.ServiceID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, sub := range s.subs {
		if sub.service.ID == id {
			return sid, true
		}
	}
	return "", false
}

// ServeHTTP accepts NOTIFY callbacks. A SEQ that is not the expected next
// value terminates the subscription and triggers re-subscription; the
// response is 412 so the publisher stops sending too.
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "NOTIFY" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("NT") != "upnp:event" || r.Header.Get("NTS") != "upnp:propchange" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sid := r.Header.Get("SID")
	if sid == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	seq64, err := strconv.ParseUint(r.Header.Get("SEQ"), 10, 32)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	seq := uint32(seq64)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[sid]
	// The initial NOTIFY can overtake the SUBSCRIBE response that records
	// its SID; give a pending subscribe a moment to land before refusing.
	for i := 0; i < 20 && !ok; i++ {
		s.mu.Unlock()
		time.Sleep(25 * time.Millisecond)
		s.mu.Lock()
		sub, ok = s.subs[sid]
	}
	if !ok {
		s.mu.Unlock()
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}

	var expected uint32
	if sub.gotInitial {
		expected = nextSeq(sub.lastSeq)
	}
	if seq != expected {
		delete(s.subs, sid)
		s.mu.Unlock()
		logging.Warn("GENA: sequence gap, resubscribing",
			zap.String("sid", sid),
			zap.Uint32("expected", expected),
			zap.Uint32("got", seq))
		s.recover(sub, &upnperr.SubscriptionLostError{
			SID:    sid,
			Reason: fmt.Sprintf("SEQ gap: expected %d, got %d", expected, seq),
		})
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	sub.lastSeq = seq
	sub.gotInitial = true
	svc := sub.service
	s.mu.Unlock()

	props, err := DecodePropertySet(body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	for _, prop := range props {
		value := prop.Value
		if sv := svc.StateVariable(prop.Name); sv != nil {
			if err := sv.Type.Validate(value); err != nil {
				logging.Debug("GENA: dropping uncoercible property",
					zap.String("sid", sid),
					zap.String("name", prop.Name),
					zap.Error(err))
				continue
			}
		}
		s.mu.Lock()
		if cur, ok := s.subs[sid]; ok {
			cur.values[prop.Name] = value
		}
		s.mu.Unlock()
		if s.onChange != nil {
			s.onChange(svc, prop.Name, value)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// recover re-subscribes from scratch after a lost subscription.
func (s *Sink) recover(old *sinkSubscription, lost *upnperr.SubscriptionLostError) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s.client.Unsubscribe(ctx, old.eventURL, old.sid)

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		if _, err := s.Subscribe(ctx, old.service, old.eventURL); err != nil {
			logging.Error("GENA: resubscribe failed",
				zap.String("service", string(old.service.ID)), zap.Error(err))
		}
		if s.onLost != nil {
			s.onLost(old.service, lost)
		}
	}()
}

func (s *Sink) renewalLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.renewDue()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sink) renewDue() {
	s.mu.Lock()
	var due []*sinkSubscription
	for _, sub := range s.subs {
		if s.now().After(sub.renewAt) {
			due = append(due, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		granted, err := s.client.Renew(ctx, sub.eventURL, sub.sid, s.timeoutSec)
		cancel()

		if err == ErrSubscriptionNotFound {
			s.mu.Lock()
			delete(s.subs, sub.sid)
			s.mu.Unlock()
			s.recover(sub, &upnperr.SubscriptionLostError{SID: sub.sid, Reason: "publisher dropped subscription"})
			continue
		}
		if err != nil {
			logging.Warn("GENA: renewal failed", zap.String("sid", sub.sid), zap.Error(err))
			continue
		}

		s.mu.Lock()
		sub.timeoutSec = granted
		sub.renewAt = s.now().Add(time.Duration(granted) * time.Second / 2)
		s.mu.Unlock()
	}
}
