package gena

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
)

// DefaultSubscriptionTimeout applies when a SUBSCRIBE names no timeout or
// asks for "infinite".
const DefaultSubscriptionTimeout = 1800 * time.Second

// ErrNoSuchSubscription reports an unknown SID on renewal or unsubscribe.
var ErrNoSuchSubscription = errors.New("no such subscription")

// SubscriptionPolicy decides whether a host accepts a subscription. Nil
// means accept-all.
type SubscriptionPolicy func(svc *model.Service, callback *url.URL) bool

type notifyMsg struct {
	seq  uint32
	body []byte
}

type subscription struct {
	sid       string
	service   *model.Service
	callbacks []*url.URL
	timeout   time.Duration
	expiresAt time.Time
	lastSeq   uint32

	queue      []notifyMsg
	inFlight   bool
	terminated bool
}

// Publisher manages GENA subscriptions for hosted services: SID
// allocation, the initial full dump, per-subscription FIFO delivery with
// at most one NOTIFY in flight, renewal and expiry.
type Publisher struct {
	httpClient     *http.Client
	defaultTimeout time.Duration
	policy         SubscriptionPolicy
	stateLock      sync.Locker

	mu        sync.Mutex
	subs      map[string]*subscription
	byService map[model.ServiceID]map[string]struct{}
	rejecting bool

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	now func() time.Time
}

// NewPublisher creates a publisher. policy may be nil for accept-all.
func NewPublisher(defaultTimeout time.Duration, policy SubscriptionPolicy) *Publisher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultSubscriptionTimeout
	}
	return &Publisher{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		defaultTimeout: defaultTimeout,
		policy:         policy,
		subs:           make(map[string]*subscription),
		byService:      make(map[model.ServiceID]map[string]struct{}),
		stopCh:         make(chan struct{}),
		now:            time.Now,
	}
}

// SetStateLock installs the lock the owning engine holds while mutating
// model state; the initial-dump read takes it so the SEQ-0 snapshot is
// consistent.
func (p *Publisher) SetStateLock(l sync.Locker) {
	p.stateLock = l
}

// Start launches the expiry sweep.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
}

// BeginReject makes every subsequent SUBSCRIBE fail; part of the shutdown
// sequence.
func (p *Publisher) BeginReject() {
	p.mu.Lock()
	p.rejecting = true
	p.mu.Unlock()
}

// Stop drops every subscription and stops the sweep loop.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.rejecting = true
	close(p.stopCh)
	for sid, sub := range p.subs {
		sub.terminated = true
		sub.queue = nil
		delete(p.subs, sid)
	}
	p.byService = make(map[model.ServiceID]map[string]struct{})
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe accepts a first-time subscription: allocates a SID, arms the
// expiry and queues the initial NOTIFY carrying the current value of every
// evented variable with SEQ 0.
func (p *Publisher) Subscribe(svc *model.Service, callbacks []*url.URL, requested time.Duration) (sid string, granted time.Duration, err error) {
	if len(callbacks) == 0 {
		return "", 0, fmt.Errorf("subscribe: no callback URL")
	}
	if p.policy != nil && !p.policy(svc, callbacks[0]) {
		return "", 0, fmt.Errorf("subscribe: rejected by policy")
	}

	granted = requested
	if granted <= 0 {
		granted = p.defaultTimeout
	}

	var props []Property
	if p.stateLock != nil {
		p.stateLock.Lock()
	}
	for _, v := range svc.EventedVariables() {
		props = append(props, Property{Name: v.Name, Value: v.Value()})
	}
	if p.stateLock != nil {
		p.stateLock.Unlock()
	}

	p.mu.Lock()
	if p.rejecting {
		p.mu.Unlock()
		return "", 0, fmt.Errorf("subscribe: publisher is shutting down")
	}
	sub := &subscription{
		sid:       "uuid:" + uuid.New().String(),
		service:   svc,
		callbacks: callbacks,
		timeout:   granted,
		expiresAt: p.now().Add(granted),
	}
	sub.queue = append(sub.queue, notifyMsg{seq: 0, body: EncodePropertySet(props)})
	p.subs[sub.sid] = sub
	if p.byService[svc.ID] == nil {
		p.byService[svc.ID] = make(map[string]struct{})
	}
	p.byService[svc.ID][sub.sid] = struct{}{}
	p.kickLocked(sub)
	p.mu.Unlock()

	logging.Info("GENA: subscription accepted",
		zap.String("sid", sub.sid),
		zap.String("service", string(svc.ID)),
		zap.Duration("timeout", granted))
	return sub.sid, granted, nil
}

// Renew extends an existing subscription. No initial dump is sent.
func (p *Publisher) Renew(sid string, requested time.Duration) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[sid]
	if !ok {
		return 0, ErrNoSuchSubscription
	}
	granted := requested
	if granted <= 0 {
		granted = p.defaultTimeout
	}
	sub.timeout = granted
	sub.expiresAt = p.now().Add(granted)
	return granted, nil
}

// Unsubscribe removes a subscription; pending notifications are discarded.
func (p *Publisher) Unsubscribe(sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[sid]
	if !ok {
		return ErrNoSuchSubscription
	}
	p.removeLocked(sub)
	return nil
}

// SubscriptionCount reports the number of active subscriptions for a
// service.
func (p *Publisher) SubscriptionCount(id model.ServiceID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byService[id])
}

// LastSeq returns the last sequence number queued for a SID; used by
// tests and diagnostics.
func (p *Publisher) LastSeq(sid string) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[sid]
	if !ok {
		return 0, false
	}
	return sub.lastSeq, true
}

// Notify enqueues one NOTIFY per active subscription of the service with
// SEQ = lastSeq + 1 (wrap-aware). Delivery is per-subscription FIFO with
// at most one request in flight.
func (p *Publisher) Notify(svc *model.Service, props []Property) {
	if len(props) == 0 {
		return
	}
	body := EncodePropertySet(props)

	p.mu.Lock()
	defer p.mu.Unlock()
	for sid := range p.byService[svc.ID] {
		sub := p.subs[sid]
		if sub == nil || sub.terminated {
			continue
		}
		seq := nextSeq(sub.lastSeq)
		sub.queue = append(sub.queue, notifyMsg{seq: seq, body: body})
		sub.lastSeq = seq
		p.kickLocked(sub)
	}
}

func (p *Publisher) kickLocked(sub *subscription) {
	if sub.inFlight || len(sub.queue) == 0 || p.stopped {
		return
	}
	sub.inFlight = true
	p.wg.Add(1)
	go p.drain(sub)
}

func (p *Publisher) drain(sub *subscription) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if sub.terminated || len(sub.queue) == 0 {
			sub.inFlight = false
			p.mu.Unlock()
			return
		}
		msg := sub.queue[0]
		sub.queue = sub.queue[1:]
		callbacks := sub.callbacks
		sid := sub.sid
		p.mu.Unlock()

		if err := p.sendNotify(callbacks, sid, msg); err != nil {
			// A failed NOTIFY breaks sequence integrity for the
			// subscriber; the subscription is terminated, not retried.
			logging.Warn("GENA: notify failed, terminating subscription",
				zap.String("sid", sid), zap.Uint32("seq", msg.seq), zap.Error(err))
			p.mu.Lock()
			sub.inFlight = false
			p.removeLocked(sub)
			p.mu.Unlock()
			return
		}
	}
}

func (p *Publisher) sendNotify(callbacks []*url.URL, sid string, msg notifyMsg) error {
	var lastErr error
	for _, cb := range callbacks {
		req, err := http.NewRequest("NOTIFY", cb.String(), strings.NewReader(string(msg.body)))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
		req.Header.Set("NT", "upnp:event")
		req.Header.Set("NTS", "upnp:propchange")
		req.Header.Set("SID", sid)
		req.Header.Set("SEQ", strconv.FormatUint(uint64(msg.seq), 10))

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("notify %s: http %d", sid, resp.StatusCode)
	}
	return lastErr
}

// removeLocked drops a subscription and its pending queue. Caller holds
// p.mu.
func (p *Publisher) removeLocked(sub *subscription) {
	sub.terminated = true
	sub.queue = nil
	delete(p.subs, sub.sid)
	if set, ok := p.byService[sub.service.ID]; ok {
		delete(set, sub.sid)
		if len(set) == 0 {
			delete(p.byService, sub.service.ID)
		}
	}
}

func (p *Publisher) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepExpired()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Publisher) sweepExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, sub := range p.subs {
		if now.After(sub.expiresAt) {
			logging.Info("GENA: subscription expired", zap.String("sid", sub.sid))
			p.removeLocked(sub)
		}
	}
}
