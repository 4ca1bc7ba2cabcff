// Package controlpoint composes the control-point side of the runtime:
// SSDP monitoring and search, the discovery cache, description fetch,
// action invocation and event subscription, plus optional persistence and
// the websocket bridge.
package controlpoint

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/bridge"
	"github.com/strefethen/go-upnp/internal/config"
	"github.com/strefethen/go-upnp/internal/gena"
	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/registry"
	"github.com/strefethen/go-upnp/internal/soap"
	"github.com/strefethen/go-upnp/internal/ssdp"
)

// DeviceEventType classifies discovery-cache changes.
type DeviceEventType int

const (
	DeviceAdded DeviceEventType = iota
	DeviceRemoved
	DeviceUpdated
)

// DeviceEvent is delivered to the embedder on cache changes.
type DeviceEvent struct {
	Type  DeviceEventType
	Entry CacheEntry
}

// Options configures a ControlPoint beyond the shared runtime config.
type Options struct {
	// DisableSSDP skips the multicast monitor; tests feed events
	// directly.
	DisableSSDP bool

	// Targets are the search targets for the initial and periodic
	// M-SEARCH; empty means ssdp:all.
	Targets []string

	// OnDevice observes cache changes.
	OnDevice func(DeviceEvent)

	// OnStateChange observes evented state-variable updates.
	OnStateChange func(udn model.UDN, id model.ServiceID, name, value string)

	// Registry, when set, persists discovered devices.
	Registry *registry.Registry

	// Bridge, when set, is served at /events/ws and receives every
	// state update.
	Bridge *bridge.Hub
}

func init() {
	// The callback router serves a method chi does not know by default.
	chi.RegisterMethod("NOTIFY")
}

// ControlPoint discovers devices and drives their services.
type ControlPoint struct {
	cfg  config.Config
	opts Options

	monitor *ssdp.Monitor
	cache   *DiscoveryCache
	invoker *soap.Invoker
	sink    *gena.Sink
	sched   *cron.Cron

	mu         sync.Mutex
	proxies    map[string]*soap.ActionProxy
	svcOwner   map[*model.Service]model.UDN
	describing map[model.UDN]bool
	redescribe map[model.UDN]bool

	httpServer *http.Server
	listener   net.Listener

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New builds an unstarted control point.
func New(cfg config.Config, opts Options) *ControlPoint {
	return &ControlPoint{
		cfg:        cfg,
		opts:       opts,
		monitor:    ssdp.NewMonitor(cfg.ServerToken),
		cache:      NewDiscoveryCache(),
		invoker:    soap.NewInvoker(time.Duration(cfg.SoapTimeoutMs) * time.Millisecond),
		sched:      cron.New(),
		proxies:    make(map[string]*soap.ActionProxy),
		svcOwner:   make(map[*model.Service]model.UDN),
		describing: make(map[model.UDN]bool),
		redescribe: make(map[model.UDN]bool),
		stopCh:     make(chan struct{}),
	}
}

// Start brings up the callback server, the SSDP monitor, the initial
// search and the periodic jobs.
func (cp *ControlPoint) Start() error {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return err
	}
	cp.listener = listener

	ip, err := localIP()
	if err != nil {
		ip = "127.0.0.1"
	}
	port := listener.Addr().(*net.TCPAddr).Port
	callbackURL := fmt.Sprintf("http://%s:%d/notify", ip, port)

	cp.sink = gena.NewSink(callbackURL, cp.cfg.SubscriptionTimeoutSec, cp.onStateChange)
	cp.sink.Start()

	router := chi.NewRouter()
	router.Method("NOTIFY", "/notify", cp.sink)
	if cp.opts.Bridge != nil {
		router.Method(http.MethodGet, "/events/ws", cp.opts.Bridge)
	}
	cp.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go cp.httpServer.Serve(listener)

	if !cp.opts.DisableSSDP {
		if err := cp.monitor.Start(); err != nil {
			listener.Close()
			return err
		}
		cp.wg.Add(1)
		go cp.eventLoop()
		cp.Search(context.Background())

		rescan := time.Duration(cp.cfg.SSDPRescanIntervalMs) * time.Millisecond
		if rescan > 0 {
			cp.sched.Schedule(cron.Every(rescan), cron.FuncJob(func() {
				cp.Search(context.Background())
			}))
		}
	}

	cp.sched.Schedule(cron.Every(5*time.Second), cron.FuncJob(cp.sweep))
	if cp.opts.Registry != nil {
		cp.sched.Schedule(cron.Every(24*time.Hour), cron.FuncJob(func() {
			if n, err := cp.opts.Registry.Prune(time.Now().Add(-7 * 24 * time.Hour)); err == nil && n > 0 {
				logging.Info("CP: pruned stale registry entries", zap.Int64("count", n))
			}
		}))
	}
	cp.sched.Start()

	logging.Info("CP: started", zap.String("callback", callbackURL))
	return nil
}

// Stop shuts everything down.
func (cp *ControlPoint) Stop(ctx context.Context) {
	cp.mu.Lock()
	if cp.stopped {
		cp.mu.Unlock()
		return
	}
	cp.stopped = true
	close(cp.stopCh)
	cp.mu.Unlock()

	cp.sched.Stop()
	if !cp.opts.DisableSSDP {
		cp.monitor.Stop()
	}
	if cp.sink != nil {
		cp.sink.Stop(ctx)
	}
	if cp.httpServer != nil {
		cp.httpServer.Shutdown(ctx)
	}
	cp.wg.Wait()
	logging.Info("CP: stopped")
}

// Search issues an M-SEARCH burst for every configured target.
func (cp *ControlPoint) Search(ctx context.Context) {
	targets := cp.opts.Targets
	if len(targets) == 0 {
		targets = []string{ssdp.SearchAll}
	}
	for _, st := range targets {
		err := cp.monitor.Search(ctx, st, cp.cfg.SSDPSearchMX, cp.cfg.SSDPSearchPasses,
			time.Duration(cp.cfg.SSDPPassIntervalMs)*time.Millisecond)
		if err != nil {
			logging.Warn("CP: search failed", zap.String("st", st), zap.Error(err))
		}
	}
}

// Devices returns a snapshot of the discovery cache.
func (cp *ControlPoint) Devices() []CacheEntry {
	return cp.cache.Snapshot()
}

// Device returns one cached entry.
func (cp *ControlPoint) Device(udn model.UDN) (CacheEntry, bool) {
	return cp.cache.Get(udn)
}

// Invoke calls an action on a described device. Calls per (device,
// service, action) share one serialized proxy.
func (cp *ControlPoint) Invoke(ctx context.Context, udn model.UDN, id model.ServiceID, action string, args []soap.Arg) ([]soap.Arg, error) {
	proxy, err := cp.proxyFor(udn, id, action)
	if err != nil {
		return nil, err
	}
	return proxy.Invoke(ctx, args)
}

// Subscribe establishes an event subscription to one service of a cached
// device.
func (cp *ControlPoint) Subscribe(ctx context.Context, udn model.UDN, id model.ServiceID) (string, error) {
	entry, ok := cp.cache.Get(udn)
	if !ok || entry.Root == nil {
		return "", fmt.Errorf("subscribe: device %s not described", udn)
	}
	_, svc := entry.Root.ServiceByID(id)
	if svc == nil {
		return "", fmt.Errorf("subscribe: device %s has no service %s", udn, id)
	}
	eventURL, err := entry.Root.ResolveURL(svc.EventSubURL)
	if err != nil {
		return "", err
	}
	return cp.sink.Subscribe(ctx, svc, eventURL)
}

// Sink exposes the event sink.
func (cp *ControlPoint) Sink() *gena.Sink {
	return cp.sink
}

func (cp *ControlPoint) proxyFor(udn model.UDN, id model.ServiceID, action string) (*soap.ActionProxy, error) {
	key := string(udn) + "|" + string(id) + "|" + action

	cp.mu.Lock()
	if proxy, ok := cp.proxies[key]; ok {
		cp.mu.Unlock()
		return proxy, nil
	}
	cp.mu.Unlock()

	entry, ok := cp.cache.Get(udn)
	if !ok {
		return nil, fmt.Errorf("invoke: unknown device %s", udn)
	}
	if entry.Root == nil {
		return nil, fmt.Errorf("invoke: device %s not described yet", udn)
	}
	_, svc := entry.Root.ServiceByID(id)
	if svc == nil {
		return nil, fmt.Errorf("invoke: device %s has no service %s", udn, id)
	}
	act := svc.Action(action)
	if act == nil {
		return nil, fmt.Errorf("invoke: service %s has no action %s", id, action)
	}

	// One control endpoint per known LOCATION; the proxy fails over
	// between them.
	var endpoints []*url.URL
	for _, loc := range entry.Locations {
		base, err := url.Parse(loc)
		if err != nil {
			continue
		}
		rel, err := url.Parse(svc.ControlURL)
		if err != nil {
			continue
		}
		endpoints = append(endpoints, base.ResolveReference(rel))
	}
	proxy, err := cp.invoker.Proxy(act, endpoints)
	if err != nil {
		return nil, err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if existing, ok := cp.proxies[key]; ok {
		return existing, nil
	}
	cp.proxies[key] = proxy
	return proxy, nil
}

func (cp *ControlPoint) eventLoop() {
	defer cp.wg.Done()
	for ev := range cp.monitor.Events() {
		cp.handleEvent(ev)
	}
}

func (cp *ControlPoint) handleEvent(ev ssdp.Event) {
	switch ev.Type {
	case ssdp.EventAlive, ssdp.EventSearchResponse, ssdp.EventUpdate:
		res, err := cp.cache.Refresh(ev.Msg)
		if err != nil {
			logging.Debug("CP: dropped message with bad USN", zap.Error(err))
			return
		}
		if res.isNew {
			logging.Info("CP: device discovered",
				zap.String("udn", res.entry.UDN.String()),
				zap.String("server", res.entry.Server))
		}
		if res.needRedescribe {
			logging.Info("CP: device rebooted, re-describing",
				zap.String("udn", res.entry.UDN.String()))
		}
		if res.isNew || res.needRedescribe || res.entry.Root == nil {
			cp.describeAsync(res.entry.UDN)
		}

	case ssdp.EventByeBye:
		usn, err := model.ParseUSN(ev.Msg.USN, model.ValidationLoose)
		if err != nil {
			return
		}
		if entry, ok := cp.cache.Remove(usn.UDN); ok {
			cp.deviceGone(entry, "byebye")
		}
	}
}

// describeAsync fetches the description, one fetch per device at a time.
// A request arriving while a fetch is in flight queues one follow-up run,
// which starts only if the device is still undescribed when the fetch ends.
func (cp *ControlPoint) describeAsync(udn model.UDN) {
	cp.mu.Lock()
	if cp.stopped {
		cp.mu.Unlock()
		return
	}
	if cp.describing[udn] {
		cp.redescribe[udn] = true
		cp.mu.Unlock()
		return
	}
	cp.describing[udn] = true
	cp.mu.Unlock()

	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		cp.describe(udn)

		cp.mu.Lock()
		delete(cp.describing, udn)
		again := cp.redescribe[udn]
		delete(cp.redescribe, udn)
		cp.mu.Unlock()
		if again {
			if entry, ok := cp.cache.Get(udn); ok && entry.Root == nil {
				cp.describeAsync(udn)
			}
		}
	}()
}

func (cp *ControlPoint) describe(udn model.UDN) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var entry CacheEntry
	var root *model.RootDevice
	var err error
	tried := 0
	// New LOCATIONs can arrive while a fetch is failing; keep going
	// until every known one has been tried.
	for attempt := 0; attempt < 4 && root == nil; attempt++ {
		var ok bool
		entry, ok = cp.cache.Get(udn)
		if !ok || tried >= len(entry.Locations) {
			break
		}
		for _, loc := range entry.Locations[tried:] {
			tried++
			root, err = fetchDescription(ctx, loc)
			if err == nil {
				break
			}
			logging.Debug("CP: description fetch failed",
				zap.String("udn", udn.String()),
				zap.String("location", loc),
				zap.Error(err))
		}
	}
	if root == nil {
		logging.Warn("CP: could not describe device", zap.String("udn", udn.String()), zap.Error(err))
		return
	}

	cp.adoptRoot(udn, entry, root)
}

// adoptRoot attaches a freshly described device tree to its cache entry
// and runs the post-description steps: persistence, notification and
// auto-subscription.
func (cp *ControlPoint) adoptRoot(udn model.UDN, entry CacheEntry, root *model.RootDevice) {
	cp.cache.SetRoot(udn, root)

	cp.mu.Lock()
	if entry.Root != nil {
		for _, svc := range entry.Root.AllServices() {
			delete(cp.svcOwner, svc)
		}
	}
	for _, svc := range root.AllServices() {
		cp.svcOwner[svc] = udn
	}
	cp.mu.Unlock()

	if cp.opts.Registry != nil && len(entry.Locations) > 0 {
		cp.opts.Registry.Upsert(registry.Entry{
			UDN:          udn.String(),
			Location:     entry.Locations[0],
			FriendlyName: root.FriendlyName,
			DeviceType:   root.Type.String(),
			Server:       entry.Server,
			LastSeenAt:   time.Now(),
			ExpiresAt:    entry.ExpiresAt,
		})
	}

	logging.Info("CP: device described",
		zap.String("udn", udn.String()),
		zap.String("friendly_name", root.FriendlyName),
		zap.Int("services", len(root.AllServices())))

	if updated, ok := cp.cache.Get(udn); ok && cp.opts.OnDevice != nil {
		cp.opts.OnDevice(DeviceEvent{Type: DeviceAdded, Entry: updated})
	}

	if cp.cfg.AutoSubscribe {
		cp.autoSubscribe(root)
	}
}

// AddDevice seeds the cache from a known description URL, bypassing SSDP
// the way statically configured devices do.
func (cp *ControlPoint) AddDevice(ctx context.Context, location string) (model.UDN, error) {
	root, err := fetchDescription(ctx, location)
	if err != nil {
		return "", err
	}

	res, err := cp.cache.Refresh(ssdp.Message{
		Kind:       ssdp.KindAlive,
		Host:       ssdp.MulticastAddr,
		MaxAge:     ssdp.MinAdvertisementAge,
		Location:   location,
		NT:         ssdp.RootDeviceTarget,
		USN:        root.UDN.String() + "::" + ssdp.RootDeviceTarget,
		Server:     "static",
		MX:         ssdp.Absent,
		BootID:     ssdp.Absent,
		ConfigID:   ssdp.Absent,
		NextBootID: ssdp.Absent,
		SearchPort: ssdp.Absent,
	})
	if err != nil {
		return "", err
	}

	cp.adoptRoot(root.UDN, res.entry, root)
	return root.UDN, nil
}

func (cp *ControlPoint) autoSubscribe(root *model.RootDevice) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, svc := range root.AllServices() {
		if svc.EventSubURL == "" || len(svc.EventedVariables()) == 0 {
			continue
		}
		eventURL, err := root.ResolveURL(svc.EventSubURL)
		if err != nil {
			continue
		}
		if _, err := cp.sink.Subscribe(ctx, svc, eventURL); err != nil {
			logging.Warn("CP: auto-subscribe failed",
				zap.String("service", string(svc.ID)), zap.Error(err))
		}
	}
}

func (cp *ControlPoint) deviceGone(entry CacheEntry, reason string) {
	logging.Info("CP: device gone",
		zap.String("udn", entry.UDN.String()),
		zap.String("reason", reason))

	if entry.Root != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, svc := range entry.Root.AllServices() {
			if sid, ok := cp.sink.SIDFor(svc.ID); ok {
				cp.sink.Unsubscribe(ctx, sid)
			}
			cp.mu.Lock()
			delete(cp.svcOwner, svc)
			cp.mu.Unlock()
		}
		cancel()
	}

	cp.mu.Lock()
	for key := range cp.proxies {
		if len(key) > len(entry.UDN) && key[:len(entry.UDN)] == string(entry.UDN) {
			delete(cp.proxies, key)
		}
	}
	cp.mu.Unlock()

	if cp.opts.Registry != nil {
		cp.opts.Registry.MarkOffline(entry.UDN.String())
	}
	if cp.opts.OnDevice != nil {
		cp.opts.OnDevice(DeviceEvent{Type: DeviceRemoved, Entry: entry})
	}
}

func (cp *ControlPoint) sweep() {
	for _, entry := range cp.cache.SweepExpired() {
		cp.deviceGone(entry, "cache-expiry")
	}
}

func (cp *ControlPoint) onStateChange(svc *model.Service, name, value string) {
	cp.mu.Lock()
	udn := cp.svcOwner[svc]
	cp.mu.Unlock()

	if cp.opts.OnStateChange != nil {
		cp.opts.OnStateChange(udn, svc.ID, name, value)
	}
	if cp.opts.Bridge != nil {
		cp.opts.Bridge.Broadcast(bridge.StateUpdate{
			UDN:       udn.String(),
			ServiceID: string(svc.ID),
			Variable:  name,
			Value:     value,
			At:        time.Now(),
		})
	}
}

// localIP finds the address of the default-route interface.
func localIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
