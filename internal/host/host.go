// Package host composes the device-host side of the runtime: it binds the
// HTTP surfaces, starts SSDP advertising and owns all state mutation for
// the hosted device tree.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/config"
	"github.com/strefethen/go-upnp/internal/gena"
	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/soap"
	"github.com/strefethen/go-upnp/internal/ssdp"
	"github.com/strefethen/go-upnp/internal/upnperr"
)

// shutdownGrace bounds how long in-flight action invocations may run
// after shutdown begins.
const shutdownGrace = 5 * time.Second

// Capabilities is the hook set a host embedder supplies. Every field is
// optional; absence means default behavior (no-op, accept-all).
type Capabilities struct {
	OnInit             func() error
	OnQuit             func()
	SubscriptionPolicy gena.SubscriptionPolicy
}

// Options configures a Host beyond the shared runtime config.
type Options struct {
	// DisableSSDP skips advertising; used by tests and reverse proxies.
	DisableSSDP bool

	// AdvertiseHost overrides the IP placed into LOCATION URLs. When
	// empty the outbound interface address is used.
	AdvertiseHost string
}

// Host publishes one root device: description, control and event HTTP
// surfaces plus SSDP presence.
type Host struct {
	cfg  config.Config
	opts Options
	caps Capabilities

	root       *model.RootDevice
	services   map[string]*model.Service // by URL short name
	dispatcher *soap.Dispatcher
	publisher  *gena.Publisher
	advertiser *ssdp.Advertiser

	httpServer *http.Server
	listener   net.Listener

	// The model carries no locking of its own; the host is its owning
	// engine and serializes every state access here. Updates reach the
	// publisher under the same lock, so subscribers observe changes in
	// mutation order.
	stateMu sync.Mutex
}

// New validates the device tree and builds an unstarted host.
func New(cfg config.Config, root *model.RootDevice, caps Capabilities, opts Options) (*Host, error) {
	if root == nil {
		return nil, &upnperr.InvalidConfigurationError{Reason: "no root device"}
	}

	services := make(map[string]*model.Service)
	for _, svc := range root.AllServices() {
		short := svc.ID.ShortName()
		if _, dup := services[short]; dup {
			return nil, &upnperr.InvalidConfigurationError{
				Reason: fmt.Sprintf("service URL segment %q is ambiguous", short),
			}
		}
		services[short] = svc
	}

	h := &Host{
		cfg:        cfg,
		opts:       opts,
		caps:       caps,
		root:       root,
		services:   services,
		dispatcher: soap.NewDispatcher(),
		publisher:  gena.NewPublisher(time.Duration(cfg.SubscriptionTimeoutSec)*time.Second, caps.SubscriptionPolicy),
	}
	h.publisher.SetStateLock(&h.stateMu)
	h.httpServer = &http.Server{
		Handler:      h.buildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return h, nil
}

// Root returns the hosted device tree.
func (h *Host) Root() *model.RootDevice {
	return h.root
}

// RegisterAction installs the implementation of one declared action.
func (h *Host) RegisterAction(id model.ServiceID, action string, fn soap.ActionFunc) error {
	_, svc := h.root.ServiceByID(id)
	if svc == nil {
		return fmt.Errorf("register %s: unknown service %s", action, id)
	}
	if svc.Action(action) == nil {
		return fmt.Errorf("register %s: service %s declares no such action", action, id)
	}
	h.dispatcher.Register(id, action, fn)
	return nil
}

// SetStateVariable is the single mutation path for hosted state: it
// validates and updates the variable and, when evented, publishes the
// change to every subscriber in call order.
func (h *Host) SetStateVariable(id model.ServiceID, name, value string) error {
	_, svc := h.root.ServiceByID(id)
	if svc == nil {
		return fmt.Errorf("set %s: unknown service %s", name, id)
	}
	v := svc.StateVariable(name)
	if v == nil {
		return fmt.Errorf("set %s: unknown state variable on %s", name, id)
	}

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if err := v.SetValue(value); err != nil {
		return err
	}
	if v.SendEvents {
		h.publisher.Notify(svc, []gena.Property{{Name: name, Value: value}})
	}
	return nil
}

// StateVariable reads a hosted variable's current value.
func (h *Host) StateVariable(id model.ServiceID, name string) (string, error) {
	_, svc := h.root.ServiceByID(id)
	if svc == nil {
		return "", fmt.Errorf("unknown service %s", id)
	}
	v := svc.StateVariable(name)
	if v == nil {
		return "", fmt.Errorf("unknown state variable %s on %s", name, id)
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return v.Value(), nil
}

// Publisher exposes the event publisher; tests and diagnostics use it.
func (h *Host) Publisher() *gena.Publisher {
	return h.publisher
}

// BaseURL returns the served base URL; valid after Start.
func (h *Host) BaseURL() *url.URL {
	return h.root.BaseURL
}

// Start binds the HTTP listener, resolves the advertised location and
// begins serving and advertising.
func (h *Host) Start() error {
	addr := net.JoinHostPort(h.cfg.Host, h.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	h.listener = listener

	advertiseHost := h.opts.AdvertiseHost
	if advertiseHost == "" {
		advertiseHost, err = outboundIP()
		if err != nil {
			advertiseHost = "127.0.0.1"
		}
	}
	port := listener.Addr().(*net.TCPAddr).Port
	base, err := url.Parse(fmt.Sprintf("http://%s:%d/", advertiseHost, port))
	if err != nil {
		listener.Close()
		return err
	}
	h.root.BaseURL = base

	if h.caps.OnInit != nil {
		if err := h.caps.OnInit(); err != nil {
			listener.Close()
			return fmt.Errorf("init hook: %w", err)
		}
	}

	h.publisher.Start()

	if !h.opts.DisableSSDP {
		location := base.String() + "description/device.xml"
		adv, err := ssdp.NewAdvertiser(h.root, ssdp.AdvertiserConfig{
			MaxAge:      h.cfg.SSDPMaxAgeSec,
			Location:    location,
			ServerToken: h.cfg.ServerToken,
			BootID:      ssdp.Absent,
			ConfigID:    ssdp.Absent,
		})
		if err != nil {
			listener.Close()
			return err
		}
		if err := adv.Start(); err != nil {
			listener.Close()
			return err
		}
		h.advertiser = adv
	}

	go func() {
		err := h.httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			logging.Error("HOST: http server stopped", zap.Error(err))
		}
	}()

	logging.Info("HOST: serving",
		zap.String("udn", h.root.UDN.String()),
		zap.String("base_url", base.String()))
	return nil
}

// Shutdown tears the host down in the mandated order: stop accepting,
// announce BYEBYE, reject new subscriptions, drain in-flight invocations
// within the grace period, then close everything.
func (h *Host) Shutdown(ctx context.Context) error {
	if h.listener != nil {
		h.listener.Close()
	}

	if h.advertiser != nil {
		byeCtx, cancel := context.WithTimeout(ctx, time.Second)
		h.advertiser.Stop(byeCtx)
		cancel()
	}

	h.publisher.BeginReject()
	h.dispatcher.BeginDrain()

	grace, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := h.httpServer.Shutdown(grace); err != nil {
		h.httpServer.Close()
	}
	h.dispatcher.Wait(grace)

	h.publisher.Stop(ctx)

	if h.caps.OnQuit != nil {
		h.caps.OnQuit()
	}
	logging.Info("HOST: stopped", zap.String("udn", h.root.UDN.String()))
	return nil
}

// outboundIP finds the local address the default route uses; no packets
// are sent.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
