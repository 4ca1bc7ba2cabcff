package soap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/upnperr"
)

// DefaultCallTimeout bounds one action invocation end to end.
const DefaultCallTimeout = 30 * time.Second

// InvocationState tracks one invocation through its lifecycle.
type InvocationState int32

const (
	StateQueued InvocationState = iota
	StateConnecting
	StateSending
	StateAwaitingResponse
	StateCompleted
	StateFailed
)

func (s InvocationState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateConnecting:
		return "connecting"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Invoker owns the HTTP client shared by all action proxies of a control
// point. Connection pooling keeps per-device sockets warm across calls.
type Invoker struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewInvoker creates an invoker with the given per-call timeout.
func NewInvoker(timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Invoker{
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Proxy creates the serialized action proxy for one action against the
// given control endpoints. Endpoints are tried in order with failover on
// transport errors.
func (inv *Invoker) Proxy(action *model.Action, endpoints []*url.URL) (*ActionProxy, error) {
	if action == nil || action.Service == nil {
		return nil, fmt.Errorf("action proxy requires an action bound to a service")
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("action proxy for %s: no control endpoints", action.Name)
	}
	return &ActionProxy{
		invoker:   inv,
		action:    action,
		endpoints: endpoints,
	}, nil
}

// ActionProxy serializes invocations of one action: a FIFO queue with at
// most one call in flight. Ordering per proxy is guaranteed without any
// caller-side coordination.
type ActionProxy struct {
	invoker   *Invoker
	action    *model.Action
	endpoints []*url.URL

	mu          sync.Mutex
	pending     []*invocation
	running     bool
	endpointIdx int

	// observer, when set, receives every state transition. Test hook.
	observer func(InvocationState)

	inFlight atomic.Int32
}

type invocation struct {
	ctx      context.Context
	in       []Arg
	state    atomic.Int32
	attempts int
	out      []Arg
	err      error
	done     chan struct{}
}

func (p *ActionProxy) setState(inv *invocation, s InvocationState) {
	inv.state.Store(int32(s))
	if p.observer != nil {
		p.observer(s)
	}
}

// Invoke queues one call and blocks until it completes or fails. Input
// arguments are validated against the action's declared input list before
// anything is sent.
func (p *ActionProxy) Invoke(ctx context.Context, in []Arg) ([]Arg, error) {
	if err := p.validateInput(in); err != nil {
		return nil, err
	}

	inv := &invocation{ctx: ctx, in: in, done: make(chan struct{})}
	p.setState(inv, StateQueued)

	p.mu.Lock()
	p.pending = append(p.pending, inv)
	if !p.running {
		p.running = true
		go p.run()
	}
	p.mu.Unlock()

	<-inv.done
	return inv.out, inv.err
}

func (p *ActionProxy) validateInput(in []Arg) error {
	declared := p.action.In
	if len(in) != len(declared) {
		return &upnperr.InvalidArgsError{
			Action: p.action.Name,
			Reason: fmt.Sprintf("want %d input arguments, got %d", len(declared), len(in)),
		}
	}
	for i, arg := range in {
		if arg.Name != declared[i].Name {
			return &upnperr.InvalidArgsError{
				Action: p.action.Name,
				Reason: fmt.Sprintf("argument %d: want %s, got %s", i, declared[i].Name, arg.Name),
			}
		}
		if sv := p.action.Service.StateVariable(declared[i].RelatedStateVariable); sv != nil {
			if err := sv.Type.Validate(arg.Value); err != nil {
				return &upnperr.InvalidArgsError{
					Action: p.action.Name,
					Reason: fmt.Sprintf("argument %s: %v", arg.Name, err),
				}
			}
		}
	}
	return nil
}

func (p *ActionProxy) run() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		inv := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		p.inFlight.Add(1)
		p.execute(inv)
		p.inFlight.Add(-1)
		close(inv.done)
	}
}

// InFlight reports how many invocations are currently executing. By
// construction it never exceeds 1.
func (p *ActionProxy) InFlight() int {
	return int(p.inFlight.Load())
}

// execute walks the endpoint list once, advancing on transport errors. A
// response that is a UPnP fault ends the call as a remote fault without
// failover.
func (p *ActionProxy) execute(inv *invocation) {
	if err := inv.ctx.Err(); err != nil {
		inv.err = upnperr.ErrCancelled
		p.setState(inv, StateFailed)
		return
	}

	body := BuildRequest(p.action.Service.Type.String(), p.action.Name, inv.in)
	n := len(p.endpoints)
	var lastErr error

	for i := 0; i < n; i++ {
		idx := (p.endpointIdx + i) % n
		endpoint := p.endpoints[idx]
		inv.attempts++
		p.setState(inv, StateConnecting)

		out, err := p.doRequest(inv, endpoint, body)
		if err == nil {
			p.endpointIdx = idx
			inv.out = out
			p.setState(inv, StateCompleted)
			return
		}

		if upnperr.IsTransport(err) {
			logging.Debug("SOAP: endpoint failed, advancing",
				zap.String("action", p.action.Name),
				zap.String("endpoint", endpoint.String()),
				zap.Error(err))
			lastErr = err
			continue
		}

		// Remote faults and decode errors end the invocation here.
		inv.err = err
		p.setState(inv, StateFailed)
		return
	}

	inv.err = lastErr
	p.setState(inv, StateFailed)
}

func (p *ActionProxy) doRequest(inv *invocation, endpoint *url.URL, body []byte) ([]Arg, error) {
	ctx, cancel := context.WithTimeout(inv.ctx, p.invoker.timeout)
	defer cancel()

	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			p.setState(inv, StateSending)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			p.setState(inv, StateAwaitingResponse)
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &upnperr.TransportError{Op: "invoke " + p.action.Name, Err: err}
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", FormatSOAPAction(p.action.Service.Type.String(), p.action.Name))

	resp, err := p.invoker.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &upnperr.TransportError{Op: "invoke " + p.action.Name, Err: &upnperr.TimeoutError{Op: "invoke " + p.action.Name}}
		}
		return nil, &upnperr.TransportError{Op: "invoke " + p.action.Name, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &upnperr.TransportError{Op: "invoke " + p.action.Name, Err: err}
	}

	if resp.StatusCode >= 400 {
		if code, desc, ok := ParseFault(payload); ok {
			return nil, &upnperr.RemoteFaultError{Action: p.action.Name, Code: code, Description: desc}
		}
		return nil, fmt.Errorf("invoke %s: http %d", p.action.Name, resp.StatusCode)
	}

	return ParseResponse(payload, p.action.Name)
}
