package soap

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
)

// Request carries one decoded, validated action invocation into a
// handler.
type Request struct {
	Service *model.Service
	Action  *model.Action
	Args    map[string]string

	// InvocationID is monotonic across the dispatcher; the event
	// publisher observes state changes in invocation-id order.
	InvocationID uint64
}

// ActionFunc implements one action. It returns the output argument values
// keyed by declared name. Returning an *ActionError surfaces that code on
// the wire; any other error becomes 501 Action Failed.
type ActionFunc func(ctx context.Context, req *Request) (map[string]string, error)

// Dispatcher routes control POSTs to registered action handlers. The
// handler table is keyed by (service ID, action name).
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
	nextID   atomic.Uint64

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]ActionFunc)}
}

func handlerKey(id model.ServiceID, action string) string {
	return string(id) + "#" + action
}

// Register installs the handler for one action of one service.
func (d *Dispatcher) Register(id model.ServiceID, action string, fn ActionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handlerKey(id, action)] = fn
}

// BeginDrain makes every subsequent invocation fail with a Cancelled
// fault; in-flight handlers keep running until Wait returns or the grace
// context expires.
func (d *Dispatcher) BeginDrain() {
	d.draining.Store(true)
}

// Wait blocks until in-flight invocations finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle serves one control POST for the given service.
func (d *Dispatcher) Handle(svc *model.Service, w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	soapSvcType, soapAction, err := ParseSOAPAction(r.Header.Get("SOAPACTION"))
	if err != nil {
		http.Error(w, "missing or malformed SOAPACTION", http.StatusBadRequest)
		return
	}

	bodyAction, args, err := ParseRequest(payload)
	if err != nil {
		http.Error(w, "malformed SOAP envelope", http.StatusBadRequest)
		return
	}

	if soapSvcType != svc.Type.String() || bodyAction != soapAction {
		writeFault(w, ErrCodeInvalidAction, "Invalid Action")
		return
	}

	action := svc.Action(soapAction)
	if action == nil {
		writeFault(w, ErrCodeInvalidAction, "Invalid Action")
		return
	}

	bound, fault := bindArgs(svc, action, args)
	if fault != nil {
		writeFault(w, fault.Code, fault.Description)
		return
	}

	d.mu.RLock()
	fn := d.handlers[handlerKey(svc.ID, action.Name)]
	d.mu.RUnlock()
	if fn == nil {
		writeFault(w, ErrCodeActionNotImplemented, "Optional Action Not Implemented")
		return
	}

	if d.draining.Load() {
		writeFault(w, ErrCodeActionFailed, "Cancelled")
		return
	}

	req := &Request{
		Service:      svc,
		Action:       action,
		Args:         bound,
		InvocationID: d.nextID.Add(1),
	}

	d.wg.Add(1)
	out, err := fn(r.Context(), req)
	d.wg.Done()

	if err != nil {
		var actionErr *ActionError
		if errors.As(err, &actionErr) {
			writeFault(w, actionErr.Code, actionErr.Description)
			return
		}
		logging.Warn("SOAP: handler failed",
			zap.String("service", string(svc.ID)),
			zap.String("action", action.Name),
			zap.Error(err))
		writeFault(w, ErrCodeActionFailed, "Action Failed")
		return
	}

	// Outputs are emitted in declared order regardless of map iteration.
	outArgs := make([]Arg, 0, len(action.Out))
	for _, decl := range action.Out {
		outArgs = append(outArgs, Arg{Name: decl.Name, Value: out[decl.Name]})
	}

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusOK)
	w.Write(BuildResponse(svc.Type.String(), action.Name, outArgs))
}

// bindArgs matches the wire arguments against the declared input list:
// exact count, declared names, coercible values.
func bindArgs(svc *model.Service, action *model.Action, args []Arg) (map[string]string, *ActionError) {
	if len(args) != len(action.In) {
		return nil, &ActionError{Code: ErrCodeInvalidArgs, Description: "Invalid Args"}
	}
	bound := make(map[string]string, len(args))
	for _, arg := range args {
		decl := action.InArg(arg.Name)
		if decl == nil {
			return nil, &ActionError{Code: ErrCodeInvalidArgs, Description: "Invalid Args"}
		}
		if _, dup := bound[arg.Name]; dup {
			return nil, &ActionError{Code: ErrCodeInvalidArgs, Description: "Invalid Args"}
		}
		if sv := svc.StateVariable(decl.RelatedStateVariable); sv != nil {
			if err := sv.Type.Validate(arg.Value); err != nil {
				return nil, &ActionError{Code: ErrCodeArgumentValueInvalid, Description: "Argument Value Invalid"}
			}
		}
		bound[arg.Name] = arg.Value
	}
	return bound, nil
}

func writeFault(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusInternalServerError)
	w.Write(BuildFault(code, description))
}
