// Package upnperr defines the error taxonomy shared by the UPnP engines.
package upnperr

import (
	"errors"
	"fmt"
)

// ErrCancelled indicates an operation was aborted by shutdown or caller
// cancellation before it completed.
var ErrCancelled = errors.New("operation cancelled")

// MalformedMessageError indicates a peer message failed local decoding.
// SSDP drops these silently; HTTP surfaces respond 400.
type MalformedMessageError struct {
	Proto  string // "ssdp", "soap", "gena", "http"
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed %s message: %s", e.Proto, e.Reason)
}

// InvalidConfigurationError is fatal at composer initialization.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// InvalidDescriptionError indicates a device or service description that
// violates the model invariants. Fatal at initialization on the host;
// on the control point the offending device is skipped.
type InvalidDescriptionError struct {
	Reason string
}

func (e *InvalidDescriptionError) Error() string {
	return fmt.Sprintf("invalid description: %s", e.Reason)
}

// TransportError is a socket-level failure. It triggers endpoint failover
// in the invoker and subscription termination in the publisher.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Op)
}

// RemoteFaultError carries a UPnP fault received from a peer. The call
// reached the device; the device rejected it.
type RemoteFaultError struct {
	Action      string
	Code        int
	Description string
}

func (e *RemoteFaultError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("action %s rejected: code %d", e.Action, e.Code)
	}
	return fmt.Sprintf("action %s rejected: code %d (%s)", e.Action, e.Code, e.Description)
}

// InvalidArgsError indicates the caller's input arguments do not match the
// action's declared input list. Never sent on the wire.
type InvalidArgsError struct {
	Action string
	Reason string
}

func (e *InvalidArgsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Action, e.Reason)
}

// SubscriptionLostError indicates a SEQ gap or publisher-terminated
// subscription. The sink recovers by establishing a new subscription.
type SubscriptionLostError struct {
	SID    string
	Reason string
}

func (e *SubscriptionLostError) Error() string {
	return fmt.Sprintf("subscription %s lost: %s", e.SID, e.Reason)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRemoteFault reports whether err is (or wraps) a RemoteFaultError.
func IsRemoteFault(err error) bool {
	var rf *RemoteFaultError
	return errors.As(err, &rf)
}
