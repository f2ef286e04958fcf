package connectivity

import (
	"errors"
	"fmt"
)

var (
	// ErrEndpointNotFound indicates an operation referenced an unknown endpoint id.
	ErrEndpointNotFound = errors.New("connectivity: endpoint not found")
	// ErrIllegalTransition indicates a state change outside the endpoint state machine.
	ErrIllegalTransition = errors.New("connectivity: illegal endpoint state transition")
	// ErrMalformedPayload indicates a wire payload that does not decode to a message.
	ErrMalformedPayload = errors.New("connectivity: malformed payload")
	// ErrUnsupported indicates the active transport is not available on this device.
	ErrUnsupported = errors.New("connectivity: transport not supported")
	// ErrNotConnected indicates a send to an endpoint without an open channel.
	ErrNotConnected = errors.New("connectivity: endpoint not connected")
	// ErrEmptyMessage indicates an attempt to send a message without text.
	ErrEmptyMessage = errors.New("connectivity: message text is empty")
	// ErrNoAdapter indicates a command issued before a transport adapter was attached.
	ErrNoAdapter = errors.New("connectivity: no transport adapter attached")
	// ErrAdapterAttached indicates a second adapter attach on the same core.
	ErrAdapterAttached = errors.New("connectivity: transport adapter already attached")
	// ErrClosed indicates a command issued after the core was closed.
	ErrClosed = errors.New("connectivity: core closed")
)

// Operation names carried by ConnectivityError.
const (
	OpAdvertise = "advertise"
	OpDiscover  = "discover"
	OpConnect   = "connect"
	OpSend      = "send"
	OpReceive   = "receive"
)

// ConnectivityError reports a failure that was handled inside the core or an
// adapter and converted into a state change or a dropped operation.
type ConnectivityError struct {
	Op         string
	EndpointID string
	MessageID  string
	Err        error
}

func (e ConnectivityError) Error() string {
	switch {
	case e.EndpointID != "" && e.MessageID != "":
		return fmt.Sprintf("%s %s (message %s): %v", e.Op, e.EndpointID, e.MessageID, e.Err)
	case e.EndpointID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.EndpointID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e ConnectivityError) Unwrap() error {
	return e.Err
}
