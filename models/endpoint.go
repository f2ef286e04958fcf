package models

// EndpointState is the connection state of a remote peer.
type EndpointState int

const (
	EndpointDiscovered EndpointState = iota
	EndpointConnecting
	EndpointConnected
)

func (s EndpointState) String() string {
	switch s {
	case EndpointDiscovered:
		return "DISCOVERED"
	case EndpointConnecting:
		return "CONNECTING"
	case EndpointConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint represents a remote peer reachable via the active transport.
//
// ID is transport scoped (MAC address, mDNS device id, ...). Name may be empty
// when the transport does not report one.
type Endpoint struct {
	ID    string        `json:"id"`
	Name  string        `json:"name,omitempty"`
	State EndpointState `json:"state"`
}

// DisplayName returns Name, falling back to ID.
func (e Endpoint) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}
