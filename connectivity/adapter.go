package connectivity

import (
	"context"

	"meshnet/models"
)

// Adapter is the contract every transport implements. The core drives it with
// commands; the adapter reports asynchronous outcomes through Callbacks.
type Adapter interface {
	// IsSupported reports whether the transport can run on this device.
	IsSupported() bool
	// IsBluetoothRequired reports whether the transport needs the Bluetooth
	// radio powered on.
	IsBluetoothRequired() bool

	// StartAdvertising makes the device visible to peers. The outcome is
	// reported through Callbacks.AdvertisingResult.
	StartAdvertising(ctx context.Context)
	StopAdvertising()

	// StartDiscovery begins looking for peers. The outcome is reported through
	// Callbacks.DiscoveryResult.
	StartDiscovery(ctx context.Context)
	StopDiscovery()

	// RequestConnection opens a channel to a discovered endpoint and blocks
	// until the channel is ready for messages, the peer refuses, or ctx ends.
	RequestConnection(ctx context.Context, endpointID string) error
	// DisconnectFromEndpoint tears down the channel to an endpoint. Unknown
	// ids are ignored.
	DisconnectFromEndpoint(endpointID string)
	// SendMessage delivers one encoded payload to a single endpoint.
	SendMessage(endpoint models.Endpoint, payload []byte) error

	// Stop releases every radio and network resource held by the adapter.
	Stop() error
}

// Broadcaster is implemented by adapters that can deliver one payload to all
// connected endpoints more efficiently than one SendMessage per endpoint.
type Broadcaster interface {
	BroadcastMessage(payload []byte) error
}

// Callbacks is the surface adapters use to report events. Implementations are
// safe for concurrent use from any goroutine.
type Callbacks interface {
	EndpointFound(endpoint models.Endpoint)
	EndpointLost(endpointID string)

	// ConnectionInitiated records a remote-initiated connection attempt.
	ConnectionInitiated(endpointID, name string)
	// ConnectionResult completes a remote-initiated attempt: nil moves the
	// endpoint to CONNECTED, an error reverts it to DISCOVERED.
	ConnectionResult(endpointID string, err error)
	Disconnected(endpointID string)

	PayloadReceived(endpointID string, payload []byte)

	AdvertisingResult(err error)
	DiscoveryResult(err error)
	AdvertisingStopped()
	DiscoveryStopped()
}
