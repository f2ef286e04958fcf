// Package bluetooth implements the connectivity contract over Bluetooth. It
// serves three backends that share one adapter:
//
//   - bluetooth: unfiltered scans and RFCOMM stream sockets
//   - ble: scans and advertisements filtered by the meshnet service UUID,
//     RFCOMM stream sockets for channels
//   - ble-gatt: a GATT server exposing the messages characteristic, with
//     centrals writing to it and the server notifying every subscriber
//
// Radio access goes through the Radio, stream and GATT hooks in Options so
// the adapter logic runs without hardware. Linux builds fill the hooks with
// tinygo.org/x/bluetooth and raw RFCOMM sockets; other platforms report the
// adapter as unsupported.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Backends served by this adapter.
const (
	BackendClassic = "bluetooth"
	BackendBLE     = "ble"
	BackendGATT    = "ble-gatt"
)

// ServiceUUID identifies meshnet advertisements and the GATT service.
const ServiceUUID = "62c94792-5e72-461b-bbf4-4be7360776b5"

// MessagesCharacteristicUUID carries encoded messages in the GATT backend.
const MessagesCharacteristicUUID = "00002a2b-0000-1000-8000-00805f9b34fb"

// DefaultRFCOMMChannel is the channel listeners bind and dialers connect to.
const DefaultRFCOMMChannel = 3

var (
	ErrUnavailable = errors.New("bluetooth: not available on this platform")
	ErrBadAddress  = errors.New("bluetooth: invalid device address")
)

// ScanResult is one advertisement seen during a scan.
type ScanResult struct {
	Address string
	Name    string
	// HasService reports whether the advertisement lists ServiceUUID.
	HasService bool
}

// Advertisement describes what the radio broadcasts while advertising.
type Advertisement struct {
	LocalName   string
	ServiceUUID string
}

// Radio is the subset of a BLE controller the adapter drives.
type Radio interface {
	Enable() error
	// Scan reports results until ctx ends or the scan fails.
	Scan(ctx context.Context, onResult func(ScanResult)) error
	Advertise(adv Advertisement) error
	StopAdvertising() error
}

// Stream is a connected RFCOMM channel.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddress() string
}

// StreamListener accepts inbound RFCOMM channels.
type StreamListener interface {
	Accept() (Stream, error)
	Close() error
}

type (
	ListenStreamFunc func(channel uint8) (StreamListener, error)
	DialStreamFunc   func(ctx context.Context, address string, channel uint8) (Stream, error)
)

// GATTServer is the local messages service. Notify reaches every central
// subscribed to the characteristic.
type GATTServer interface {
	Notify(payload []byte) error
	Close() error
}

// GATTClient is a connection to a remote messages service.
type GATTClient interface {
	Write(payload []byte) error
	Close() error
}

type (
	// ServeGATTFunc publishes the messages service. onWrite receives every
	// value a central writes, tagged with an identifier for that central.
	ServeGATTFunc func(onWrite func(central string, payload []byte)) (GATTServer, error)
	// DialGATTFunc connects to a peripheral and subscribes to its messages
	// characteristic.
	DialGATTFunc func(ctx context.Context, address string, onNotify func(payload []byte)) (GATTClient, error)
)

// NormalizeAddress returns the canonical upper-case form of a MAC address.
func NormalizeAddress(address string) (string, error) {
	mac, err := net.ParseMAC(strings.TrimSpace(address))
	if err != nil || len(mac) != 6 {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, address)
	}
	return strings.ToUpper(mac.String()), nil
}

// addressBytes parses a MAC address into the little-endian layout Bluetooth
// sockets use.
func addressBytes(address string) ([6]uint8, error) {
	var out [6]uint8
	mac, err := net.ParseMAC(strings.TrimSpace(address))
	if err != nil || len(mac) != 6 {
		return out, fmt.Errorf("%w: %q", ErrBadAddress, address)
	}
	for i := 0; i < 6; i++ {
		out[i] = mac[5-i]
	}
	return out, nil
}

func formatAddressBytes(b [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
